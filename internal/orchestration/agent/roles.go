// Package agent implements the role catalogue, the agent instance state
// machine, and the per-session agent pool.
package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/swarm/internal/orchestration/board"
)

// Role names the capability profiles workers can be spawned with.
type Role string

const (
	RoleArchitect  Role = "architect"
	RoleSeniorDev  Role = "senior_dev"
	RoleDeveloper  Role = "developer"
	RoleJuniorDev  Role = "junior_dev"
	RoleReviewer   Role = "reviewer"
	RoleSecurity   Role = "security"
	RoleTester     Role = "tester"
	RoleDocumenter Role = "documenter"
	RoleDevOps     Role = "devops"
	RoleGeneralist Role = "generalist"
)

// RoleConfig is the capability profile behind a role: prompt, model,
// tool allow-list, and concurrency cap.
type RoleConfig struct {
	Name               Role     `yaml:"name"`
	DisplayName        string   `yaml:"display_name"`
	Model              string   `yaml:"model"`
	SystemPrompt       string   `yaml:"system_prompt"`
	AllowedTools       []string `yaml:"allowed_tools"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
}

// Catalog holds the configured roles.
type Catalog struct {
	roles map[Role]RoleConfig
}

// defaultModel is used by roles that do not pin their own.
const defaultModel = "claude-sonnet-4"

// allTools is the full tool surface; roles narrow it.
var allTools = []string{"read_file", "write_file", "edit_file", "glob", "grep", "bash", "task_complete"}

// readOnlyTools is the surface for reviewing roles.
var readOnlyTools = []string{"read_file", "glob", "grep", "task_complete"}

// DefaultCatalog returns the built-in role profiles.
func DefaultCatalog() *Catalog {
	mk := func(name Role, display, prompt string, tools []string, maxTasks int) RoleConfig {
		return RoleConfig{
			Name:               name,
			DisplayName:        display,
			Model:              defaultModel,
			SystemPrompt:       prompt,
			AllowedTools:       tools,
			MaxConcurrentTasks: maxTasks,
		}
	}

	roles := []RoleConfig{
		mk(RoleArchitect, "Architect",
			"You are a software architect. You design systems, define interfaces, and decompose problems into well-bounded components. Favour clarity over cleverness.",
			readOnlyTools, 1),
		mk(RoleSeniorDev, "Senior Developer",
			"You are a senior developer. You implement complex features end to end, refactor safely, and leave the codebase better than you found it.",
			allTools, 2),
		mk(RoleDeveloper, "Developer",
			"You are a developer. You implement well-scoped features and fixes following the conventions of the surrounding code.",
			allTools, 3),
		mk(RoleJuniorDev, "Junior Developer",
			"You are a junior developer. You handle small, well-specified tasks. Ask for clarification through your task notes rather than guessing.",
			allTools, 2),
		mk(RoleReviewer, "Reviewer",
			"You are a code reviewer. You read changes critically, verify acceptance criteria, and report concrete, actionable findings.",
			readOnlyTools, 2),
		mk(RoleSecurity, "Security Engineer",
			"You are a security engineer. You look for injection, authentication, and data-handling flaws and propose minimal fixes.",
			readOnlyTools, 1),
		mk(RoleTester, "Tester",
			"You are a test engineer. You write focused tests that document behaviour and catch regressions.",
			allTools, 2),
		mk(RoleDocumenter, "Documenter",
			"You are a technical writer. You document behaviour accurately and concisely for future maintainers.",
			[]string{"read_file", "write_file", "edit_file", "glob", "grep", "task_complete"}, 2),
		mk(RoleDevOps, "DevOps Engineer",
			"You are a devops engineer. You handle build, configuration, and tooling changes with minimal blast radius.",
			allTools, 1),
		mk(RoleGeneralist, "Generalist",
			"You are a generalist engineer. You research, prototype, and handle tasks that fit no specialist profile.",
			allTools, 3),
	}

	c := &Catalog{roles: make(map[Role]RoleConfig, len(roles))}
	for _, r := range roles {
		c.roles[r.Name] = r
	}
	return c
}

// LoadCatalog reads role overrides from a YAML file layered over the
// defaults. Unknown roles in the file are added as-is.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()

	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied roles file
	if err != nil {
		return nil, fmt.Errorf("reading roles file: %w", err)
	}

	var file struct {
		Roles []RoleConfig `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing roles file: %w", err)
	}

	for _, r := range file.Roles {
		if r.Name == "" {
			continue
		}
		base, ok := c.roles[r.Name]
		if !ok {
			base = RoleConfig{Name: r.Name, Model: defaultModel, AllowedTools: allTools, MaxConcurrentTasks: 1}
		}
		if r.DisplayName != "" {
			base.DisplayName = r.DisplayName
		}
		if r.Model != "" {
			base.Model = r.Model
		}
		if r.SystemPrompt != "" {
			base.SystemPrompt = r.SystemPrompt
		}
		if len(r.AllowedTools) > 0 {
			base.AllowedTools = r.AllowedTools
		}
		if r.MaxConcurrentTasks > 0 {
			base.MaxConcurrentTasks = r.MaxConcurrentTasks
		}
		c.roles[r.Name] = base
	}
	return c, nil
}

// Get returns the config for a role.
func (c *Catalog) Get(role Role) (RoleConfig, bool) {
	r, ok := c.roles[role]
	return r, ok
}

// Roles returns all configured role names.
func (c *Catalog) Roles() []Role {
	out := make([]Role, 0, len(c.roles))
	for r := range c.roles {
		out = append(out, r)
	}
	return out
}

// RoleForTaskType maps a task type to the role that typically handles it.
func RoleForTaskType(t board.TaskType) Role {
	switch t {
	case board.TypeDesign:
		return RoleArchitect
	case board.TypeImplementation:
		return RoleDeveloper
	case board.TypeRefactoring:
		return RoleSeniorDev
	case board.TypeTesting:
		return RoleTester
	case board.TypeReview:
		return RoleReviewer
	case board.TypeDocumentation:
		return RoleDocumenter
	case board.TypeConfiguration:
		return RoleDevOps
	case board.TypeResearch:
		return RoleGeneralist
	case board.TypeIntegration:
		return RoleSeniorDev
	default:
		return RoleGeneralist
	}
}

// ParseRole normalises a user or model supplied role string.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleArchitect, RoleSeniorDev, RoleDeveloper, RoleJuniorDev, RoleReviewer,
		RoleSecurity, RoleTester, RoleDocumenter, RoleDevOps, RoleGeneralist:
		return r, true
	default:
		return "", false
	}
}
