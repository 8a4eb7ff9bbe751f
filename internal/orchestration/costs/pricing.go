// Package costs implements model pricing and the per-session cost ledger.
package costs

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/swarm/internal/log"
)

// ModelPrice is the cost per one million tokens.
type ModelPrice struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
}

// Defaults applied to models missing from the table.
const (
	DefaultInputPer1M  = 3.00
	DefaultOutputPer1M = 15.00
)

// PricingTable maps model ids to prices. Unknown models fall back to the
// documented defaults.
type PricingTable struct {
	prices map[string]ModelPrice
	mu     sync.RWMutex
}

// NewPricingTable creates a table with built-in entries for common models.
func NewPricingTable() *PricingTable {
	return &PricingTable{
		prices: map[string]ModelPrice{
			"claude-opus-4":    {InputPer1M: 15.00, OutputPer1M: 75.00},
			"claude-sonnet-4":  {InputPer1M: 3.00, OutputPer1M: 15.00},
			"claude-haiku-3.5": {InputPer1M: 0.80, OutputPer1M: 4.00},
			"gpt-4o":           {InputPer1M: 2.50, OutputPer1M: 10.00},
			"gpt-4o-mini":      {InputPer1M: 0.15, OutputPer1M: 0.60},
		},
	}
}

// Price returns the price for a model, falling back to the defaults.
func (p *PricingTable) Price(modelID string) ModelPrice {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if price, ok := p.prices[modelID]; ok {
		return price
	}
	return ModelPrice{InputPer1M: DefaultInputPer1M, OutputPer1M: DefaultOutputPer1M}
}

// Set overrides the price of one model.
func (p *PricingTable) Set(modelID string, price ModelPrice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[modelID] = price
}

// LoadFile merges prices from a YAML file into the table.
func (p *PricingTable) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied pricing file
	if err != nil {
		return fmt.Errorf("reading pricing file: %w", err)
	}

	var file struct {
		Models map[string]ModelPrice `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing pricing file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, price := range file.Models {
		p.prices[id] = price
	}
	log.Info(log.CatCost, "Pricing loaded", "path", path, "models", len(file.Models))
	return nil
}

// Watch hot-reloads the pricing file whenever it changes on disk, until
// the context is cancelled. Reload failures are logged and skipped.
func (p *PricingTable) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating pricing watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching pricing file: %w", err)
	}

	log.SafeGo("pricing-watcher", func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := p.LoadFile(path); err != nil {
						log.Warn(log.CatCost, "Pricing reload failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(log.CatCost, "Pricing watcher error", "error", err)
			}
		}
	})
	return nil
}
