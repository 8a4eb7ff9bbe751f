package swarmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewf_MatchesSentinel(t *testing.T) {
	err := Newf(CodeTaskNotFound, "task not found: %s", "t-1")

	require.ErrorIs(t, err, ErrTaskNotFound)
	require.NotErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, "task not found: t-1", err.Error())
}

func TestWrap(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(CodeInternal, fmt.Errorf("writing session file: %w", inner))

	require.ErrorIs(t, err, ErrInternal)
	require.ErrorIs(t, err, inner)
	require.Nil(t, Wrap(CodeInternal, nil))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
	}{
		{"sentinel", ErrMergeConflict, CodeMergeConflict},
		{"newf", Newf(CodeValidation, "bad input"), CodeValidation},
		{"wrapped", Wrap(CodeAgentTimeout, errors.New("deadline")), CodeAgentTimeout},
		{"double wrapped", fmt.Errorf("context: %w", Newf(CodeModelAPIError, "boom")), CodeModelAPIError},
		{"foreign", errors.New("plain"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}
