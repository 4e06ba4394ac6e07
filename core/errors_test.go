package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/tiermem/core"
)

func TestIsOperationErrorUnwrapsWrappedErrors(t *testing.T) {
	oe := core.NewOperationError("unknown_session", "no such session: s1")

	got, ok := core.IsOperationError(oe)
	require.True(t, ok)
	assert.Equal(t, "unknown_session", got.Code)

	// Callers wrap with %w, so detection has to see through the chain.
	wrapped := fmt.Errorf("promote session s1: %w", oe)
	got, ok = core.IsOperationError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "unknown_session", got.Code)

	_, ok = core.IsOperationError(errors.New("plain failure"))
	assert.False(t, ok)

	_, ok = core.IsOperationError(nil)
	assert.False(t, ok)
}

func TestConfigurationErrorMessage(t *testing.T) {
	err := core.NewConfigurationError("total_budget", "must be positive")
	assert.Equal(t, "configuration error: total_budget: must be positive", err.Error())
}
