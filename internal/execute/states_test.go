package execute

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "awaiting_fill", StateAwaitingFill.String())
	assert.Equal(t, "abandoned", StateAbandoned.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateAbandoned.Terminal())
	assert.False(t, StateSubmitting.Terminal())
	assert.False(t, StateAwaitingFill.Terminal())
	assert.False(t, StateReconciling.Terminal())
}
