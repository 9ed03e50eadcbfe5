package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/ir"
)

func TestCascadeLimit_Check(t *testing.T) {
	limit := cascadeLimit{max: 2}
	ev := ir.NewEvent("bounce", nil)

	assert.NoError(t, limit.Check(ev, 1))
	assert.NoError(t, limit.Check(ev, 2))

	err := limit.Check(ev, 3)
	require.Error(t, err)
	assert.True(t, IsCascadeError(err))

	var ce *CascadeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bounce", ce.EventType)
	assert.Equal(t, 3, ce.Depth)
	assert.Equal(t, 2, ce.Limit)
	assert.Contains(t, err.Error(), "3 > 2")
}

func TestCascadeLimit_ZeroDisablesFollowUps(t *testing.T) {
	limit := cascadeLimit{max: 0}
	assert.Error(t, limit.Check(ir.NewEvent("x", nil), 1))
}
