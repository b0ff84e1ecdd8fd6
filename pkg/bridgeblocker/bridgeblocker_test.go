package bridgeblocker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckLimitsBlocksAndUnblocks(t *testing.T) {
	blocked := false
	b := New(10, Hooks{
		BlockBridge:   func() error { blocked = true; return nil },
		UnblockBridge: func() error { blocked = false; return nil },
	}, nil)

	b.CheckLimits(5)
	assert.Equal(t, StateUnblocked, b.State())
	assert.False(t, blocked)

	b.CheckLimits(11)
	assert.Equal(t, StateBlocked, b.State())
	assert.True(t, blocked)

	b.CheckLimits(11)
	assert.Equal(t, StateBlocked, b.State(), "must stay blocked while n > limit")

	b.CheckLimits(3)
	assert.Equal(t, StateUnblocked, b.State())
	assert.False(t, blocked)
}

func TestCheckLimitsLeavesStateUnchangedOnHookError(t *testing.T) {
	b := New(10, Hooks{
		BlockBridge: func() error { return errors.New("boom") },
	}, nil)

	b.CheckLimits(20)
	assert.Equal(t, StateUnblocked, b.State(), "a failing blockBridge hook must not change state")
}
