package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dd := NewDedup(time.Minute, func() time.Time { return now })

	assert.False(t, dd.IsDuplicate("a"))
	assert.True(t, dd.IsDuplicate("a"))

	now = now.Add(time.Minute)
	assert.Equal(t, 1, dd.Cleanup())
	assert.Zero(t, dd.Len())
	assert.False(t, dd.IsDuplicate("a"), "expired ids are accepted again")

	dd.Forget("a")
	assert.False(t, dd.IsDuplicate("a"))
}
