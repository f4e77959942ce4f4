package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestParseRunMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := parseRunMessage(redis.XMessage{
		ID: "1700000000000-0",
		Values: map[string]interface{}{
			"project_id":  "proj-1",
			"user_id":     "user-1",
			"flow_type":   "corrections-response",
			"enqueued_at": now.Format(time.RFC3339Nano),
		},
	})
	assert.Equal(t, "1700000000000-0", m.ID)
	assert.Equal(t, "proj-1", m.ProjectID)
	assert.Equal(t, "user-1", m.UserID)
	assert.Equal(t, "corrections-response", m.FlowType)
	assert.True(t, now.Equal(m.EnqueuedAt))
}

func TestParseRunMessageMissingFields(t *testing.T) {
	m := parseRunMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"enqueued_at": "garbage"}})
	assert.Equal(t, "1-0", m.ID)
	assert.Empty(t, m.ProjectID)
	assert.True(t, m.EnqueuedAt.IsZero())
}
