package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/analysis-worker/internal/queue"
)

func TestFromTableNormalizesXDeath(t *testing.T) {
	h := fromTable(amqp.Table{
		queue.HeaderFailureReason: "stale_lease",
		queue.HeaderDeath: []interface{}{
			amqp.Table{"reason": "rejected", "count": int64(3), "queue": "assessments"},
		},
	})
	death, ok := h.Death()
	require.True(t, ok)
	assert.Equal(t, "rejected", death.String("reason"))
	n, ok := death.Int("count")
	require.True(t, ok)
	assert.Equal(t, 3, n)
	assert.Equal(t, "stale_lease", h.String(queue.HeaderFailureReason))
}

func TestToTableNarrowsInts(t *testing.T) {
	tbl := toTable(queue.Headers{queue.HeaderRetryCount: 2, "nested": map[string]interface{}{"n": 1}})
	assert.Equal(t, int32(2), tbl[queue.HeaderRetryCount])
	nested, ok := tbl["nested"].(amqp.Table)
	require.True(t, ok)
	assert.Equal(t, int32(1), nested["n"])
	require.NoError(t, tbl.Validate())
	assert.Nil(t, toTable(nil))
}
