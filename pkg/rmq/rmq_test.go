package rmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryDelay(time.Second, 1))
	assert.Equal(t, 4*time.Second, RetryDelay(time.Second, 2))
	assert.Equal(t, 800*time.Millisecond, RetryDelay(100*time.Millisecond, 3))
}

func TestTopologyQueues(t *testing.T) {
	topo := Topology{Queue: "emailQueue", MaxRetries: 3, RetryBase: time.Second}

	qs := topo.queues()
	require.Len(t, qs, 4)

	assert.Equal(t, "emailQueue", qs[0].name)
	assert.Nil(t, qs[0].args)
	assert.Equal(t, "emailQueue.dlq", qs[1].name)

	assert.Equal(t, "emailQueue.retry.1", qs[2].name)
	assert.Equal(t, int64(2000), qs[2].args["x-message-ttl"])
	assert.Equal(t, "", qs[2].args["x-dead-letter-exchange"])
	assert.Equal(t, "emailQueue", qs[2].args["x-dead-letter-routing-key"])

	assert.Equal(t, "emailQueue.retry.2", qs[3].name)
	assert.Equal(t, int64(4000), qs[3].args["x-message-ttl"])
}

func TestTopologyQueues_SingleAttempt(t *testing.T) {
	qs := Topology{Queue: "q", MaxRetries: 1, RetryBase: time.Second}.queues()
	require.Len(t, qs, 2)
	assert.Equal(t, "q.dlq", qs[1].name)
}
