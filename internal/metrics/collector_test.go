package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCollector_ModelCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("ireader", reg, zaptest.NewLogger(t))

	c.ModelCallStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.modelCallsInFlight))

	c.ModelCallFinished("gpt-4o", "ok", 2*time.Second, 100, 40)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.modelCallsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.modelCallsTotal.WithLabelValues("gpt-4o", "ok")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.modelTokensUsed.WithLabelValues("gpt-4o", "prompt")))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.modelTokensUsed.WithLabelValues("gpt-4o", "completion")))
}

func TestCollector_CacheAndTools(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("ireader", reg, zaptest.NewLogger(t))

	c.RecordCacheHit("summary")
	c.RecordCacheHit("summary")
	c.RecordCacheMiss("summary")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("summary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("summary")))

	c.RecordToolCall("recall", "ok", 100*time.Millisecond)
	c.RecordToolCall("recall", "error", 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("recall", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("recall", "error")))
}

func TestCollector_CompressionAndPools(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("ireader", reg, zaptest.NewLogger(t))

	c.RecordCompression("ok", 1200)
	c.RecordCompression("skipped", 0)
	assert.Equal(t, 1200.0, testutil.ToFloat64(c.compressionTokensSaved))

	c.RecordPoolStats("converter", 4, 1, 3)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("converter", "total")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("converter", "in_use")))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors on distinct registries must not collide.
	a := NewCollector("ireader", prometheus.NewRegistry(), nil)
	b := NewCollector("ireader", prometheus.NewRegistry(), nil)
	require.NotNil(t, a)
	require.NotNil(t, b)
}
