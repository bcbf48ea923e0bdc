package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAction(t *testing.T) {
	m := New()
	m.ObserveAction("moltx", "posts", "ok")
	m.ObserveAction("moltx", "posts", "ok")
	m.ObserveAction("moltx", "posts", "rate_limited")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("moltx", "posts", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("moltx", "posts", "rate_limited")))
}

func TestObserveStepAndCycle(t *testing.T) {
	m := New()
	m.ObserveStep("snapshot", 2*time.Second, nil)
	m.ObserveStep("snapshot", time.Second, errors.New("x"))
	m.ObserveCycle(time.Unix(1700000000, 0))
	m.SetSuspects(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepFailures.WithLabelValues("snapshot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.lastCycle))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.suspects))
	assert.Equal(t, 1, testutil.CollectAndCount(m.steps))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveAction("pinch", "likes", "ok")
	m.SetPendingFollows(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `botfleet_dispatch_actions_total{action="likes",outcome="ok",platform="pinch"} 1`)
	assert.Contains(t, string(body), "botfleet_reciprocity_pending_follows 4")
}
