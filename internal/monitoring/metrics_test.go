package monitoring

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveFrame("ranging")
	c.ObserveFrame("ranging")
	c.ObserveFrame("json")
	c.ObserveParseError("malformed_number")
	c.ObserveCycle("completed")
	c.ObserveSolve("valid")
	c.ObservePublished("solved", "valid")
	c.ObserveDropped(3)
	c.ObserveDropped(0)
	c.ObserveResidual(0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Frames.WithLabelValues("ranging")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Frames.WithLabelValues("json")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ParseErrors.WithLabelValues("malformed_number")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Cycles.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Solves.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Published.WithLabelValues("solved", "valid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.DroppedUpdates))
	assert.Equal(t, 1, testutil.CollectAndCount(c.Residual))
}

func TestCollectorReRegisterReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	first.ObserveSolve("degenerate")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.Solves.WithLabelValues("degenerate")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveFrame("ranging")
	c.ObserveParseError("malformed_json")
	c.ObserveCycle("expired")
	c.ObserveSolve("valid")
	c.ObservePublished("direct", "valid")
	c.ObserveDropped(1)
	c.ObserveResidual(1)
	assert.NotNil(t, c.Handler())
}

func TestCollectorHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.ObserveSolve("invalid")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `locate_solves_total{outcome="invalid"} 1`))
}
