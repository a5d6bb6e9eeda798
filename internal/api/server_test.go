package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/position"
)

var room = anchors.MustLayout(
	anchors.Anchor{ID: 0, Point: anchors.Point{X: 0, Y: 0}},
	anchors.Anchor{ID: 1, Point: anchors.Point{X: 0, Y: 4.23}},
	anchors.Anchor{ID: 2, Point: anchors.Point{X: 7.04, Y: 4.23}},
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fix(x, y float64) position.Position {
	return position.Position{X: x, Y: y, Validity: position.Valid, Source: position.Solved, Cycle: 1, Time: t0}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func waitSubscribers(t *testing.T, stream *position.Stream, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return stream.Subscribers() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestShowAnchors(t *testing.T) {
	mux := NewServer(Config{Layout: room, Stream: position.NewStream(0)}).ServeMux()

	rec := get(t, mux, "/api/anchors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Anchors       []anchors.Anchor `json:"anchors"`
		SolverAnchors []anchors.ID     `json:"solver_anchors"`
		Collinear     bool             `json:"collinear"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, room.Anchors(), body.Anchors)
	assert.Equal(t, []anchors.ID{0, 1, 2}, body.SolverAnchors)
	assert.False(t, body.Collinear)
}

func TestShowPosition(t *testing.T) {
	stream := position.NewStream(0)
	mux := NewServer(Config{Layout: room, Stream: stream}).ServeMux()

	rec := get(t, mux, "/api/position")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stream.Publish(fix(0, 4.23))
	rec = get(t, mux, "/api/position")
	require.Equal(t, http.StatusOK, rec.Code)

	var p position.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 4.23, p.Y)
	assert.Equal(t, position.Solved, p.Source)
	assert.Equal(t, position.Valid, p.Validity)
}

func TestMethodNotAllowed(t *testing.T) {
	mux := NewServer(Config{Layout: room, Stream: position.NewStream(0), Stats: func() any { return nil }}).ServeMux()
	for _, path := range []string{"/api/anchors", "/api/position", "/api/positions", "/api/stats", "/events"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestListPositions(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	defer store.Close()

	mux := NewServer(Config{Layout: room, Stream: position.NewStream(0), DB: store}).ServeMux()

	rec := get(t, mux, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	session, err := store.StartSession("sim", room, t0)
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, store.RecordPosition(session, fix(float64(i), 1)))
	}

	rec = get(t, mux, "/api/positions?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []db.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, 4.0, records[0].X)
	assert.Equal(t, session, records[0].SessionID)

	rec = get(t, mux, "/api/positions?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 5)

	for _, bad := range []string{"0", "-1", "lots"} {
		rec = get(t, mux, "/api/positions?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestOptionalDependencies(t *testing.T) {
	mux := NewServer(Config{Layout: room, Stream: position.NewStream(0)}).ServeMux()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/api/positions").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/api/stats").Code)
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/metrics").Code)
}

func TestShowStats(t *testing.T) {
	stats := func() any { return map[string]int{"cycles": 3} }
	mux := NewServer(Config{Layout: room, Stream: position.NewStream(0), Stats: stats}).ServeMux()

	rec := get(t, mux, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cycles": 3}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics, err := monitoring.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	metrics.ObserveCycle("completed")

	mux := NewServer(Config{Layout: room, Stream: position.NewStream(0), Metrics: metrics}).ServeMux()
	rec := get(t, mux, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "locate_cycles_total")
}

func TestWebSocketFeed(t *testing.T) {
	stream := position.NewStream(0)
	srv := httptest.NewServer(NewServer(Config{Layout: room, Stream: stream}).ServeMux())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitSubscribers(t, stream, 1)
	stream.Publish(fix(1, 2))
	stream.Publish(fix(3, 4))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second position.Position
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, 1.0, first.X)
	assert.Equal(t, 3.0, second.X)

	conn.Close()
	waitSubscribers(t, stream, 0)
}

func TestWebSocketClosesWithStream(t *testing.T) {
	stream := position.NewStream(0)
	srv := httptest.NewServer(NewServer(Config{Layout: room, Stream: stream}).ServeMux())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	waitSubscribers(t, stream, 1)
	stream.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
}

func TestEventsFeed(t *testing.T) {
	stream := position.NewStream(0)
	srv := httptest.NewServer(NewServer(Config{Layout: room, Stream: stream}).ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	ping, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", ping)

	waitSubscribers(t, stream, 1)
	stream.Publish(fix(0.52, 0.43))

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, "position", event)
	var p position.Position
	require.NoError(t, json.Unmarshal([]byte(data), &p))
	assert.Equal(t, 0.52, p.X)
}

func TestLoggingMiddleware(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, format)
	})
	defer monitoring.SetLogger(nil)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))
	rec := get(t, h, "/brew")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, logged, 1)
	assert.Contains(t, statusCodeColor(http.StatusTeapot), "418")
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestLoggingMiddlewareAllowsWebSocket(t *testing.T) {
	monitoring.SetLogger(nil)
	defer monitoring.SetLogger(nil)

	stream := position.NewStream(0)
	srv := httptest.NewServer(LoggingMiddleware(NewServer(Config{Layout: room, Stream: stream}).ServeMux()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	conn.Close()
}
