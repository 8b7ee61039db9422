package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/audio"
	"sleepywoodpecker/rp-noise-meter/internal/export"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/meter"
	"sleepywoodpecker/rp-noise-meter/internal/results"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
	ws "sleepywoodpecker/rp-noise-meter/internal/websocket"
)

type stubLister struct {
	entries []results.Entry
	err     error
	limit   int
}

func (s *stubLister) List(limit int) ([]results.Entry, error) {
	s.limit = limit
	return s.entries, s.err
}

func newTestServer(t *testing.T, lister ExportLister) (*Server, *meter.Session, *level.Estimator) {
	t.Helper()
	est, err := level.NewEstimator(level.DefaultParams())
	require.NoError(t, err)

	session := meter.NewSession(meter.Config{
		Estimator: est,
		Speeds:    speed.NewStore(0),
		Blocks:    make(chan level.SampleBlock, 4),
		Audio:     audio.NewTone(0, time.Hour),
		Logger:    zap.NewNop(),
	})
	t.Cleanup(session.Stop)

	return NewServer(context.Background(), session, lister, nil, zap.NewNop()), session, est
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestSnapshotBeforeAnyMeasurement(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/v1/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap meter.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Nil(t, snap.Level.Min)
	assert.Nil(t, snap.Speed.Kmph)
	assert.Equal(t, speed.Placeholder, snap.Speed.Display)
	assert.False(t, snap.Running)
}

func TestExportCSVAttachment(t *testing.T) {
	s, _, est := newTestServer(t, nil)
	_, err := est.Update(audio.NewTone(0.5, 0).Next())
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/v1/export?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="noise_level_data.csv"`, rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Min,Avg,Max,Current\n"))

	parsed, err := export.Parse(strings.NewReader(rec.Body.String()), export.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, export.FromSnapshot(est.Snapshot()).Avg, parsed.Avg)
}

func TestExportJSONDefaultsAndErrors(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/export?format=json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"minValue":"--"`)

	rec = do(t, s, http.MethodGet, "/api/v1/export")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")

	rec = do(t, s, http.MethodGet, "/api/v1/export?format=xlsx")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "xlsx")
}

func TestStartStopReset(t *testing.T) {
	s, session, est := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/start")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, session.Snapshot().Running)

	rec = do(t, s, http.MethodPost, "/api/v1/start")
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := est.Update(audio.NewTone(0.5, 0).Next())
	require.NoError(t, err)
	before := session.ID()

	rec = do(t, s, http.MethodPost, "/api/v1/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, before, session.ID())
	assert.Zero(t, est.Snapshot().Count)
	assert.True(t, session.Snapshot().Running, "reset leaves sensors running")

	rec = do(t, s, http.MethodPost, "/api/v1/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, session.Snapshot().Running)

	rec = do(t, s, http.MethodGet, "/api/v1/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListExports(t *testing.T) {
	lister := &stubLister{entries: []results.Entry{{ID: "a", Format: export.FormatCSV}}}
	s, _, _ := newTestServer(t, lister)

	rec := do(t, s, http.MethodGet, "/api/v1/exports?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, lister.limit)
	var entries []results.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)

	rec = do(t, s, http.MethodGet, "/api/v1/exports?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lister.err = errors.New("db gone")
	rec = do(t, s, http.MethodGet, "/api/v1/exports")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExportsRouteAbsentWithoutArchive(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/v1/exports")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	do(t, s, http.MethodGet, "/health")

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestWebsocketThroughRouter(t *testing.T) {
	hub := ws.NewHub(time.Minute, 0, nil, zap.NewNop())
	defer hub.Close()

	est, err := level.NewEstimator(level.DefaultParams())
	require.NoError(t, err)
	session := meter.NewSession(meter.Config{Estimator: est, Speeds: speed.NewStore(0), Sink: hub, Logger: zap.NewNop()})

	srv := httptest.NewServer(NewServer(context.Background(), session, nil, hub, zap.NewNop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	session.Reset()
	msg = ws.Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "level", msg.Type)
	assert.Equal(t, export.Placeholder, msg.Level.Avg)
}
