package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connected", hello.Type)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHubBroadcastsFrames(t *testing.T) {
	h := NewHub(time.Minute, 0, nil, zap.NewNop())
	defer h.Close()
	conn := dial(t, h)

	h.RenderLevel(level.Snapshot{
		Statistics: level.Statistics{Minimum: 4, Maximum: 7.6, Sum: 11.6, Count: 2},
		Current:    7.6,
		Peak:       40,
		Updated:    true,
	})
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "level", msg.Type)
	require.NotNil(t, msg.Level)
	assert.Equal(t, "5.8", msg.Level.Avg)
	assert.InDelta(t, 7.6/50, msg.Level.Gauge, 1e-9)

	h.RenderSpeed(speed.Absent(time.Now()))
	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Speed)
	assert.Nil(t, msg.Speed.Kmph)
	assert.Equal(t, speed.Placeholder, msg.Speed.Display)

	h.RenderSpeed(speed.NewReading(0, time.Now()))
	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Speed.Kmph)
	assert.Zero(t, *msg.Speed.Kmph)
	assert.Equal(t, "0.0", msg.Speed.Display)

	h.Notify(sensor.NoticeFor(sensor.Location, sensor.ErrTimeout(sensor.Location, "no fix")))
	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "notice", msg.Type)
	require.NotNil(t, msg.Notice)
	assert.Equal(t, sensor.NoticeAdvisory, msg.Notice.Level)
}

func TestHubScalesLevelGaugeToCeiling(t *testing.T) {
	h := NewHub(time.Minute, 80, nil, zap.NewNop())
	defer h.Close()
	conn := dial(t, h)

	h.RenderLevel(level.Snapshot{Statistics: level.Statistics{Minimum: 20, Maximum: 20, Sum: 20, Count: 1}, Current: 20, Updated: true})
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Level)
	assert.InDelta(t, 0.25, msg.Level.Gauge, 1e-9)
}

func TestHubDropsDisconnectedClient(t *testing.T) {
	h := NewHub(time.Minute, 0, nil, zap.NewNop())
	defer h.Close()
	conn := dial(t, h)

	conn.Close()
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub(time.Minute, 0, nil, zap.NewNop())
	h.Close()
	h.Close()
	// broadcasting without clients is a no-op
	h.RenderLevel(level.Snapshot{})
}

func TestAllowedOrigins(t *testing.T) {
	h := NewHub(time.Minute, 0, []string{"*.example.com", "dash.local:3000"}, zap.NewNop())
	defer h.Close()

	assert.True(t, h.isAllowedOrigin("", "anything"))
	assert.True(t, h.isAllowedOrigin("https://foo.example.com", "meter:8090"))
	assert.True(t, h.isAllowedOrigin("http://dash.local:3000", "meter:8090"))
	assert.False(t, h.isAllowedOrigin("https://evil.test", "meter:8090"))

	same := NewHub(time.Minute, 0, nil, zap.NewNop())
	defer same.Close()
	assert.True(t, same.isAllowedOrigin("http://127.0.0.1:8090", "127.0.0.1:8090"))
	assert.False(t, same.isAllowedOrigin("http://other:8090", "127.0.0.1:8090"))
}
