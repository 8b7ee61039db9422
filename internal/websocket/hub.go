package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-noise-meter/internal/export"
	"sleepywoodpecker/rp-noise-meter/internal/level"
	"sleepywoodpecker/rp-noise-meter/internal/sensor"
	"sleepywoodpecker/rp-noise-meter/internal/speed"
)

const (
	DEFAULT_PING_INTERVAL = 30 * time.Second
	WRITE_TIMEOUT         = 5 * time.Second
	READ_LIMIT            = 4096
)

// Hub is a display sink that fans every gauge update out to the connected
// websocket clients as a JSON frame.
type Hub struct {
	upgrader       websocket.Upgrader
	clients        map[*websocket.Conn]*clientConn
	allowedOrigins []string
	pingInterval   time.Duration
	ceiling        float64
	logger         *zap.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type LevelFrame struct {
	Current float64 `json:"current"`
	Min     string  `json:"min"`
	Avg     string  `json:"avg"`
	Max     string  `json:"max"`
	Peak    float64 `json:"peak"`
	Count   int64   `json:"count"`
	Gauge   float64 `json:"gauge"`
}

type SpeedFrame struct {
	Kmph    *float64 `json:"kmh"`
	Display string   `json:"display"`
	Gauge   float64  `json:"gauge"`
}

type Message struct {
	Type   string         `json:"type"`
	Time   int64          `json:"time"`
	Level  *LevelFrame    `json:"level,omitempty"`
	Speed  *SpeedFrame    `json:"speed,omitempty"`
	Notice *sensor.Notice `json:"notice,omitempty"`
}

// NewHub scales level gauges against ceiling, the top of the estimator's
// range.
func NewHub(pingInterval time.Duration, ceiling float64, allowedOrigins []string, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = DEFAULT_PING_INTERVAL
	}
	if ceiling <= 0 {
		ceiling = level.DefaultCeiling
	}
	h := &Hub{
		clients:        make(map[*websocket.Conn]*clientConn),
		allowedOrigins: allowedOrigins,
		pingInterval:   pingInterval,
		ceiling:        ceiling,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return h.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	h.startPingLoop()
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[ws] upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// clients never send anything useful; reads only detect the disconnect
	conn.SetReadLimit(READ_LIMIT)

	client := &clientConn{conn: conn}
	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()
	h.logger.Debug("[ws] client connected", zap.String("remote", r.RemoteAddr))

	if err := client.writeJSON(Message{Type: "connected", Time: time.Now().Unix()}); err != nil {
		h.removeClient(conn)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.removeClient(conn)
}

func (h *Hub) RenderLevel(s level.Snapshot) {
	rec := export.FromSnapshot(s)
	h.broadcast(Message{
		Type: "level",
		Time: time.Now().Unix(),
		Level: &LevelFrame{
			Current: s.Current,
			Min:     rec.Min,
			Avg:     rec.Avg,
			Max:     rec.Max,
			Peak:    s.Peak,
			Count:   s.Count,
			Gauge:   s.Current / h.ceiling,
		},
	})
}

func (h *Hub) RenderSpeed(r speed.Reading) {
	frame := &SpeedFrame{Display: speed.FormatKmph(r.MetersPerSecond)}
	if kmh, ok := speed.MetersPerSecondToKmph(r.MetersPerSecond); ok {
		frame.Kmph = &kmh
		frame.Gauge = speed.GaugeFraction(kmh)
	}
	h.broadcast(Message{Type: "speed", Time: r.Timestamp.Unix(), Speed: frame})
}

func (h *Hub) Notify(n sensor.Notice) {
	h.broadcast(Message{Type: "notice", Time: time.Now().Unix(), Notice: &n})
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	clientList := make([]*clientConn, 0, len(h.clients))
	for _, client := range h.clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("[ws] marshal failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	for _, client := range clientList {
		if err := client.writeMessage(websocket.TextMessage, data); err != nil {
			h.removeClient(client.conn)
			client.conn.Close()
		}
	}
}

func (h *Hub) startPingLoop() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.pingClients()
			}
		}
	}()
}

func (h *Hub) pingClients() {
	h.mu.RLock()
	clientList := make([]*clientConn, 0, len(h.clients))
	for _, client := range h.clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if err := client.writeMessage(websocket.PingMessage, nil); err != nil {
			h.removeClient(client.conn)
			client.conn.Close()
		}
	}
}

// Close stops the ping loop and drops every client.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return sameOrigin(origin, host)
	}

	originHost := hostOf(origin)
	for _, allowed := range h.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		switch {
		case allowed == "":
			continue
		case allowed == "*":
			return true
		case strings.EqualFold(allowed, origin):
			return true
		case strings.HasPrefix(allowed, "*."):
			suffix := strings.TrimPrefix(allowed, "*.")
			if originHost != "" && (originHost == suffix || strings.HasSuffix(originHost, "."+suffix)) {
				return true
			}
		case originHost != "" && strings.EqualFold(hostOf(allowed), originHost):
			return true
		}
	}
	return false
}

func sameOrigin(origin string, host string) bool {
	return strings.EqualFold(hostOf(origin), stripPort(host))
}

// hostOf accepts both full origins and bare host[:port] values.
func hostOf(s string) string {
	if !strings.Contains(s, "://") {
		return stripPort(s)
	}
	parsed, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return stripPort(parsed.Host)
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}

func (c *clientConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
	return c.conn.WriteJSON(v)
}

func (c *clientConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
	return c.conn.WriteMessage(messageType, data)
}
