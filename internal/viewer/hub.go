package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjstillabower/sonde-alert-service/internal/cache"
	"github.com/kjstillabower/sonde-alert-service/internal/models"
)

const (
	writeWait         = 5 * time.Second
	maxRecentEvents   = 50
	defaultMaxClients = 64
)

// Message is the websocket frame sent to viewers.
type Message struct {
	Type string `json:"type"` // "snapshot" or "notification"
	Data any    `json:"data"`
}

// Hub receives per-cycle snapshots and notification events from the alert
// engine, keeps the latest snapshot in a cache and pushes both to websocket
// viewers. The engine never waits on a slow viewer for longer than writeWait.
type Hub struct {
	cache      cache.Cache
	ttl        time.Duration
	maxClients int
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	latest  *models.Snapshot
	recent  []models.NotificationEvent
	closing bool
}

// Options configures a Hub.
type Options struct {
	// SnapshotTTL bounds how long a snapshot is served after the loop stops publishing.
	SnapshotTTL time.Duration
	MaxClients  int
	// CheckOrigin overrides the websocket origin check; nil allows same-origin only.
	CheckOrigin func(r *http.Request) bool
}

// NewHub returns a hub storing snapshots in c.
func NewHub(c cache.Cache, logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = time.Hour
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}
	return &Hub{
		cache:      c,
		ttl:        opts.SnapshotTTL,
		maxClients: opts.MaxClients,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// OnSnapshot stores snap as the latest view and broadcasts it.
func (h *Hub) OnSnapshot(ctx context.Context, snap models.Snapshot) {
	if err := h.cache.Set(ctx, cache.SnapshotKey, snap, h.ttl); err != nil {
		h.logger.Warn("snapshot cache set failed", zap.String("cycle_id", snap.CycleID), zap.Error(err))
	}
	h.mu.Lock()
	h.latest = &snap
	h.mu.Unlock()
	h.broadcast(Message{Type: "snapshot", Data: snap})
}

// OnNotification records ev in the recent list and broadcasts it.
func (h *Hub) OnNotification(ctx context.Context, ev models.NotificationEvent) {
	h.mu.Lock()
	h.recent = append(h.recent, ev)
	if len(h.recent) > maxRecentEvents {
		h.recent = h.recent[len(h.recent)-maxRecentEvents:]
	}
	h.mu.Unlock()
	h.broadcast(Message{Type: "notification", Data: ev})
}

// Latest returns the most recent snapshot. The cache is authoritative; the
// in-process copy is used when the cache errors.
func (h *Hub) Latest(ctx context.Context) (models.Snapshot, bool, error) {
	snap, ok, err := h.cache.Get(ctx, cache.SnapshotKey)
	if err == nil {
		return snap, ok, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil {
		return *h.latest, true, nil
	}
	return models.Snapshot{}, false, err
}

// Recent returns notification events delivered by this process, oldest first.
func (h *Hub) Recent() []models.NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.NotificationEvent, len(h.recent))
	copy(out, h.recent)
	return out
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeWS upgrades the request to a websocket, sends the latest snapshot and
// then streams every later snapshot and notification until the viewer leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := len(h.conns) >= h.maxClients || h.closing
	h.mu.Unlock()
	if full {
		http.Error(w, "too many viewers", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if snap, ok, _ := h.Latest(r.Context()); ok {
		if err := writeMessage(conn, Message{Type: "snapshot", Data: snap}); err != nil {
			_ = conn.Close()
			return
		}
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("viewer connected", zap.String("remote", r.RemoteAddr), zap.Int("viewers", n))

	// Viewers never send anything meaningful; reading detects the close.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Close disconnects every viewer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closing = true
	conns := h.conns
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	n := len(h.conns)
	h.mu.Unlock()
	_ = conn.Close()
	if ok {
		h.logger.Info("viewer disconnected", zap.Int("viewers", n))
	}
}

func (h *Hub) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal viewer message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("viewer write failed", zap.Error(err))
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

func writeMessage(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
