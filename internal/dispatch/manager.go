// Package dispatch owns passenger and driver websocket sessions, routes
// their inbound events to the matching engine and pushes ride requests to
// drivers that are not connected.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// closeReplaced tells a client another connection took over its topic.
const closeReplaced = 4000

type Config struct {
	HeartbeatTimeout time.Duration
	OfflineOnTimeout bool
	SendBuffer       int
	WriteTimeout     time.Duration
}

// Manager keeps at most one live session per topic: a newer connection for
// the same ride or driver replaces the older one.
type Manager struct {
	bus    *bus.Bus
	router *Router
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(b *bus.Bus, router *Router, cfg Config, logger *slog.Logger) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Manager{
		bus:      b,
		router:   router,
		cfg:      cfg,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Serve runs a session until the peer disconnects or the session is
// replaced. It blocks; call it from the upgrade handler.
func (m *Manager) Serve(ctx context.Context, conn *websocket.Conn, id Identity) {
	topic := id.Topic()
	s := &Session{
		ID:       uuid.NewString(),
		Identity: id,
		conn:     conn,
		send:     make(chan bus.Message, m.cfg.SendBuffer),
		done:     make(chan struct{}),
		cfg:      m.cfg,
	}
	s.logger = m.logger.With("session_id", s.ID, "topic", topic)
	s.sub = m.bus.Subscribe(topic)

	m.mu.Lock()
	prev := m.sessions[topic]
	m.sessions[topic] = s
	m.mu.Unlock()
	if prev != nil {
		prev.closeWith(closeReplaced, "replaced by a newer connection")
	}
	observability.ActiveSessions.WithLabelValues(string(id.Kind)).Inc()
	s.logger.Info("session opened", "kind", id.Kind)

	ack, _ := bus.NewMessage(models.EventConnectionEstablished, models.ConnectionEstablished{
		Type:      models.EventConnectionEstablished,
		Message:   "Connected",
		SessionID: s.ID,
		RideID:    id.RideID,
		DriverID:  id.DriverID,
	})
	s.Send(ack)

	go s.writePump()
	timedOut := m.readLoop(ctx, s)

	s.Close()
	s.sub.Close()
	current := m.unregister(s)
	observability.ActiveSessions.WithLabelValues(string(id.Kind)).Dec()
	s.logger.Info("session closed", "timed_out", timedOut, "replaced", !current)

	if current && id.Kind == KindDriver {
		m.router.driverGone(ctx, id.DriverID, timedOut && m.cfg.OfflineOnTimeout)
	}
}

func (m *Manager) readLoop(ctx context.Context, s *Session) bool {
	s.conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	s.extendDeadline()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return true
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, closeReplaced) {
				s.logger.Debug("session read failed", "error", err)
			}
			return false
		}
		s.extendDeadline()

		var in models.Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			s.Send(errorMessage("invalid_payload", "message must be a JSON object with a type", ""))
			continue
		}
		m.router.Handle(ctx, s, in)
	}
}

func (m *Manager) unregister(s *Session) bool {
	topic := s.Identity.Topic()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[topic] != s {
		return false
	}
	delete(m.sessions, topic)
	return true
}

// Connected reports whether a session is live for the topic on this node.
func (m *Manager) Connected(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[topic]
	return ok
}

// CloseAll ends every session, e.g. on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
