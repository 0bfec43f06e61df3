package dispatch

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/bus"
)

type Kind string

const (
	KindPassenger Kind = "passenger"
	KindDriver    Kind = "driver"
)

// Identity is what the connection handshake established about the peer.
// A passenger session is bound to one ride; a driver session to one driver.
type Identity struct {
	Kind           Kind
	RideID         string
	DriverID       string
	RequesterID    string
	RequesterName  string
	RequesterPhone string
}

func (id Identity) Topic() string {
	if id.Kind == KindDriver {
		return bus.DriverTopic(id.DriverID)
	}
	return bus.RideTopic(id.RideID)
}

// Session is one live websocket. The write pump is the only writer on the
// connection; it merges direct replies with messages from the bus topic.
type Session struct {
	ID       string
	Identity Identity

	conn   *websocket.Conn
	sub    *bus.Subscription
	send   chan bus.Message
	done   chan struct{}
	once   sync.Once
	cfg    Config
	logger *slog.Logger

	closeCode int
	closeText string
}

// Send queues a direct reply. It reports false if the session is closed or
// its buffer is full.
func (s *Session) Send(msg bus.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.logger.Warn("session send buffer full", "type", msg.Type)
		return false
	}
}

// Close ends the session. The write pump sends a close frame and releases
// the connection, which in turn ends the read loop.
func (s *Session) Close() { s.closeWith(websocket.CloseNormalClosure, "") }

func (s *Session) closeWith(code int, text string) {
	s.once.Do(func() {
		s.closeCode, s.closeText = code, text
		close(s.done)
	})
}

func (s *Session) writePump() {
	defer s.conn.Close()

	var ping <-chan time.Time
	if s.cfg.HeartbeatTimeout > 0 {
		t := time.NewTicker(s.cfg.HeartbeatTimeout / 2)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case msg := <-s.send:
			if !s.write(msg) {
				return
			}
		case msg, ok := <-s.sub.C():
			if !ok {
				s.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			if !s.write(msg) {
				return
			}
		case <-ping:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.closeWith(websocket.CloseGoingAway, "")
				return
			}
		case <-s.done:
			frame := websocket.FormatCloseMessage(s.closeCode, s.closeText)
			_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *Session) write(msg bus.Message) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
		s.logger.Debug("session write failed", "type", msg.Type, "error", err)
		s.closeWith(websocket.CloseGoingAway, "")
		return false
	}
	return true
}

func (s *Session) extendDeadline() {
	if s.cfg.HeartbeatTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
