package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/zone-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// WSSession is one connected app socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

type sessionKey struct {
	role Role
	id   string
}

// WSRegistry holds rider and driver sessions. It is a Publisher: riders get
// every event about their ride, drivers get the assignment.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[sessionKey]*WSSession), logger: logger}
}

// Add registers conn, replacing (and closing) an older socket of the same user.
func (r *WSRegistry) Add(role Role, id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[sessionKey{role, id}]
	r.sessions[sessionKey{role, id}] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(role Role, id string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionKey{role, id}] == s {
		delete(r.sessions, sessionKey{role, id})
	}
}

func (r *WSRegistry) Send(role Role, id string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey{role, id}]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws_send_failed", "role", role, "id", id, "error", err)
		return err
	}
	return nil
}

// Publish pushes ev to whoever is connected. Missing sockets are not an error.
func (r *WSRegistry) Publish(ctx context.Context, ev models.DispatchEvent) error {
	var errs []error
	if ev.RiderID != "" {
		if err := r.Send(RoleRider, ev.RiderID, ev); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	if d := driverOf(ev); d != "" {
		if err := r.Send(RoleDriver, d, ev); err != nil && !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
