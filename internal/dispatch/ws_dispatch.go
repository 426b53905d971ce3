package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/care-matching/internal/models"
)

// WSSession is one connected nurse app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live nurse sessions keyed by nurse id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(nurseID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[nurseID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(nurseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nurseID)
}

func (r *WSRegistry) Offer(nurseID string, offer models.Offer) error {
	s, ok := r.session(nurseID)
	if !ok {
		return ErrNoSession
	}
	if err := s.send(wsEnvelope{Type: "offer", Offer: &offer}); err != nil {
		r.logger.Warn("ws send failed", "nurse_id", nurseID, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) RequestUpdated(req *models.ServiceRequest) error {
	if req.NurseID == "" {
		return nil
	}
	s, ok := r.session(req.NurseID)
	if !ok {
		return ErrNoSession
	}
	if err := s.send(wsEnvelope{Type: "request_updated", Request: req}); err != nil {
		r.logger.Warn("ws send failed", "nurse_id", req.NurseID, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) session(nurseID string) (*WSSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[nurseID]
	return s, ok
}

type wsEnvelope struct {
	Type    string                 `json:"type"`
	Offer   *models.Offer          `json:"offer,omitempty"`
	Request *models.ServiceRequest `json:"request,omitempty"`
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
