package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/ride"
)

var ErrNoSession = errors.New("no ws session")

// Assignment is the message a driver receives when a ride is assigned.
type Assignment struct {
	Type       string          `json:"type"`
	RideID     string          `json:"ride_id"`
	RiderID    string          `json:"rider_id"`
	Pickup     models.Location `json:"pickup"`
	Dropoff    models.Location `json:"dropoff"`
	Mode       string          `json:"mode"`
	Estimate   int64           `json:"estimate"`
	Currency   string          `json:"currency"`
	CoRider    string          `json:"co_rider_ride_id,omitempty"`
	AssignedAt time.Time       `json:"assigned_at"`
}

func assignmentFor(r ride.Ride) Assignment {
	a := Assignment{
		Type:     "ride.assigned",
		RideID:   r.ID,
		RiderID:  r.RiderID,
		Pickup:   r.Pickup,
		Dropoff:  r.Dropoff,
		Mode:     string(r.Mode),
		Estimate: r.Estimate.Total,
		Currency: r.Currency(),
		CoRider:  r.CoRiderRideID,
	}
	if r.AcceptedAt != nil {
		a.AssignedAt = *r.AcceptedAt
	}
	return a
}

type conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession is one connected driver.
type WSSession struct {
	conn conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions and notifies drivers of assignments.
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

// Add registers conn for driverID, closing any previous session.
func (r *WSRegistry) Add(driverID string, c *websocket.Conn) {
	r.add(driverID, c)
}

func (r *WSRegistry) add(driverID string, c conn) {
	r.mu.Lock()
	prev := r.sessions[driverID]
	r.sessions[driverID] = &WSSession{conn: c}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session if it is still the one registered for c.
func (r *WSRegistry) Remove(driverID string, c *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn(c) {
		delete(r.sessions, driverID)
	}
}

// NotifyAssigned sends the assignment to the driver's session.
func (r *WSRegistry) NotifyAssigned(_ context.Context, driverID string, rd ride.Ride) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(assignmentFor(rd)); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "ride_id", rd.ID, "err", err)
		return err
	}
	return nil
}

// Connected reports whether driverID has a live session.
func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}
