// Package ride owns the ride aggregate: its state machine, the registry that
// serializes mutations per ride, and the engine that drives fares, matching
// and settlement through legal transitions.
package ride

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/models"
)

var (
	ErrRideNotFound         = errors.New("ride not found")
	ErrDuplicateRide        = errors.New("ride already exists")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrRideNotRequestable   = errors.New("ride not requestable")
	ErrInvalidLocations     = errors.New("invalid locations")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidRequest       = errors.New("invalid ride request")
	ErrInvalidFare          = errors.New("invalid final fare")
	ErrForbidden            = errors.New("actor not allowed")
	ErrLockTimeout          = errors.New("ride lock timeout")
	ErrPersist              = errors.New("ride persistence failed")
	ErrPaymentGateway       = errors.New("payment gateway error")
)

type Status string

const (
	StatusSearching  Status = "SEARCHING"
	StatusRequested  Status = "REQUESTED"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// transitions lists every legal edge. Anything else is ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusSearching:  {StatusRequested, StatusCancelled},
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

type PaymentMethod string

const (
	PaymentWallet PaymentMethod = "wallet"
	PaymentCard   PaymentMethod = "card"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case PaymentWallet, PaymentCard:
		return PaymentMethod(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, s)
}

// StatusChange is one entry of a ride's history.
type StatusChange struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type Ride struct {
	ID            string          `json:"id"`
	RiderID       string          `json:"rider_id"`
	Country       string          `json:"country"`
	Pickup        models.Location `json:"pickup"`
	Dropoff       models.Location `json:"dropoff"`
	Mode          fare.Mode       `json:"mode"`
	Status        Status          `json:"status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	PaymentRef    string          `json:"payment_ref,omitempty"`
	DistanceKm    float64         `json:"distance_km"`
	DurationMin   float64         `json:"duration_min"`
	Estimate      fare.Breakdown  `json:"estimate"`
	FinalFare     *int64          `json:"final_fare,omitempty"`
	DriverID      *string         `json:"driver_id,omitempty"`
	CoRiderRideID string          `json:"co_rider_ride_id,omitempty"`
	Tips          int64           `json:"tips,omitempty"`

	Settlement *ledger.Settlement `json:"settlement,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	History []StatusChange `json:"history"`
	Version int            `json:"version"`
}

// Currency of the ride's locked estimate.
func (r *Ride) Currency() string { return r.Estimate.Currency }

// Driver returns the assigned driver id or "".
func (r *Ride) Driver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// transition moves the ride along a legal edge and stamps the timestamp for
// the target state.
func (r *Ride) transition(to Status, at time.Time, actor, reason string) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.History = append(r.History, StatusChange{From: r.Status, To: to, At: at, Actor: actor, Reason: reason})
	r.Status = to
	t := at
	switch to {
	case StatusRequested:
		r.RequestedAt = at
	case StatusAccepted:
		r.AcceptedAt = &t
	case StatusInProgress:
		r.StartedAt = &t
	case StatusCompleted:
		r.CompletedAt = &t
	case StatusCancelled:
		r.CancelledAt = &t
	case StatusFailed:
		r.FailedAt = &t
	}
	return nil
}

// clone returns a deep copy so mutations can be discarded on failure.
func (r Ride) clone() Ride {
	c := r
	c.History = append([]StatusChange(nil), r.History...)
	c.FinalFare = copyPtr(r.FinalFare)
	c.DriverID = copyPtr(r.DriverID)
	c.AcceptedAt = copyPtr(r.AcceptedAt)
	c.StartedAt = copyPtr(r.StartedAt)
	c.CompletedAt = copyPtr(r.CompletedAt)
	c.CancelledAt = copyPtr(r.CancelledAt)
	c.FailedAt = copyPtr(r.FailedAt)
	if r.Pickup.Coord != nil {
		c.Pickup.Coord = copyPtr(r.Pickup.Coord)
	}
	if r.Dropoff.Coord != nil {
		c.Dropoff.Coord = copyPtr(r.Dropoff.Coord)
	}
	if r.Settlement != nil {
		s := *r.Settlement
		s.Transactions = append([]ledger.Transaction(nil), r.Settlement.Transactions...)
		c.Settlement = &s
	}
	return c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
