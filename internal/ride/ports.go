package ride

import (
	"context"
	"strings"
	"time"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/models"
)

// FareSource resolves the tariff for a country.
type FareSource interface {
	Get(country string) (fare.Config, error)
}

// RateSource returns the commission policy in effect now.
type RateSource interface {
	Current() commission.Policy
}

// Estimator derives trip distance (km) and duration (minutes) from coordinates.
type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) (distanceKm, durationMin float64)
}

// CardGateway places and settles card authorizations. Amounts are minor units.
type CardGateway interface {
	Authorize(ctx context.Context, rideID, riderID string, amount int64, currency string) (ref string, err error)
	Capture(ctx context.Context, ref string, amount int64) error
	Void(ctx context.Context, ref string) error
}

// Publisher emits lifecycle events. Failures are logged, never fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier tells a driver about a ride they were assigned.
type Notifier interface {
	NotifyAssigned(ctx context.Context, driverID string, r Ride) error
}

// Event is published after every committed transition.
type Event struct {
	Type     string    `json:"type"`
	RideID   string    `json:"ride_id"`
	RiderID  string    `json:"rider_id"`
	DriverID string    `json:"driver_id,omitempty"`
	Status   Status    `json:"status"`
	Fare     int64     `json:"fare"`
	Currency string    `json:"currency"`
	At       time.Time `json:"at"`
}

// EventType names the event for a status, e.g. ride.in_progress.
func EventType(s Status) string { return "ride." + strings.ToLower(string(s)) }
