package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/observability"
)

var (
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrUnknownDriver     = errors.New("unknown driver")
	ErrNotReserved       = errors.New("driver not reserved for ride")
)

// State is a driver's reservation state.
type State int

const (
	Free State = iota
	Reserved
	OnTrip
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Reserved:
		return "RESERVED"
	case OnTrip:
		return "ON_TRIP"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Availability is a driver's presence and reservation record.
type Availability struct {
	DriverID string       `json:"driver_id"`
	Online   bool         `json:"online"`
	State    State        `json:"state"`
	RideID   string       `json:"ride_id,omitempty"`
	Loc      models.Coord `json:"loc"`
	Updated  time.Time    `json:"updated"`
}

// Pool holds availability records. Each record has its own lock so a
// reservation is a compare-and-set on that record alone.
type Pool struct {
	mu      sync.RWMutex
	drivers map[string]*record
}

type record struct {
	mu sync.Mutex
	a  Availability
}

func NewPool() *Pool {
	return &Pool{drivers: make(map[string]*record)}
}

// UpdatePresence records a driver's online flag and location. Presence never
// touches reservation state: a reserved driver who drops offline keeps the
// ride until it is released.
func (p *Pool) UpdatePresence(d models.DriverLocation) {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	p.mu.Lock()
	r, ok := p.drivers[d.ID]
	if !ok {
		r = &record{a: Availability{DriverID: d.ID, State: Free}}
		p.drivers[d.ID] = r
	}
	p.mu.Unlock()

	r.mu.Lock()
	wasOnline := r.a.Online
	r.a.Online = d.Online
	r.a.Loc = d.Loc
	r.a.Updated = d.Updated
	r.mu.Unlock()

	switch {
	case d.Online && !wasOnline:
		observability.DriversOnline.Inc()
	case !d.Online && wasOnline:
		observability.DriversOnline.Dec()
	}
}

// ApplyLocation lets the pool consume the presence feed.
func (p *Pool) ApplyLocation(_ context.Context, d models.DriverLocation) error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownDriver)
	}
	p.UpdatePresence(d)
	return nil
}

func (p *Pool) get(id string) (*record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.drivers[id]
	return r, ok
}

// Get returns a copy of the driver's record.
func (p *Pool) Get(id string) (Availability, bool) {
	r, ok := p.get(id)
	if !ok {
		return Availability{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.a, true
}

// Snapshot copies every record.
func (p *Pool) Snapshot() []Availability {
	p.mu.RLock()
	recs := make([]*record, 0, len(p.drivers))
	for _, r := range p.drivers {
		recs = append(recs, r)
	}
	p.mu.RUnlock()
	out := make([]Availability, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.a)
		r.mu.Unlock()
	}
	return out
}

// TryReserve performs FREE -> RESERVED for an online driver. It returns false
// if the driver is unknown, offline, or already taken.
func (p *Pool) TryReserve(driverID, rideID string) bool {
	r, ok := p.get(driverID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.a.Online || r.a.State != Free {
		return false
	}
	r.a.State = Reserved
	r.a.RideID = rideID
	return true
}

// MarkOnTrip performs RESERVED -> ON_TRIP for the driver's current ride.
func (p *Pool) MarkOnTrip(driverID, rideID string) error {
	return p.transition(driverID, rideID, Reserved, OnTrip)
}

// Release returns a driver reserved or on trip for rideID to FREE.
func (p *Pool) Release(driverID, rideID string) error {
	r, ok := p.get(driverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDriver, driverID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.a.State == Free || r.a.RideID != rideID {
		return fmt.Errorf("%w: driver %s ride %s", ErrNotReserved, driverID, rideID)
	}
	r.a.State = Free
	r.a.RideID = ""
	return nil
}

func (p *Pool) transition(driverID, rideID string, from, to State) error {
	r, ok := p.get(driverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDriver, driverID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.a.State != from || r.a.RideID != rideID {
		return fmt.Errorf("%w: driver %s is %s for %q", ErrNotReserved, driverID, r.a.State, r.a.RideID)
	}
	r.a.State = to
	return nil
}
