package ride

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists ride snapshots. SaveRide is called with the new state
// before it becomes visible; an error discards the mutation.
type Store interface {
	SaveRide(ctx context.Context, r Ride) error
}

type nopStore struct{}

func (nopStore) SaveRide(context.Context, Ride) error { return nil }

// Registry holds rides keyed by id and gives each ride at most one mutator
// at a time. Mutators wait at most lockTimeout for their turn.
type Registry struct {
	mu    sync.RWMutex
	rides map[string]*slot

	store       Store
	lockTimeout time.Duration
}

type slot struct {
	id  string
	sem chan struct{}
	r   Ride
}

func NewRegistry(store Store, lockTimeout time.Duration) *Registry {
	if store == nil {
		store = nopStore{}
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Registry{rides: make(map[string]*slot), store: store, lockTimeout: lockTimeout}
}

// Create persists and registers a new ride.
func (g *Registry) Create(ctx context.Context, r Ride) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rides[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRide, r.ID)
	}
	r.Version = 1
	if err := g.store.SaveRide(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	g.rides[r.ID] = &slot{id: r.ID, sem: make(chan struct{}, 1), r: r.clone()}
	return nil
}

// Get returns a copy of the ride's last committed state.
func (g *Registry) Get(ctx context.Context, id string) (Ride, error) {
	s, err := g.slot(id)
	if err != nil {
		return Ride{}, err
	}
	if err := g.acquire(ctx, s); err != nil {
		return Ride{}, err
	}
	defer g.release(s)
	return s.r.clone(), nil
}

// Update runs fn on a copy of the ride inside its exclusive section. The
// copy is persisted and committed only if fn and the store both succeed.
func (g *Registry) Update(ctx context.Context, id string, fn func(r *Ride) error) (Ride, error) {
	s, err := g.slot(id)
	if err != nil {
		return Ride{}, err
	}
	if err := g.acquire(ctx, s); err != nil {
		return Ride{}, err
	}
	defer g.release(s)
	next := s.r.clone()
	if err := fn(&next); err != nil {
		return Ride{}, err
	}
	next.Version++
	if err := g.store.SaveRide(ctx, next); err != nil {
		return Ride{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.r = next
	return next.clone(), nil
}

// UpdatePair mutates two rides together, taking their sections in id order.
// Both are committed or neither.
func (g *Registry) UpdatePair(ctx context.Context, a, b string, fn func(ra, rb *Ride) error) (Ride, Ride, error) {
	if a == b {
		return Ride{}, Ride{}, fmt.Errorf("%w: pair with itself", ErrInvalidTransition)
	}
	sa, err := g.slot(a)
	if err != nil {
		return Ride{}, Ride{}, err
	}
	sb, err := g.slot(b)
	if err != nil {
		return Ride{}, Ride{}, err
	}
	first, second := sa, sb
	if b < a {
		first, second = sb, sa
	}
	if err := g.acquire(ctx, first); err != nil {
		return Ride{}, Ride{}, err
	}
	defer g.release(first)
	if err := g.acquire(ctx, second); err != nil {
		return Ride{}, Ride{}, err
	}
	defer g.release(second)

	na, nb := sa.r.clone(), sb.r.clone()
	if err := fn(&na, &nb); err != nil {
		return Ride{}, Ride{}, err
	}
	na.Version++
	nb.Version++
	if err := g.store.SaveRide(ctx, na); err != nil {
		return Ride{}, Ride{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := g.store.SaveRide(ctx, nb); err != nil {
		// restore the first snapshot so the store matches memory
		_ = g.store.SaveRide(ctx, sa.r)
		return Ride{}, Ride{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	sa.r, sb.r = na, nb
	return na.clone(), nb.clone(), nil
}

// List returns committed rides matching keep, ordered by id.
func (g *Registry) List(keep func(Ride) bool) []Ride {
	g.mu.RLock()
	slots := make([]*slot, 0, len(g.rides))
	for _, s := range g.rides {
		slots = append(slots, s)
	}
	g.mu.RUnlock()
	out := make([]Ride, 0)
	for _, s := range slots {
		s.sem <- struct{}{}
		r := s.r.clone()
		<-s.sem
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Registry) slot(id string) (*slot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.rides[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRideNotFound, id)
	}
	return s, nil
}

func (g *Registry) acquire(ctx context.Context, s *slot) error {
	t := time.NewTimer(g.lockTimeout)
	defer t.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %s", ErrLockTimeout, s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Registry) release(s *slot) { <-s.sem }
