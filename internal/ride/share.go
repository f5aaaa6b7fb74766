package ride

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-settlement/internal/geo"
	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/observability"
)

var errNotSearching = errors.New("ride no longer searching")

// searchCoRider pairs a SEARCHING ride with the closest other SEARCHING ride
// whose pickup is within the share radius. Both move to REQUESTED. Without a
// partner the ride waits for shareWait and then falls back to solo dispatch.
func (e *Engine) searchCoRider(ctx context.Context, r Ride) (Ride, error) {
	e.shareMu.Lock()
	defer e.shareMu.Unlock()

	for _, partner := range e.partners(r) {
		t := e.searching[partner]
		mine, _, err := e.rides.UpdatePair(ctx, r.ID, partner, func(a, b *Ride) error {
			if a.Status != StatusSearching || b.Status != StatusSearching {
				return fmt.Errorf("%w: pairing %s with %s", ErrInvalidTransition, a.Status, b.Status)
			}
			now := e.now()
			a.CoRiderRideID, b.CoRiderRideID = b.ID, a.ID
			if err := a.transition(StatusRequested, now, "", "co-rider matched"); err != nil {
				return err
			}
			return b.transition(StatusRequested, now, "", "co-rider matched")
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return Ride{}, err
		}
		t.Stop()
		delete(e.searching, partner)
		e.logger.Info("co-rider matched", "ride_id", r.ID, "co_rider_ride_id", partner)
		e.committed(ctx, mine)
		if other, err := e.rides.Get(ctx, partner); err == nil {
			e.committed(ctx, other)
		}
		return mine, nil
	}

	id := r.ID
	e.searching[id] = time.AfterFunc(e.shareWait, func() { e.soloFallback(id) })
	return r, nil
}

// partners lists waiting rides eligible to share with r, nearest first,
// ties by ride id. Caller holds shareMu.
func (e *Engine) partners(r Ride) []string {
	if r.Pickup.Coord == nil {
		return nil
	}
	type cand struct {
		id   string
		dist float64
	}
	var out []cand
	for id := range e.searching {
		other, err := e.rides.Get(context.Background(), id)
		if err != nil || other.Status != StatusSearching || other.Pickup.Coord == nil {
			continue
		}
		if other.Country != r.Country || other.Currency() != r.Currency() {
			continue
		}
		d := geo.DistanceKm(*r.Pickup.Coord, *other.Pickup.Coord)
		if d <= e.shareRadiusKm {
			out = append(out, cand{id: id, dist: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.id
	}
	return ids
}

// soloFallback dispatches a ride that found no co-rider in time. It is a
// no-op if the ride was matched or cancelled first.
func (e *Engine) soloFallback(id string) {
	e.shareMu.Lock()
	if _, ok := e.searching[id]; !ok {
		e.shareMu.Unlock()
		return
	}
	delete(e.searching, id)
	e.shareMu.Unlock()

	ctx := context.Background()
	r, err := e.rides.Update(ctx, id, func(r *Ride) error {
		if r.Status != StatusSearching {
			return errNotSearching
		}
		return r.transition(StatusRequested, e.now(), string(models.RoleSystem), "share search timed out")
	})
	if errors.Is(err, errNotSearching) {
		return
	}
	if err != nil {
		e.logger.Error("share fallback failed", "ride_id", id, "err", err)
		return
	}
	observability.ShareFallbacks.Inc()
	e.logger.Info("share search timed out, dispatching solo", "ride_id", id)
	e.committed(ctx, r)
}

// stopSearch cancels a pending fallback timer.
func (e *Engine) stopSearch(id string) {
	e.shareMu.Lock()
	defer e.shareMu.Unlock()
	if t, ok := e.searching[id]; ok {
		t.Stop()
		delete(e.searching, id)
	}
}

// Searching returns the ids of SHARE rides still waiting for a co-rider.
func (e *Engine) Searching() []string {
	e.shareMu.Lock()
	defer e.shareMu.Unlock()
	ids := make([]string, 0, len(e.searching))
	for id := range e.searching {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
