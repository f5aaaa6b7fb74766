package matcher

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/ride-settlement/internal/geo"
	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/observability"
)

type Service struct {
	Pool   *Pool
	Logger *slog.Logger
}

// Match is a successful reservation.
type Match struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Attempts   int     `json:"attempts"`
}

type candidate struct {
	id   string
	dist float64
}

// candidates returns FREE online drivers ordered by distance to pickup, ties
// by driver id. Without pickup coordinates all distances are equal.
func (s *Service) candidates(pickup *models.Coord) []candidate {
	snap := s.Pool.Snapshot()
	out := make([]candidate, 0, len(snap))
	for _, a := range snap {
		if !a.Online || a.State != Free {
			continue
		}
		var dist float64
		if pickup != nil {
			dist = geo.DistanceKm(*pickup, a.Loc)
		}
		out = append(out, candidate{id: a.DriverID, dist: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out
}

// Match reserves the closest free driver for rideID. A lost race on one
// driver moves on to the next candidate; there are at most as many attempts
// as candidates.
func (s *Service) Match(rideID string, pickup *models.Coord) (Match, error) {
	cands := s.candidates(pickup)
	for i, c := range cands {
		if s.Pool.TryReserve(c.id, rideID) {
			observability.MatchesTotal.Inc()
			observability.MatchAttempts.Observe(float64(i + 1))
			s.logger().Debug("driver reserved", "ride_id", rideID, "driver_id", c.id, "distance_km", c.dist, "attempts", i+1)
			return Match{DriverID: c.id, DistanceKm: c.dist, Attempts: i + 1}, nil
		}
	}
	return Match{}, fmt.Errorf("%w: %d candidates exhausted", ErrNoDriverAvailable, len(cands))
}

// Reserve reserves a specific driver.
func (s *Service) Reserve(rideID, driverID string, pickup *models.Coord) (Match, error) {
	if !s.Pool.TryReserve(driverID, rideID) {
		return Match{}, fmt.Errorf("%w: driver %s", ErrNoDriverAvailable, driverID)
	}
	observability.MatchesTotal.Inc()
	observability.MatchAttempts.Observe(1)
	m := Match{DriverID: driverID, Attempts: 1}
	if a, ok := s.Pool.Get(driverID); ok && pickup != nil {
		m.DistanceKm = geo.DistanceKm(*pickup, a.Loc)
	}
	return m, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
