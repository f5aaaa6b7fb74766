package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-settlement/internal/geo"
	"github.com/example/ride-settlement/internal/models"
)

// Route is a routed trip between two points.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Client is a routing engine.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: time.Now()}
	c.mu.Unlock()
}

// Straight is the naive route: haversine distance at a constant speed.
func Straight(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speedMps}
}

// Estimator fills in trip distance and duration for requests that arrive
// with coordinates only. Routing failures fall back to the straight line.
type Estimator struct {
	Client   Client       // optional OSRM client
	Cache    *Cache       // optional
	SpeedMps float64
	Logger   *slog.Logger // optional
}

// Estimate returns distance in km and duration in minutes.
func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) (distanceKm, durationMin float64) {
	r, ok := Route{}, false
	if e.Cache != nil {
		r, ok = e.Cache.Get(from, to)
	}
	if !ok && e.Client != nil {
		v, err := e.Client.Route(ctx, from, to)
		if err != nil {
			e.logger().Warn("route lookup failed, using straight line", "from", fmtCoord(from), "to", fmtCoord(to), "err", err)
		} else {
			r, ok = v, true
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
		}
	}
	if !ok {
		r = Straight(from, to, e.SpeedMps)
	}
	return r.DistanceMeters / 1000, r.DurationSeconds / 60
}

func (e *Estimator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
