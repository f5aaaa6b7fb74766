package geo

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-settlement/internal/models"
)

// RedisGeo mirrors driver presence into Redis GEO so other services can run
// radius queries. The matching pool in this process stays authoritative for
// reservation state.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func NewRedisGeoWithClient(c redis.Cmdable, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

// ApplyLocation stores the position with GEOADD and metadata in a hash;
// offline drivers are removed from the geo set.
func (r *RedisGeo) ApplyLocation(ctx context.Context, d models.DriverLocation) error {
	if !d.Online {
		if err := r.client.ZRem(ctx, r.key, d.ID).Err(); err != nil {
			return fmt.Errorf("geo remove %s: %w", d.ID, err)
		}
	} else if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geo add %s: %w", d.ID, err)
	}
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	if err := r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{"online": strconv.FormatBool(d.Online), "updated": updated.Format(time.RFC3339)}).Err(); err != nil {
		return fmt.Errorf("driver meta %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func metaKey(id string) string { return "driver:meta:" + id }
