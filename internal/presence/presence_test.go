package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-settlement/internal/matcher"
	"github.com/example/ride-settlement/internal/models"
)

// flakyUpdater fails the first failN calls.
type flakyUpdater struct {
	mu    sync.Mutex
	failN int
	calls int
	last  models.DriverLocation
}

func (f *flakyUpdater) ApplyLocation(_ context.Context, d models.DriverLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("redis down")
	}
	f.last = d
	return nil
}

func fastFanout(updaters ...Updater) *Fanout {
	f := NewFanout(nil, updaters...)
	f.Delay = 5 * time.Millisecond
	return f
}

func TestApplySucceedsAfterRetries(t *testing.T) {
	u := &flakyUpdater{failN: 2}
	start := time.Now()
	if err := fastFanout(u).Apply(context.Background(), models.DriverLocation{ID: "d1", Online: true}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if u.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", u.calls)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("expected backoff between attempts")
	}
}

func TestApplyFailsWhenExhaustedButReachesOthers(t *testing.T) {
	bad, good := &flakyUpdater{failN: 10}, &flakyUpdater{}
	err := fastFanout(bad, good).Apply(context.Background(), models.DriverLocation{ID: "d1", Online: true})
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if bad.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", bad.calls)
	}
	if good.last.ID != "d1" {
		t.Fatal("expected healthy updater to receive the update")
	}
}

func TestApplyRejectsInvalid(t *testing.T) {
	u := &flakyUpdater{}
	f := fastFanout(u)
	if err := f.Apply(context.Background(), models.DriverLocation{Online: true}); !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation, got %v", err)
	}
	err := f.Apply(context.Background(), models.DriverLocation{ID: "d1", Loc: models.Coord{Lat: 91}})
	if !errors.Is(err, ErrInvalidLocation) {
		t.Fatalf("expected ErrInvalidLocation for lat 91, got %v", err)
	}
	if u.calls != 0 {
		t.Fatal("invalid updates must not reach updaters")
	}
}

func TestApplyFeedsMatcherPool(t *testing.T) {
	pool := matcher.NewPool()
	f := fastFanout(pool)
	if err := f.Apply(context.Background(), models.DriverLocation{ID: "d1", Loc: models.Coord{Lat: 6.5, Lon: 3.4}, Online: true}); err != nil {
		t.Fatal(err)
	}
	a, ok := pool.Get("d1")
	if !ok || !a.Online || a.Loc.Lat != 6.5 {
		t.Fatalf("unexpected availability %+v", a)
	}
}

type scriptedReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   int
	cancel context.CancelFunc
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs > 0 {
		r.errs--
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *scriptedReader) Close() error { return nil }

func TestConsumerRunAppliesMessages(t *testing.T) {
	good, _ := json.Marshal(models.DriverLocation{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{msgs: []kafka.Message{{Value: []byte("{not json")}, {Value: good}}, errs: 1, cancel: cancel}
	u := &flakyUpdater{}
	c := NewConsumer(r, fastFanout(u), nil)
	c.backoff = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	if u.calls != 1 || u.last.ID != "d1" {
		t.Fatalf("expected one applied update, got %d calls", u.calls)
	}
}
