package commission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	minRate = decimal.RequireFromString("0.15")
	maxRate = decimal.RequireFromString("0.18")
)

type failSink struct{}

func (failSink) AppendCommissionAudit(context.Context, AuditEntry, Policy) error {
	return errors.New("db down")
}

func TestNewStoreValidates(t *testing.T) {
	_, err := NewStore(maxRate, minRate, minRate, Options{})
	assert.True(t, errors.Is(err, ErrInvalidRange))
	_, err = NewStore(minRate, maxRate, decimal.RequireFromString("0.2"), Options{})
	assert.True(t, errors.Is(err, ErrOutOfRange))

	s, err := NewStore(minRate, maxRate, minRate, Options{})
	require.NoError(t, err)
	assert.True(t, s.Rate().Equal(minRate))
	assert.Equal(t, int64(1), s.Current().Version)
	assert.Empty(t, s.AuditLog())
}

func TestUpdateRateAppendsAudit(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(minRate, maxRate, minRate, Options{Now: func() time.Time { return at }})
	require.NoError(t, err)

	p, err := s.UpdateRate(context.Background(), decimal.RequireFromString("0.17"), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, "admin-1", p.UpdatedBy)

	_, err = s.UpdateRate(context.Background(), maxRate, "admin-2")
	require.NoError(t, err)

	log := s.AuditLog()
	require.Len(t, log, 2)
	assert.True(t, log[0].OldRate.Equal(minRate))
	assert.True(t, log[0].NewRate.Equal(decimal.RequireFromString("0.17")))
	assert.Equal(t, "admin-1", log[0].Actor)
	assert.Equal(t, at, log[0].Timestamp)
	assert.True(t, log[1].OldRate.Equal(decimal.RequireFromString("0.17")))
	assert.True(t, s.Rate().Equal(maxRate))
}

func TestUpdateRateOutOfRange(t *testing.T) {
	s, err := NewStore(minRate, maxRate, minRate, Options{})
	require.NoError(t, err)
	for _, r := range []string{"0.149", "0.181", "1", "-0.1"} {
		_, err := s.UpdateRate(context.Background(), decimal.RequireFromString(r), "admin")
		assert.True(t, errors.Is(err, ErrOutOfRange), r)
	}
	assert.Empty(t, s.AuditLog())
	assert.True(t, s.Rate().Equal(minRate))

	_, err = s.UpdateRate(context.Background(), maxRate, " ")
	assert.True(t, errors.Is(err, ErrInvalidActor))
}

func TestUpdateRateSinkFailureKeepsOldRate(t *testing.T) {
	s, err := NewStore(minRate, maxRate, minRate, Options{Sink: failSink{}})
	require.NoError(t, err)
	_, err = s.UpdateRate(context.Background(), maxRate, "admin")
	require.Error(t, err)
	assert.True(t, s.Rate().Equal(minRate))
	assert.Empty(t, s.AuditLog())
}

func TestConcurrentUpdatesAreTotallyOrdered(t *testing.T) {
	s, err := NewStore(minRate, maxRate, minRate, Options{})
	require.NoError(t, err)
	rates := []string{"0.15", "0.16", "0.17", "0.18"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateRate(context.Background(), decimal.RequireFromString(rates[i%len(rates)]), fmt.Sprintf("admin-%d", i))
			assert.NoError(t, err)
			_ = s.Rate()
		}(i)
	}
	wg.Wait()

	log := s.AuditLog()
	require.Len(t, log, 40)
	for i := 1; i < len(log); i++ {
		assert.True(t, log[i].OldRate.Equal(log[i-1].NewRate), "entry %d does not chain", i)
		assert.Equal(t, log[i-1].Version+1, log[i].Version)
	}
	assert.Equal(t, int64(41), s.Current().Version)
}

func TestRestoreInstallsStoredPolicy(t *testing.T) {
	s, err := NewStore(minRate, maxRate, minRate, Options{})
	require.NoError(t, err)

	stored := Policy{Rate: decimal.RequireFromString("0.17"), MinRate: minRate, MaxRate: maxRate, Version: 4, UpdatedBy: "ops"}
	audit := []AuditEntry{{Version: 4, OldRate: minRate, NewRate: stored.Rate, Actor: "ops"}}
	require.NoError(t, s.Restore(stored, audit))
	assert.True(t, s.Rate().Equal(stored.Rate))
	assert.Equal(t, int64(4), s.Current().Version)
	assert.Len(t, s.AuditLog(), 1)

	p, err := s.UpdateRate(context.Background(), maxRate, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Version)

	bad := stored
	bad.Rate = decimal.RequireFromString("0.5")
	assert.ErrorIs(t, s.Restore(bad, nil), ErrOutOfRange)
}
