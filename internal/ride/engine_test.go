package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/matcher"
	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/money"
)

type staticFares map[string]fare.Config

func (s staticFares) Get(country string) (fare.Config, error) {
	c, ok := s[country]
	if !ok {
		return fare.Config{}, fmt.Errorf("unknown country %q", country)
	}
	return c, nil
}

type fakeCards struct {
	mu         sync.Mutex
	authorized map[string]int64
	captured   map[string]int64
	voided     map[string]bool
	failAuth   bool
}

func newFakeCards() *fakeCards {
	return &fakeCards{authorized: map[string]int64{}, captured: map[string]int64{}, voided: map[string]bool{}}
}

func (f *fakeCards) Authorize(_ context.Context, rideID, _ string, amount int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAuth {
		return "", errors.New("card declined")
	}
	ref := "pi_" + rideID
	f.authorized[ref] = amount
	return ref, nil
}

func (f *fakeCards) Capture(_ context.Context, ref string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured[ref] = amount
	return nil
}

func (f *fakeCards) Void(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voided[ref] = true
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

var (
	ngConfig = fare.Config{Country: "NG", Currency: "NGN", BaseFare: 500, PerKmRate: 120, PerMinuteRate: 30, MinimumFare: 300}
	pickup   = models.Location{Address: "Marina", Coord: &models.Coord{Lat: 6.4500, Lon: 3.3900}}
	dropoff  = models.Location{Address: "Ikeja", Coord: &models.Coord{Lat: 6.6000, Lon: 3.3500}}
	rider    = models.Actor{ID: "r1", Role: models.RoleRider}
	admin    = models.Actor{ID: "ops", Role: models.RoleAdmin}
)

type harness struct {
	engine     *Engine
	ledger     *ledger.Ledger
	pool       *matcher.Pool
	commission *commission.Store
	cards      *fakeCards
	events     *recordingPublisher
}

// releaseFailingJournal rejects any batch that releases a hold while down.
type releaseFailingJournal struct {
	mu   sync.Mutex
	down bool
}

func (j *releaseFailingJournal) Append(_ context.Context, txs []ledger.Transaction, _ []ledger.Wallet) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.down {
		return nil
	}
	for _, tx := range txs {
		if tx.Kind == ledger.KindRelease {
			return errors.New("journal unavailable")
		}
	}
	return nil
}

func (j *releaseFailingJournal) setDown(down bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.down = down
}

func newHarness(t *testing.T, shareWait time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, shareWait, nil)
}

func newHarnessWith(t *testing.T, shareWait time.Duration, journal ledger.Journal) *harness {
	t.Helper()
	l := ledger.New(ledger.Options{Journal: journal})
	cs, err := commission.NewStore(money.MustRate("0.15"), money.MustRate("0.18"), money.MustRate("0.15"), commission.Options{})
	require.NoError(t, err)
	pool := matcher.NewPool()
	h := &harness{ledger: l, pool: pool, commission: cs, cards: newFakeCards(), events: &recordingPublisher{}}
	h.engine = NewEngine(Config{
		Rides:      NewRegistry(nil, 200*time.Millisecond),
		Fares:      staticFares{"NG": ngConfig},
		Ledger:     l,
		Commission: cs,
		Matcher:    &matcher.Service{Pool: pool},
		Cards:      h.cards,
		Events:     h.events,
		ShareWait:  shareWait,
	})
	return h
}

func (h *harness) fund(t *testing.T, riderID string, amount int64) {
	t.Helper()
	w := h.ledger.Open(ledger.OwnerRider, riderID, "NGN")
	_, err := h.ledger.Credit(context.Background(), w.ID, amount, ledger.KindCredit, "")
	require.NoError(t, err)
}

func (h *harness) driverOnline(id string, lat, lon float64) {
	h.pool.UpdatePresence(models.DriverLocation{ID: id, Loc: models.Coord{Lat: lat, Lon: lon}, Online: true})
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func tenKmRequest(riderID string, mode fare.Mode, pm PaymentMethod) Request {
	return Request{
		RiderID:       riderID,
		Country:       "NG",
		Pickup:        pickup,
		Dropoff:       dropoff,
		Mode:          mode,
		PaymentMethod: pm,
		DistanceKm:    f64(10),
		DurationMin:   f64(20),
	}
}

func statuses(r Ride) []Status {
	out := make([]Status, len(r.History))
	for i, c := range r.History {
		out[i] = c.To
	}
	return out
}

func wallet(t *testing.T, l *ledger.Ledger, id ledger.WalletID) ledger.Wallet {
	t.Helper()
	w, err := l.Wallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

func TestRequestRideHoldsEstimate(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)

	r, err := h.engine.RequestRide(context.Background(), tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, r.Status)
	assert.Equal(t, int64(2300), r.Estimate.Total)
	assert.Nil(t, r.DriverID)

	w := wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1"))
	assert.Equal(t, int64(5000), w.Balance)
	assert.Equal(t, int64(2300), w.Held)
	assert.Equal(t, []string{"ride.requested"}, h.events.types())
}

func TestRequestRideInsufficientFundsPersistsNothing(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 1000)

	_, err := h.engine.RequestRide(context.Background(), tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Empty(t, h.engine.rides.List(nil))
	w := wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1"))
	assert.Equal(t, int64(0), w.Held)
	txs, err := h.ledger.Transactions(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the funding credit")
	assert.Empty(t, h.events.types())
}

func TestRequestRideValidation(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()

	same := tenKmRequest("r1", fare.ModePrivate, PaymentWallet)
	same.Dropoff = same.Pickup
	_, err := h.engine.RequestRide(ctx, same)
	assert.ErrorIs(t, err, ErrInvalidLocations)

	empty := tenKmRequest("r1", fare.ModePrivate, PaymentWallet)
	empty.Pickup = models.Location{}
	_, err = h.engine.RequestRide(ctx, empty)
	assert.ErrorIs(t, err, ErrInvalidLocations)

	noSize := tenKmRequest("r1", fare.ModePrivate, PaymentWallet)
	noSize.DistanceKm, noSize.DurationMin = nil, nil
	_, err = h.engine.RequestRide(ctx, noSize)
	assert.ErrorIs(t, err, ErrInvalidLocations, "no estimator configured")

	cash := tenKmRequest("r1", fare.ModePrivate, "cash")
	_, err = h.engine.RequestRide(ctx, cash)
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)

	neg := tenKmRequest("r1", fare.ModePrivate, PaymentWallet)
	neg.DistanceKm = f64(-1)
	_, err = h.engine.RequestRide(ctx, neg)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	h.fund(t, "r1", 5000)
	huge := tenKmRequest("r1", fare.ModePrivate, PaymentWallet)
	huge.DistanceKm = f64(1e17)
	_, err = h.engine.RequestRide(ctx, huge)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, fare.ErrFareOverflow)
	assert.Zero(t, wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1")).Held)
}

type fixedEstimator struct{}

func (fixedEstimator) Estimate(context.Context, models.Coord, models.Coord) (float64, float64) {
	return 10, 20
}

func TestRequestRideEstimatesMissingSize(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.engine.estimator = fixedEstimator{}
	h.fund(t, "r1", 5000)

	req := tenKmRequest("r1", fare.ModePrivate, PaymentWallet)
	req.DistanceKm, req.DurationMin = nil, nil
	r, err := h.engine.RequestRide(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2300), r.Estimate.Total)
	assert.Equal(t, 10.0, r.DistanceKm)
}

func TestLifecycleSettlesAtFifteenPercent(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	r, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, r.Status)
	require.Equal(t, "d1", r.Driver())

	driver := models.Actor{ID: "d1", Role: models.RoleDriver}
	r, err = h.engine.StartTrip(ctx, r.ID, driver)
	require.NoError(t, err)
	a, _ := h.pool.Get("d1")
	assert.Equal(t, matcher.OnTrip, a.State)

	r, err = h.engine.CompleteTrip(ctx, r.ID, nil, driver)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.FinalFare)
	assert.Equal(t, int64(2300), *r.FinalFare)
	assert.Equal(t, []Status{StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted}, statuses(r))

	require.NotNil(t, r.Settlement)
	assert.Equal(t, int64(1955), r.Settlement.DriverShare)
	assert.Equal(t, int64(345), r.Settlement.Commission)
	assert.Len(t, r.Settlement.Transactions, 4)

	riderW := wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1"))
	assert.Equal(t, int64(2700), riderW.Balance)
	assert.Equal(t, int64(0), riderW.Held)
	assert.Equal(t, int64(1955), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerDriver, "d1")).Balance)
	assert.Equal(t, int64(345), wallet(t, h.ledger, ledger.PlatformWalletFor("NGN")).Balance)

	a, _ = h.pool.Get("d1")
	assert.Equal(t, matcher.Free, a.State)

	txs, err := h.engine.Transactions(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 5, "hold plus four settlement entries")

	assert.Equal(t, []string{"ride.requested", "ride.accepted", "ride.in_progress", "ride.completed"}, h.events.types())
}

func TestSettlementUsesRateAtCompletion(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "d1")
	require.NoError(t, err)
	_, err = h.engine.StartTrip(ctx, r.ID, admin)
	require.NoError(t, err)

	_, err = h.commission.UpdateRate(ctx, money.MustRate("0.18"), "ops")
	require.NoError(t, err)

	r, err = h.engine.CompleteTrip(ctx, r.ID, nil, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(414), r.Settlement.Commission)
	assert.Equal(t, int64(1886), r.Settlement.DriverShare)
	assert.Equal(t, "0.18", r.Settlement.Rate)
}

func TestConcurrentAssignOnlyOneWins(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		wins    int
		losses  []error
		results = make(chan error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.AssignDriver(ctx, r.ID, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	for err := range results {
		if err == nil {
			wins++
		} else {
			losses = append(losses, err)
		}
	}
	require.Equal(t, 1, wins)
	require.Len(t, losses, 1)
	assert.True(t, errors.Is(losses[0], ErrRideNotRequestable) || errors.Is(losses[0], matcher.ErrNoDriverAvailable), "got %v", losses[0])

	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
}

func TestAssignWithEmptyPool(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.ErrorIs(t, err, matcher.ErrNoDriverAvailable)

	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, got.Status)
	assert.Nil(t, got.DriverID)
}

func TestIllegalTransitionsLeaveRideUnchanged(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)

	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.engine.CompleteTrip(ctx, r.ID, nil, rider)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	assert.ErrorIs(t, err, ErrRideNotRequestable)
	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	require.NoError(t, err)

	_, err = h.engine.CancelRide(ctx, r.ID, rider, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, []Status{StatusRequested, StatusAccepted, StatusInProgress}, statuses(got))

	_, err = h.engine.CompleteTrip(ctx, r.ID, nil, rider)
	require.NoError(t, err)
	_, err = h.engine.CompleteTrip(ctx, r.ID, i64(100), rider)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, _ = h.engine.Get(ctx, r.ID)
	assert.Equal(t, int64(2300), *got.FinalFare, "final fare is immutable")
}

func TestCancelReleasesHoldAndDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)

	_, err = h.engine.CancelRide(ctx, r.ID, models.Actor{ID: "stranger", Role: models.RoleRider}, "")
	require.ErrorIs(t, err, ErrForbidden)

	r, err = h.engine.CancelRide(ctx, r.ID, rider, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.NotNil(t, r.CancelledAt)

	w := wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1"))
	assert.Equal(t, int64(5000), w.Balance)
	assert.Equal(t, int64(0), w.Held)
	a, _ := h.pool.Get("d1")
	assert.Equal(t, matcher.Free, a.State)

	_, err = h.engine.CancelRide(ctx, r.ID, rider, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailTripAdminOnly(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)

	_, err = h.engine.FailTrip(ctx, r.ID, admin, "vehicle breakdown")
	assert.ErrorIs(t, err, ErrInvalidTransition, "only IN_PROGRESS rides can fail")

	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	require.NoError(t, err)
	_, err = h.engine.FailTrip(ctx, r.ID, rider, "")
	assert.ErrorIs(t, err, ErrForbidden)

	r, err = h.engine.FailTrip(ctx, r.ID, admin, "vehicle breakdown")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.True(t, r.Status.Terminal())
	assert.Equal(t, int64(0), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1")).Held)
	a, _ := h.pool.Get("d1")
	assert.Equal(t, matcher.Free, a.State)
}

func TestCancelKeepsRideWhenReleaseFails(t *testing.T) {
	j := &releaseFailingJournal{}
	h := newHarnessWith(t, time.Minute, j)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)

	j.setDown(true)
	_, err = h.engine.CancelRide(ctx, r.ID, rider, "changed my mind")
	require.Error(t, err)

	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, int64(2300), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1")).Held)
	a, _ := h.pool.Get("d1")
	assert.NotEqual(t, matcher.Free, a.State, "driver stays on the ride")

	j.setDown(false)
	got, err = h.engine.CancelRide(ctx, r.ID, rider, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	w := wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1"))
	assert.Equal(t, int64(0), w.Held)
	assert.Equal(t, int64(5000), w.Balance)
}

func TestFailTripKeepsRideWhenReleaseFails(t *testing.T) {
	j := &releaseFailingJournal{}
	h := newHarnessWith(t, time.Minute, j)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	require.NoError(t, err)

	j.setDown(true)
	_, err = h.engine.FailTrip(ctx, r.ID, admin, "vehicle breakdown")
	require.Error(t, err)
	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, int64(2300), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1")).Held)

	j.setDown(false)
	got, err = h.engine.FailTrip(ctx, r.ID, admin, "vehicle breakdown")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, int64(0), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1")).Held)
}

func TestRideRejectsWalletInOtherCurrency(t *testing.T) {
	h := newHarness(t, time.Minute)
	w := h.ledger.Open(ledger.OwnerRider, "r1", "USD")
	_, err := h.ledger.Credit(context.Background(), w.ID, 5000, ledger.KindCredit, "")
	require.NoError(t, err)
	h.driverOnline("d1", 6.451, 3.391)

	_, err = h.engine.RequestRide(context.Background(), tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	assert.ErrorIs(t, err, ledger.ErrCurrencyMismatch)
	assert.Equal(t, int64(0), wallet(t, h.ledger, w.ID).Held)
}

func TestCardRideAuthorizesCapturesAndVoids(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentCard))
	require.NoError(t, err)
	assert.Equal(t, "pi_"+r.ID, r.PaymentRef)
	assert.Equal(t, int64(2300), h.cards.authorized[r.PaymentRef])

	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	require.NoError(t, err)
	r, err = h.engine.CompleteTrip(ctx, r.ID, i64(2000), rider)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), h.cards.captured[r.PaymentRef])
	assert.Len(t, r.Settlement.Transactions, 2)
	assert.Equal(t, int64(1700), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerDriver, "d1")).Balance)
	assert.Equal(t, int64(300), wallet(t, h.ledger, ledger.PlatformWalletFor("NGN")).Balance)

	c, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentCard))
	require.NoError(t, err)
	_, err = h.engine.CancelRide(ctx, c.ID, rider, "")
	require.NoError(t, err)
	assert.True(t, h.cards.voided[c.PaymentRef])
}

func TestCardDeclinedPersistsNothing(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.cards.failAuth = true
	_, err := h.engine.RequestRide(context.Background(), tenKmRequest("r1", fare.ModePrivate, PaymentCard))
	require.ErrorIs(t, err, ErrPaymentGateway)
	assert.Empty(t, h.engine.rides.List(nil))
}

func TestTipMovesFundsToDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModePrivate, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.Tip(ctx, r.ID, 100, rider)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	require.NoError(t, err)
	_, err = h.engine.CompleteTrip(ctx, r.ID, nil, rider)
	require.NoError(t, err)

	r, err = h.engine.Tip(ctx, r.ID, 200, rider)
	require.NoError(t, err)
	assert.Equal(t, int64(200), r.Tips)
	assert.Equal(t, int64(2500), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerRider, "r1")).Balance)
	assert.Equal(t, int64(2155), wallet(t, h.ledger, ledger.WalletIDFor(ledger.OwnerDriver, "d1")).Balance)

	_, err = h.engine.Tip(ctx, r.ID, 10_000, rider)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestShareRidesPairWithinRadius(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.fund(t, "r1", 5000)
	h.fund(t, "r2", 5000)
	ctx := context.Background()

	a, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModeShare, PaymentWallet))
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, a.Status)
	assert.Equal(t, int64(1035), a.Estimate.Total)
	assert.Equal(t, []string{a.ID}, h.engine.Searching())

	near := tenKmRequest("r2", fare.ModeShare, PaymentWallet)
	near.Pickup = models.Location{Address: "Marina 2", Coord: &models.Coord{Lat: 6.4510, Lon: 3.3905}}
	b, err := h.engine.RequestRide(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, b.Status)
	assert.Equal(t, a.ID, b.CoRiderRideID)

	a, err = h.engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, a.Status)
	assert.Equal(t, b.ID, a.CoRiderRideID)
	assert.Equal(t, []Status{StatusSearching, StatusRequested}, statuses(a))
	assert.Empty(t, h.engine.Searching())

	// the pairing prices the fare; each ride is still dispatched on its own
	h.driverOnline("d1", 6.451, 3.391)
	h.driverOnline("d2", 6.452, 3.392)
	a, err = h.engine.AssignDriver(ctx, a.ID, "")
	require.NoError(t, err)
	_, err = h.engine.AssignDriver(ctx, b.ID, a.Driver())
	assert.ErrorIs(t, err, matcher.ErrNoDriverAvailable, "a reserved driver cannot take the co-rider")
	b, err = h.engine.AssignDriver(ctx, b.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Driver(), b.Driver())
}

func TestShareRideFallsBackToSolo(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.fund(t, "r1", 5000)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModeShare, PaymentWallet))
	require.NoError(t, err)
	require.Equal(t, StatusSearching, r.Status)

	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.ErrorIs(t, err, ErrRideNotRequestable)

	require.Eventually(t, func() bool {
		got, err := h.engine.Get(ctx, r.ID)
		return err == nil && got.Status == StatusRequested
	}, time.Second, 5*time.Millisecond)

	got, _ := h.engine.Get(ctx, r.ID)
	assert.Empty(t, got.CoRiderRideID)
	assert.Equal(t, int64(1035), got.Estimate.Total, "solo fallback keeps the shared estimate")
}

func TestShareOverrideDiscountAppliedOnce(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.fund(t, "r1", 5000)
	h.driverOnline("d1", 6.451, 3.391)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModeShare, PaymentWallet))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := h.engine.Get(ctx, r.ID)
		return got.Status == StatusRequested
	}, time.Second, 5*time.Millisecond)

	_, err = h.engine.AssignDriver(ctx, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.StartTrip(ctx, r.ID, rider)
	require.NoError(t, err)
	r, err = h.engine.CompleteTrip(ctx, r.ID, i64(2300), rider)
	require.NoError(t, err)
	assert.Equal(t, int64(1035), *r.FinalFare)
}

func TestCancelSearchingRideStopsTimer(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.fund(t, "r1", 5000)
	ctx := context.Background()

	r, err := h.engine.RequestRide(ctx, tenKmRequest("r1", fare.ModeShare, PaymentWallet))
	require.NoError(t, err)
	_, err = h.engine.CancelRide(ctx, r.ID, rider, "")
	require.NoError(t, err)
	assert.Empty(t, h.engine.Searching())

	time.Sleep(60 * time.Millisecond)
	got, err := h.engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, []Status{StatusSearching, StatusCancelled}, statuses(got))
}

func TestConcurrentRidesConserveMoney(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	const n = 8
	for i := 0; i < n; i++ {
		h.fund(t, fmt.Sprintf("r%d", i), 5000)
		h.driverOnline(fmt.Sprintf("d%d", i), 6.45, 3.39+float64(i)*0.001)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("r%d", i)
			actor := models.Actor{ID: id, Role: models.RoleRider}
			r, err := h.engine.RequestRide(ctx, tenKmRequest(id, fare.ModePrivate, PaymentWallet))
			if !assert.NoError(t, err) {
				return
			}
			if _, err := h.engine.AssignDriver(ctx, r.ID, ""); !assert.NoError(t, err) {
				return
			}
			if _, err := h.engine.StartTrip(ctx, r.ID, actor); !assert.NoError(t, err) {
				return
			}
			_, err = h.engine.CompleteTrip(ctx, r.ID, nil, actor)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	recs, err := h.ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	var total int64
	for _, rec := range recs {
		assert.True(t, rec.OK, "wallet %s", rec.WalletID)
		total += rec.LedgerBalance
	}
	assert.Equal(t, int64(n*5000), total)
	assert.Equal(t, int64(n*345), wallet(t, h.ledger, ledger.PlatformWalletFor("NGN")).Balance)
}
