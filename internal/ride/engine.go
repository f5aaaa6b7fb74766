package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/matcher"
	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/observability"
)

type Config struct {
	Rides      *Registry
	Fares      FareSource
	Ledger     *ledger.Ledger
	Commission RateSource
	Matcher    *matcher.Service

	Estimator Estimator   // optional
	Cards     CardGateway // optional; card rides are rejected without it
	Events    Publisher   // optional
	Notifier  Notifier    // optional
	Logger    *slog.Logger

	// ShareWait bounds how long a SHARE ride searches for a co-rider before
	// it is dispatched solo. ShareRadiusKm bounds the pickup distance.
	ShareWait     time.Duration
	ShareRadiusKm float64

	Now   func() time.Time
	NewID func() string
}

// Engine drives rides through the state machine. Every mutation of a ride
// runs inside that ride's registry section.
type Engine struct {
	rides      *Registry
	fares      FareSource
	ledger     *ledger.Ledger
	commission RateSource
	matcher    *matcher.Service
	estimator  Estimator
	cards      CardGateway
	events     Publisher
	notifier   Notifier
	logger     *slog.Logger

	shareWait     time.Duration
	shareRadiusKm float64
	now           func() time.Time
	newID         func() string

	shareMu   sync.Mutex
	searching map[string]*time.Timer
}

func NewEngine(cfg Config) *Engine {
	if cfg.Rides == nil {
		cfg.Rides = NewRegistry(nil, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShareWait <= 0 {
		cfg.ShareWait = 30 * time.Second
	}
	if cfg.ShareRadiusKm <= 0 {
		cfg.ShareRadiusKm = 1.5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Engine{
		rides:         cfg.Rides,
		fares:         cfg.Fares,
		ledger:        cfg.Ledger,
		commission:    cfg.Commission,
		matcher:       cfg.Matcher,
		estimator:     cfg.Estimator,
		cards:         cfg.Cards,
		events:        cfg.Events,
		notifier:      cfg.Notifier,
		logger:        cfg.Logger,
		shareWait:     cfg.ShareWait,
		shareRadiusKm: cfg.ShareRadiusKm,
		now:           cfg.Now,
		newID:         cfg.NewID,
		searching:     make(map[string]*time.Timer),
	}
}

// Request is the input of RequestRide. DistanceKm and DurationMin may be
// omitted when both locations carry coordinates.
type Request struct {
	RiderID       string
	Country       string
	Pickup        models.Location
	Dropoff       models.Location
	Mode          fare.Mode
	PaymentMethod PaymentMethod
	DistanceKm    *float64
	DurationMin   *float64
	Surge         decimal.Decimal
}

func (e *Engine) validate(req Request) error {
	if strings.TrimSpace(req.RiderID) == "" {
		return fmt.Errorf("%w: rider required", ErrInvalidRequest)
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidRequest, req.Mode)
	}
	if _, err := ParsePaymentMethod(string(req.PaymentMethod)); err != nil {
		return err
	}
	if req.Pickup.Empty() || req.Dropoff.Empty() {
		return fmt.Errorf("%w: pickup and dropoff required", ErrInvalidLocations)
	}
	for _, l := range []models.Location{req.Pickup, req.Dropoff} {
		if l.Coord != nil && !l.Coord.Valid() {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidLocations)
		}
	}
	if req.Pickup.Same(req.Dropoff) {
		return fmt.Errorf("%w: pickup equals dropoff", ErrInvalidLocations)
	}
	return nil
}

// tripSize returns distance and duration, estimating whatever the caller
// left out from the coordinates.
func (e *Engine) tripSize(ctx context.Context, req Request) (float64, float64, error) {
	if req.DistanceKm != nil && req.DurationMin != nil {
		return *req.DistanceKm, *req.DurationMin, nil
	}
	if req.Pickup.Coord == nil || req.Dropoff.Coord == nil || e.estimator == nil {
		return 0, 0, fmt.Errorf("%w: distance and duration required without coordinates", ErrInvalidLocations)
	}
	km, min := e.estimator.Estimate(ctx, *req.Pickup.Coord, *req.Dropoff.Coord)
	if req.DistanceKm != nil {
		km = *req.DistanceKm
	}
	if req.DurationMin != nil {
		min = *req.DurationMin
	}
	return km, min, nil
}

// RequestRide prices the trip with the country's tariff, secures payment for
// the estimate and registers the ride. Nothing is persisted if payment
// cannot be secured. SHARE rides start SEARCHING for a co-rider.
func (e *Engine) RequestRide(ctx context.Context, req Request) (Ride, error) {
	if err := e.validate(req); err != nil {
		return Ride{}, err
	}
	cfg, err := e.fares.Get(req.Country)
	if err != nil {
		return Ride{}, err
	}
	km, min, err := e.tripSize(ctx, req)
	if err != nil {
		return Ride{}, err
	}
	est, err := fare.Calculate(fare.Input{DistanceKm: km, DurationMin: min, Config: cfg, Mode: req.Mode, Surge: req.Surge})
	if err != nil {
		return Ride{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := e.now()
	r := Ride{
		ID:            e.newID(),
		RiderID:       req.RiderID,
		Country:       cfg.Country,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		Mode:          req.Mode,
		Status:        StatusRequested,
		PaymentMethod: req.PaymentMethod,
		DistanceKm:    km,
		DurationMin:   min,
		Estimate:      est,
		RequestedAt:   now,
	}
	if r.Country == "" {
		r.Country = strings.ToUpper(req.Country)
	}
	if req.Mode == fare.ModeShare {
		r.Status = StatusSearching
	}
	r.History = []StatusChange{{To: r.Status, At: now, Actor: req.RiderID}}

	if err := e.secure(ctx, &r); err != nil {
		return Ride{}, err
	}
	if err := e.rides.Create(ctx, r); err != nil {
		e.unsecure(ctx, r)
		return Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	e.logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "mode", r.Mode, "estimate", est.Total, "currency", est.Currency)
	e.publish(ctx, r)

	if r.Status == StatusSearching {
		return e.searchCoRider(ctx, r)
	}
	return r, nil
}

// secure places the escrow for the estimate: a ledger hold for wallet rides,
// a card authorization otherwise.
func (e *Engine) secure(ctx context.Context, r *Ride) error {
	amount := r.Estimate.Total
	switch r.PaymentMethod {
	case PaymentWallet:
		w := e.ledger.Open(ledger.OwnerRider, r.RiderID, r.Currency())
		if _, err := e.ledger.Hold(ctx, w.ID, amount, r.Currency(), r.ID); err != nil {
			return err
		}
	case PaymentCard:
		if e.cards == nil {
			return fmt.Errorf("%w: card payments not configured", ErrInvalidPaymentMethod)
		}
		ref, err := e.cards.Authorize(ctx, r.ID, r.RiderID, amount, r.Currency())
		if err != nil {
			return fmt.Errorf("%w: authorize: %v", ErrPaymentGateway, err)
		}
		r.PaymentRef = ref
	}
	return nil
}

// release gives back whatever secure placed, without any transfer. A hold
// that is already gone counts as released, so a retried cancel converges.
func (e *Engine) release(ctx context.Context, r Ride) error {
	switch r.PaymentMethod {
	case PaymentWallet:
		_, err := e.ledger.ReleaseHold(ctx, ledger.WalletIDFor(ledger.OwnerRider, r.RiderID), r.ID)
		if err != nil && !errors.Is(err, ledger.ErrHoldNotFound) {
			return fmt.Errorf("release hold: %w", err)
		}
	case PaymentCard:
		if r.PaymentRef == "" || e.cards == nil {
			return nil
		}
		if err := e.cards.Void(ctx, r.PaymentRef); err != nil {
			return fmt.Errorf("%w: void: %v", ErrPaymentGateway, err)
		}
	}
	return nil
}

// unsecure is release for paths that have nothing to roll back into.
func (e *Engine) unsecure(ctx context.Context, r Ride) {
	if err := e.release(ctx, r); err != nil {
		e.logger.Error("escrow release failed", "ride_id", r.ID, "payment_ref", r.PaymentRef, "err", err)
	}
}

// releaseAndTransition releases the escrow and moves r to the terminal
// status inside the ride's section. A failed release leaves r unchanged.
func (e *Engine) releaseAndTransition(ctx context.Context, r *Ride, to Status, actor, reason string) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	if err := e.release(ctx, *r); err != nil {
		return err
	}
	return r.transition(to, e.now(), actor, reason)
}

// Get returns the ride.
func (e *Engine) Get(ctx context.Context, id string) (Ride, error) {
	return e.rides.Get(ctx, id)
}

// Transactions returns the ledger entries referencing the ride.
func (e *Engine) Transactions(ctx context.Context, id string) ([]ledger.Transaction, error) {
	if _, err := e.rides.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.ledger.RideTransactions(id), nil
}

// AssignDriver reserves driverID, or the nearest free driver when driverID
// is empty, and accepts the ride. Only a REQUESTED ride can be assigned, so
// of two concurrent calls at most one succeeds.
func (e *Engine) AssignDriver(ctx context.Context, rideID, driverID string) (Ride, error) {
	var reserved string
	r, err := e.rides.Update(ctx, rideID, func(r *Ride) error {
		if r.Status != StatusRequested {
			return fmt.Errorf("%w: ride %s is %s", ErrRideNotRequestable, r.ID, r.Status)
		}
		var (
			m   matcher.Match
			err error
		)
		if driverID == "" {
			m, err = e.matcher.Match(r.ID, r.Pickup.Coord)
		} else {
			m, err = e.matcher.Reserve(r.ID, driverID, r.Pickup.Coord)
		}
		if err != nil {
			return err
		}
		reserved = m.DriverID
		id := m.DriverID
		r.DriverID = &id
		return r.transition(StatusAccepted, e.now(), "", "")
	})
	if err != nil {
		if reserved != "" {
			e.releaseDriver(reserved, rideID)
		}
		return Ride{}, err
	}
	e.committed(ctx, r)
	if e.notifier != nil {
		if err := e.notifier.NotifyAssigned(ctx, reserved, r); err != nil {
			e.logger.Warn("driver notification failed", "ride_id", r.ID, "driver_id", reserved, "err", err)
		}
	}
	return r, nil
}

// StartTrip moves an ACCEPTED ride to IN_PROGRESS.
func (e *Engine) StartTrip(ctx context.Context, rideID string, actor models.Actor) (Ride, error) {
	r, err := e.rides.Update(ctx, rideID, func(r *Ride) error {
		if err := authorize(*r, actor); err != nil {
			return err
		}
		return r.transition(StatusInProgress, e.now(), actor.ID, "")
	})
	if err != nil {
		return Ride{}, err
	}
	if err := e.matcher.Pool.MarkOnTrip(r.Driver(), r.ID); err != nil {
		e.logger.Error("driver state out of sync", "ride_id", r.ID, "driver_id", r.Driver(), "err", err)
	}
	e.committed(ctx, r)
	return r, nil
}

// CompleteTrip finishes an IN_PROGRESS ride and settles it at the commission
// rate in effect now. finalFare overrides the locked estimate; for SHARE
// rides the override is a solo fare and the sharing rule is applied to it
// once.
func (e *Engine) CompleteTrip(ctx context.Context, rideID string, finalFare *int64, actor models.Actor) (Ride, error) {
	r, err := e.rides.Update(ctx, rideID, func(r *Ride) error {
		if err := authorize(*r, actor); err != nil {
			return err
		}
		if r.Status != StatusInProgress {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusCompleted)
		}
		amount := r.Estimate.Total
		if finalFare != nil {
			if *finalFare < 0 {
				return fmt.Errorf("%w: %d", ErrInvalidFare, *finalFare)
			}
			amount = *finalFare
			if r.Mode == fare.ModeShare {
				amount = fare.ShareFare(amount)
			}
		}
		s, err := e.settle(ctx, r, amount)
		if err != nil {
			return err
		}
		r.FinalFare = &amount
		r.Settlement = &s
		return r.transition(StatusCompleted, e.now(), actor.ID, "")
	})
	if err != nil {
		return Ride{}, err
	}
	e.releaseDriver(r.Driver(), r.ID)
	observability.SettlementsTotal.WithLabelValues(string(r.PaymentMethod)).Inc()
	observability.SettledAmount.WithLabelValues(r.Currency()).Add(float64(*r.FinalFare))
	e.logger.Info("ride settled", "ride_id", r.ID, "fare", *r.FinalFare, "driver_share", r.Settlement.DriverShare, "commission", r.Settlement.Commission, "rate", r.Settlement.Rate)
	e.committed(ctx, r)
	return r, nil
}

// settle moves the money for a completed ride. A settlement already present
// in the ledger for this ride is reused, so a retry after a failed ride
// write never pays twice.
func (e *Engine) settle(ctx context.Context, r *Ride, amount int64) (ledger.Settlement, error) {
	if s, ok := e.existingSettlement(r.ID); ok {
		e.logger.Warn("reusing ledger settlement", "ride_id", r.ID)
		return s, nil
	}
	rate := e.commission.Current().Rate
	driver := e.ledger.Open(ledger.OwnerDriver, r.Driver(), r.Currency())
	platform := e.ledger.Platform(r.Currency())
	switch r.PaymentMethod {
	case PaymentCard:
		if driver.Currency != "" && driver.Currency != r.Currency() {
			return ledger.Settlement{}, fmt.Errorf("%w: driver wallet is %s, ride is %s", ledger.ErrCurrencyMismatch, driver.Currency, r.Currency())
		}
		if err := e.cards.Capture(ctx, r.PaymentRef, amount); err != nil {
			return ledger.Settlement{}, fmt.Errorf("%w: capture: %v", ErrPaymentGateway, err)
		}
		return e.ledger.SettleExternal(ctx, r.ID, driver.ID, platform.ID, r.Currency(), amount, rate)
	default:
		return e.ledger.Settle(ctx, ledger.SettleRequest{
			RideID:   r.ID,
			Rider:    ledger.WalletIDFor(ledger.OwnerRider, r.RiderID),
			Driver:   driver.ID,
			Platform: platform.ID,
			Currency: r.Currency(),
			Fare:     amount,
			Rate:     rate,
		})
	}
}

func (e *Engine) existingSettlement(rideID string) (ledger.Settlement, bool) {
	var (
		s     = ledger.Settlement{RideID: rideID}
		found bool
	)
	for _, tx := range e.ledger.RideTransactions(rideID) {
		switch {
		case tx.Kind == ledger.KindCommission:
			found = true
			s.Commission = tx.Amount
			s.Rate = strings.TrimPrefix(tx.Note, "commission ")
		case tx.Kind == ledger.KindCredit && strings.HasPrefix(string(tx.WalletID), string(ledger.OwnerDriver)):
			s.DriverShare = tx.Amount
		case tx.Kind == ledger.KindTip:
			continue
		}
		s.Transactions = append(s.Transactions, tx)
	}
	s.Fare = s.DriverShare + s.Commission
	return s, found
}

// CancelRide cancels a ride that has not started. The escrow is released
// without transfer and any reserved driver goes back to FREE.
func (e *Engine) CancelRide(ctx context.Context, rideID string, actor models.Actor, reason string) (Ride, error) {
	r, err := e.rides.Update(ctx, rideID, func(r *Ride) error {
		if err := authorize(*r, actor); err != nil {
			return err
		}
		return e.releaseAndTransition(ctx, r, StatusCancelled, actor.ID, reason)
	})
	if err != nil {
		return Ride{}, err
	}
	e.stopSearch(r.ID)
	if d := r.Driver(); d != "" {
		e.releaseDriver(d, r.ID)
	}
	e.committed(ctx, r)
	return r, nil
}

// FailTrip forces an IN_PROGRESS ride into FAILED. Admin only; the escrow is
// released without transfer.
func (e *Engine) FailTrip(ctx context.Context, rideID string, actor models.Actor, reason string) (Ride, error) {
	if !actor.IsAdmin() {
		return Ride{}, fmt.Errorf("%w: fail requires admin", ErrForbidden)
	}
	r, err := e.rides.Update(ctx, rideID, func(r *Ride) error {
		return e.releaseAndTransition(ctx, r, StatusFailed, actor.ID, reason)
	})
	if err != nil {
		return Ride{}, err
	}
	e.releaseDriver(r.Driver(), r.ID)
	e.logger.Warn("ride failed", "ride_id", r.ID, "actor", actor.ID, "reason", reason)
	e.committed(ctx, r)
	return r, nil
}

// Tip moves amount from the rider to the driver of a completed wallet ride.
func (e *Engine) Tip(ctx context.Context, rideID string, amount int64, actor models.Actor) (Ride, error) {
	return e.rides.Update(ctx, rideID, func(r *Ride) error {
		if actor.ID != r.RiderID && !actor.IsAdmin() {
			return fmt.Errorf("%w: only the rider can tip", ErrForbidden)
		}
		if r.Status != StatusCompleted {
			return fmt.Errorf("%w: tip on %s ride", ErrInvalidTransition, r.Status)
		}
		if r.PaymentMethod != PaymentWallet {
			return fmt.Errorf("%w: tips require wallet payment", ErrInvalidPaymentMethod)
		}
		driver := e.ledger.Open(ledger.OwnerDriver, r.Driver(), r.Currency())
		if _, err := e.ledger.Tip(ctx, r.ID, ledger.WalletIDFor(ledger.OwnerRider, r.RiderID), driver.ID, amount); err != nil {
			return err
		}
		r.Tips += amount
		return nil
	})
}

// authorize allows the rider, the assigned driver, admins and the system.
func authorize(r Ride, a models.Actor) error {
	switch {
	case a.IsAdmin(), a.Role == models.RoleSystem:
		return nil
	case a.Role == models.RoleRider && a.ID == r.RiderID:
		return nil
	case a.Role == models.RoleDriver && a.ID != "" && a.ID == r.Driver():
		return nil
	}
	return fmt.Errorf("%w: %s %q on ride %s", ErrForbidden, a.Role, a.ID, r.ID)
}

func (e *Engine) releaseDriver(driverID, rideID string) {
	if driverID == "" {
		return
	}
	if err := e.matcher.Pool.Release(driverID, rideID); err != nil {
		e.logger.Warn("driver release failed", "ride_id", rideID, "driver_id", driverID, "err", err)
	}
}

// committed records metrics and publishes the event for r's current status.
func (e *Engine) committed(ctx context.Context, r Ride) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	e.logger.Debug("ride transition", "ride_id", r.ID, "status", r.Status, "version", r.Version)
	e.publish(ctx, r)
}

func (e *Engine) publish(ctx context.Context, r Ride) {
	if e.events == nil {
		return
	}
	amount := r.Estimate.Total
	if r.FinalFare != nil {
		amount = *r.FinalFare
	}
	ev := Event{
		Type:     EventType(r.Status),
		RideID:   r.ID,
		RiderID:  r.RiderID,
		DriverID: r.Driver(),
		Status:   r.Status,
		Fare:     amount,
		Currency: r.Currency(),
		At:       e.now(),
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish ride event failed", "ride_id", r.ID, "type", ev.Type, "err", err)
	}
}
