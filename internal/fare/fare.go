// Package fare computes ride fares. It is pure: no I/O, no clock, no
// randomness, so the same input always yields the same breakdown.
package fare

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/example/ride-settlement/internal/money"
)

// Mode is the requested ride type.
type Mode string

const (
	ModePrivate Mode = "PRIVATE"
	ModeShare   Mode = "SHARE"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModePrivate || m == ModeShare }

var (
	ErrNegativeDistance = errors.New("distance must be >= 0")
	ErrNegativeDuration = errors.New("duration must be >= 0")
	ErrInvalidSurge     = errors.New("surge multiplier must be >= 1")
	ErrInvalidMode      = errors.New("invalid ride mode")
	ErrInvalidConfig    = errors.New("invalid fare config")
	ErrFareOverflow     = errors.New("fare too large to represent")
)

// shareDiscount is applied to half the solo fare for SHARE rides.
var shareDiscount = decimal.RequireFromString("0.9")

// Config is the per-country tariff. All amounts are minor units of Currency.
type Config struct {
	Country       string      `json:"country" mapstructure:"country"`
	Currency      string      `json:"currency" mapstructure:"currency"`
	BaseFare      money.Minor `json:"base_fare" mapstructure:"base_fare"`
	PerKmRate     money.Minor `json:"per_km_rate" mapstructure:"per_km_rate"`
	PerMinuteRate money.Minor `json:"per_minute_rate" mapstructure:"per_minute_rate"`
	MinimumFare   money.Minor `json:"minimum_fare" mapstructure:"minimum_fare"`
}

// Validate checks that no component is negative and a currency is set.
func (c Config) Validate() error {
	if c.Currency == "" {
		return fmt.Errorf("%w: currency required", ErrInvalidConfig)
	}
	if c.BaseFare < 0 || c.PerKmRate < 0 || c.PerMinuteRate < 0 || c.MinimumFare < 0 {
		return fmt.Errorf("%w: amounts must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Input is everything the calculator needs.
type Input struct {
	DistanceKm  float64
	DurationMin float64
	Config      Config
	Mode        Mode
	// Surge is a multiplier >= 1 applied to the raw fare. Zero means none.
	Surge decimal.Decimal
}

// Breakdown itemizes a computed fare.
type Breakdown struct {
	Currency       string          `json:"currency"`
	Base           money.Minor     `json:"base"`
	DistanceCharge money.Minor     `json:"distance_charge"`
	TimeCharge     money.Minor     `json:"time_charge"`
	Surge          decimal.Decimal `json:"surge_multiplier"`
	Raw            money.Minor     `json:"raw"`
	MinimumApplied bool            `json:"minimum_applied"`
	SoloFare       money.Minor     `json:"solo_fare"`
	ShareApplied   bool            `json:"share_applied"`
	Total          money.Minor     `json:"total"`
}

// Calculate computes the fare for in:
//
//	raw   = base + distance*perKm + duration*perMinute   (each product rounded half-up)
//	raw   = raw * surge                                  (rounded half-up)
//	fare  = max(raw, minimum)
//	share = (fare / 2) * 0.9                             (SHARE only, applied once)
func Calculate(in Input) (Breakdown, error) {
	if in.DistanceKm < 0 || math.IsNaN(in.DistanceKm) || math.IsInf(in.DistanceKm, 0) {
		return Breakdown{}, ErrNegativeDistance
	}
	if in.DurationMin < 0 || math.IsNaN(in.DurationMin) || math.IsInf(in.DurationMin, 0) {
		return Breakdown{}, ErrNegativeDuration
	}
	if !in.Mode.Valid() {
		return Breakdown{}, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}
	if err := in.Config.Validate(); err != nil {
		return Breakdown{}, err
	}
	surge := in.Surge
	if surge.IsZero() {
		surge = decimal.NewFromInt(1)
	}
	if surge.LessThan(decimal.NewFromInt(1)) {
		return Breakdown{}, ErrInvalidSurge
	}

	b := Breakdown{
		Currency: in.Config.Currency,
		Base:     in.Config.BaseFare,
		Surge:    surge,
	}
	var err error
	if b.DistanceCharge, err = money.ScaleFloatHalfUp(in.Config.PerKmRate, in.DistanceKm); err != nil {
		return Breakdown{}, fmt.Errorf("%w: distance charge: %w", ErrFareOverflow, err)
	}
	if b.TimeCharge, err = money.ScaleFloatHalfUp(in.Config.PerMinuteRate, in.DurationMin); err != nil {
		return Breakdown{}, fmt.Errorf("%w: time charge: %w", ErrFareOverflow, err)
	}
	sum, err := money.Sum(b.Base, b.DistanceCharge, b.TimeCharge)
	if err != nil {
		return Breakdown{}, fmt.Errorf("%w: %w", ErrFareOverflow, err)
	}
	if b.Raw, err = money.CheckedScaleHalfUp(sum, surge); err != nil {
		return Breakdown{}, fmt.Errorf("%w: surge: %w", ErrFareOverflow, err)
	}

	total := b.Raw
	if total < in.Config.MinimumFare {
		total = in.Config.MinimumFare
		b.MinimumApplied = true
	}
	b.SoloFare = total
	if in.Mode == ModeShare {
		total = ShareFare(total)
		b.ShareApplied = true
	}
	b.Total = total
	return b, nil
}

// ShareFare applies the sharing rule to a solo fare: (solo/2)*0.9.
// Callers apply it exactly once; it is not idempotent.
func ShareFare(solo money.Minor) money.Minor {
	return money.ScaleHalfUp(money.HalfHalfUp(solo), shareDiscount)
}
