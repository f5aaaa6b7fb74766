package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/ride"
)

type requestRideBody struct {
	RiderID       string          `json:"rider_id"`
	Country       string          `json:"country" validate:"required"`
	Pickup        models.Location `json:"pickup"`
	Dropoff       models.Location `json:"dropoff"`
	Mode          string          `json:"mode" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	DistanceKm    *float64        `json:"distance_km,omitempty" validate:"omitempty,gte=0,lte=5000"`
	DurationMin   *float64        `json:"duration_min,omitempty" validate:"omitempty,gte=0,lte=4320"`
	Surge         string          `json:"surge,omitempty"`
}

// maxSurge caps the multiplier a caller may request.
var maxSurge = decimal.NewFromInt(10)

type assignBody struct {
	DriverID string `json:"driver_id"`
}

type completeBody struct {
	FinalFare *int64 `json:"final_fare,omitempty" validate:"omitempty,gte=0"`
}

type reasonBody struct {
	Reason string `json:"reason" validate:"max=256"`
}

type amountBody struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body requestRideBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorFromContext(r.Context())
	riderID := body.RiderID
	switch actor.Role {
	case models.RoleRider:
		if riderID != "" && riderID != actor.ID {
			s.fail(w, r, fmt.Errorf("%w: riders book for themselves", errForbidden))
			return
		}
		riderID = actor.ID
	case models.RoleAdmin, models.RoleSystem:
	default:
		s.fail(w, r, fmt.Errorf("%w: rider identity required", errForbidden))
		return
	}
	req := ride.Request{
		RiderID:       riderID,
		Country:       body.Country,
		Pickup:        body.Pickup,
		Dropoff:       body.Dropoff,
		Mode:          fare.Mode(strings.ToUpper(body.Mode)),
		PaymentMethod: ride.PaymentMethod(strings.ToLower(body.PaymentMethod)),
		DistanceKm:    body.DistanceKm,
		DurationMin:   body.DurationMin,
	}
	if body.Surge != "" {
		surge, err := decimal.NewFromString(body.Surge)
		if err != nil || surge.GreaterThan(maxSurge) {
			s.fail(w, r, fmt.Errorf("%w: surge %q", errValidation, body.Surge))
			return
		}
		req.Surge = surge
	}
	out, err := s.rides.RequestRide(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, out)
}

// canView admits the ride's own parties and operators.
func canView(rd ride.Ride, a models.Actor) bool {
	switch a.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleRider:
		return a.ID == rd.RiderID
	case models.RoleDriver:
		return a.ID != "" && a.ID == rd.Driver()
	}
	return false
}

func (s *Server) viewableRide(r *http.Request) (ride.Ride, error) {
	rd, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return ride.Ride{}, err
	}
	if !canView(rd, actorFromContext(r.Context())) {
		return ride.Ride{}, errForbidden
	}
	return rd, nil
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.viewableRide(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rd)
}

func (s *Server) handleRideTransactions(w http.ResponseWriter, r *http.Request) {
	rd, err := s.viewableRide(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	txs, err := s.rides.Transactions(r.Context(), rd.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

// handleAssignDriver lets a driver accept a ride for themselves, a rider ask
// for the nearest driver, and operators assign anyone.
func (s *Server) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if err := s.decode(r, &body, true); err != nil {
		s.fail(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	actor := actorFromContext(r.Context())
	driverID := body.DriverID
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
	case models.RoleDriver:
		if driverID != "" && driverID != actor.ID {
			s.fail(w, r, fmt.Errorf("%w: drivers accept for themselves", errForbidden))
			return
		}
		driverID = actor.ID
	case models.RoleRider:
		rd, err := s.rides.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if rd.RiderID != actor.ID || driverID != "" {
			s.fail(w, r, errForbidden)
			return
		}
	default:
		s.fail(w, r, errForbidden)
		return
	}
	out, err := s.rides.AssignDriver(r.Context(), id, driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	out, err := s.rides.StartTrip(r.Context(), mux.Vars(r)["id"], actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := s.decode(r, &body, true); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.rides.CompleteTrip(r.Context(), mux.Vars(r)["id"], body.FinalFare, actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := s.decode(r, &body, true); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.rides.CancelRide(r.Context(), mux.Vars(r)["id"], actorFromContext(r.Context()), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleFailTrip(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := s.decode(r, &body, true); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.rides.FailTrip(r.Context(), mux.Vars(r)["id"], actorFromContext(r.Context()), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	var body amountBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.rides.Tip(r.Context(), mux.Vars(r)["id"], body.Amount, actorFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, out)
}
