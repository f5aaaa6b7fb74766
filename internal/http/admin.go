package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/money"
)

type rateBody struct {
	Rate string `json:"rate" validate:"required"`
}

type fareBody struct {
	Currency      string `json:"currency" validate:"required,len=3"`
	BaseFare      int64  `json:"base_fare" validate:"gte=0"`
	PerKmRate     int64  `json:"per_km_rate" validate:"gte=0"`
	PerMinuteRate int64  `json:"per_minute_rate" validate:"gte=0"`
	MinimumFare   int64  `json:"minimum_fare" validate:"gte=0"`
}

func (s *Server) handleGetCommission(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.commission.Current())
}

func (s *Server) handleUpdateCommission(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	var body rateBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	rate, err := money.ParseRate(body.Rate)
	if err != nil {
		s.fail(w, r, errValidation)
		return
	}
	p, err := s.commission.UpdateRate(r.Context(), rate, actorFromContext(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (s *Server) handleCommissionAudit(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.commission.AuditLog())
}

func (s *Server) handleGetFare(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.fares.Get(mux.Vars(r)["country"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutFare(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	var body fareBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	country := mux.Vars(r)["country"]
	cfg := fare.Config{
		Country:       country,
		Currency:      body.Currency,
		BaseFare:      body.BaseFare,
		PerKmRate:     body.PerKmRate,
		PerMinuteRate: body.PerMinuteRate,
		MinimumFare:   body.MinimumFare,
	}
	if err := s.fares.Set(country, cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	stored, err := s.fares.Get(country)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("fare config updated", "country", stored.Country, "actor", actorFromContext(r.Context()).ID)
	respondWithJSON(w, http.StatusOK, stored)
}
