package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/fare"
	"github.com/example/ride-settlement/internal/fareconfig"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/matcher"
	"github.com/example/ride-settlement/internal/presence"
	"github.com/example/ride-settlement/internal/ride"
)

const msgTryLater = "temporarily unavailable, try again later"

var (
	errBadRequest = errors.New("malformed request body")
	errValidation = errors.New("validation failed")
	errForbidden  = errors.New("forbidden")
)

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// statusFor maps domain errors onto HTTP statuses. Server-side failures get
// a generic message; the detail only goes to the log.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errValidation),
		errors.Is(err, ride.ErrInvalidLocations),
		errors.Is(err, ride.ErrInvalidRequest),
		errors.Is(err, ride.ErrInvalidPaymentMethod),
		errors.Is(err, ride.ErrInvalidFare),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, ledger.ErrInvalidOwner),
		errors.Is(err, ledger.ErrCurrencyMismatch),
		errors.Is(err, commission.ErrOutOfRange),
		errors.Is(err, commission.ErrInvalidActor),
		errors.Is(err, fare.ErrInvalidConfig),
		errors.Is(err, presence.ErrInvalidLocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errForbidden), errors.Is(err, ride.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ride.ErrRideNotFound),
		errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, fareconfig.ErrUnknownCountry):
		return http.StatusNotFound
	case errors.Is(err, ride.ErrInvalidTransition),
		errors.Is(err, ride.ErrRideNotRequestable),
		errors.Is(err, ride.ErrDuplicateRide),
		errors.Is(err, ledger.ErrHoldNotFound),
		errors.Is(err, ledger.ErrDuplicateHold),
		errors.Is(err, ledger.ErrWalletFrozen),
		errors.Is(err, ledger.ErrReconciliationMismatch):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ride.ErrPaymentGateway):
		return http.StatusBadGateway
	case errors.Is(err, matcher.ErrNoDriverAvailable),
		errors.Is(err, ride.ErrLockTimeout),
		errors.Is(err, ledger.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
		msg := msgTryLater
		if code == http.StatusServiceUnavailable && errors.Is(err, matcher.ErrNoDriverAvailable) {
			msg = matcher.ErrNoDriverAvailable.Error()
		}
		respondWithError(w, code, msg)
		return
	}
	respondWithError(w, code, err.Error())
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (s *Server) decode(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", errValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	return nil
}
