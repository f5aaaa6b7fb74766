package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/dispatch"
	"github.com/example/ride-settlement/internal/fareconfig"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/presence"
	"github.com/example/ride-settlement/internal/ride"
)

// Deps are the domain services the API exposes.
type Deps struct {
	Rides      *ride.Engine
	Ledger     *ledger.Ledger
	Commission *commission.Store
	Fares      *fareconfig.Store
	Presence   *presence.Fanout
	WS         *dispatch.WSRegistry
	Logger     *slog.Logger
}

type Server struct {
	rides      *ride.Engine
	ledger     *ledger.Ledger
	commission *commission.Store
	fares      *fareconfig.Store
	presence   *presence.Fanout
	ws         *dispatch.WSRegistry
	logger     *slog.Logger
	validate   *validator.Validate
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		rides:      d.Rides,
		ledger:     d.Ledger,
		commission: d.Commission,
		fares:      d.Fares,
		presence:   d.Presence,
		ws:         d.WS,
		logger:     d.Logger,
		validate:   validator.New(),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/assign", s.handleAssignDriver).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStartTrip).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteTrip).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/fail", s.handleFailTrip).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/tip", s.handleTip).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/transactions", s.handleRideTransactions).Methods(http.MethodGet)

	api.HandleFunc("/wallets/{kind}/{owner}", s.handleGetWallet).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{kind}/{owner}/transactions", s.handleWalletTransactions).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{kind}/{owner}/topup", s.handleTopUp).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{kind}/{owner}/payout", s.handlePayout).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{kind}/{owner}/adjust", s.handleAdjust).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{kind}/{owner}/reconcile", s.handleReconcile).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{kind}/{owner}/unfreeze", s.handleUnfreeze).Methods(http.MethodPost)
	api.HandleFunc("/ledger/reconcile", s.handleReconcileAll).Methods(http.MethodGet)

	api.HandleFunc("/commission", s.handleGetCommission).Methods(http.MethodGet)
	api.HandleFunc("/commission", s.handleUpdateCommission).Methods(http.MethodPut)
	api.HandleFunc("/commission/audit", s.handleCommissionAudit).Methods(http.MethodGet)

	api.HandleFunc("/fares/{country}", s.handleGetFare).Methods(http.MethodGet)
	api.HandleFunc("/fares/{country}", s.handlePutFare).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
