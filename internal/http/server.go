package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/motopoint/internal/accounts"
	"github.com/example/motopoint/internal/dispatch"
	"github.com/example/motopoint/internal/matcher"
)

// Server is the JSON API in front of the ride engine. Every action route is
// mounted twice, at the root and under /api, so both the standalone server
// paths and the hosted function paths keep working.
type Server struct {
	engine   *matcher.Engine
	accounts *accounts.Provisioner
	hub      *dispatch.Hub
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
}

type Options struct {
	Engine   *matcher.Engine
	Accounts *accounts.Provisioner
	Hub      *dispatch.Hub                   // optional, disables /ws when nil
	Ready    func(ctx context.Context) error // optional readiness probe
	Logger   *slog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:   opts.Engine,
		accounts: opts.Accounts,
		hub:      opts.Hub,
		ready:    opts.Ready,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

var apiPrefixes = []string{"", "/api"}

func (s *Server) routes() {
	for _, p := range apiPrefixes {
		s.mux.HandleFunc(p+"/create-ride", s.handleCreateRide).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/accept-ride", s.handleAcceptRide).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/propose-price", s.handleProposePrice).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/respond-proposal", s.handleRespondProposal).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/reject-ride", s.handleRejectRide).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/complete-ride", s.handleCompleteRide).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/driver-status", s.handleDriverStatus).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/create-driver", s.handleCreateDriver).Methods(http.MethodPost)
		s.mux.HandleFunc(p+"/ping", s.handlePing).Methods(http.MethodGet, http.MethodPost)
		s.mux.HandleFunc(p+"/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
		s.mux.HandleFunc(p+"/pending-requests", s.handlePendingRequests).Methods(http.MethodGet)
	}
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
	}

	s.mux.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})
	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})
}

// ServeHTTP adds the permissive CORS headers to every response and answers
// preflight requests before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}
