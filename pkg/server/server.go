// Package server exposes the federation receive endpoints, the
// PubSubHubbub subscriber callback and hub, and the metrics and health
// routes over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"courier/pkg/config"
	"courier/pkg/dispatch"
	"courier/pkg/metrics"
	"courier/pkg/pubsub"
	"courier/pkg/types"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Store is the read side the handlers need
type Store interface {
	GetUserByNickname(ctx context.Context, nickname string) (*types.User, error)
	GetUserByGUID(ctx context.Context, guid string) (*types.User, error)
	GetContact(ctx context.Context, id int64) (*types.Contact, error)
	Ping(ctx context.Context) error
}

// Receiver runs one delivery through the receive pipeline
type Receiver interface {
	Receive(ctx context.Context, del dispatch.Delivery) (dispatch.Outcome, error)
}

// SubscriptionHandler serves hub subscription requests for local feeds
type SubscriptionHandler interface {
	HandleSubscriptionRequest(ctx context.Context, nickname string, req pubsub.SubscriptionRequest) (*types.SubscriptionLease, error)
}

// CallbackVerifier answers hub verification of our own subscriptions
type CallbackVerifier interface {
	VerifyCallback(ctx context.Context, nickname string, contactID int64, q pubsub.CallbackQuery) (string, error)
}

// Deps are the components the routes delegate to
type Deps struct {
	Store      Store
	Dispatcher Receiver
	Hub        SubscriptionHandler
	Subscriber CallbackVerifier
	Importer   pubsub.FeedImporter
	Gatherer   prometheus.Gatherer
}

type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	router *mux.Router

	httpServer *http.Server
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestDeadline + 5*time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	receive := r.NewRoute().Subrouter()
	receive.Use(s.limitRequest)
	receive.HandleFunc("/dfrn_notify/{nickname}", s.handleNotify).Methods(http.MethodPost)
	receive.HandleFunc("/receive/public", s.handleReceivePublic).Methods(http.MethodPost)
	receive.HandleFunc("/receive/users/{guid}", s.handleReceiveUser).Methods(http.MethodPost)
	receive.HandleFunc("/salmon/{nickname}", s.handleSalmon).Methods(http.MethodPost)
	receive.HandleFunc("/pubsub/{nickname}/{cid:[0-9]+}", s.handleVerifyCallback).Methods(http.MethodGet)
	receive.HandleFunc("/pubsub/{nickname}/{cid:[0-9]+}", s.handleFeedPush).Methods(http.MethodPost)
	receive.HandleFunc("/pubsubhubbub", s.handleHubSubscribe).Methods(http.MethodPost)
	receive.HandleFunc("/pubsubhubbub/{nickname}", s.handleHubSubscribe).Methods(http.MethodPost)

	r.Handle("/metrics", metrics.Handler(s.deps.Gatherer)).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on cfg.ListenAddress until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.cfg.ListenAddress))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.httpServer.Shutdown(ctx)
}

// limitRequest caps the body at MaxBodyBytes and bounds the handler by
// RequestDeadline. Cancellation reaches key fetches through the context.
func (s *Server) limitRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		if s.cfg.RequestDeadline > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestDeadline)
			defer cancel()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"timestamp":%q}`+"\n", status, time.Now().UTC().Format(time.RFC3339))
}
