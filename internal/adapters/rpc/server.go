// Package rpc serves the relayer HTTP API: forwarding client transactions,
// one-time relayer setup and relayer lookup.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"confbal/go-backend/internal/metrics"
	"confbal/go-backend/internal/platform/ratelimiter"
	"confbal/go-backend/internal/registry"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"
)

const DefaultAddr = "127.0.0.1:8788"

// Forwarder relays a base64 client envelope and returns the ledger signature.
type Forwarder interface {
	Forward(ctx context.Context, encoded string) (solana.Signature, error)
}

// Registrar is the registry surface the API uses.
type Registrar interface {
	Register(ctx context.Context, key solana.PublicKey, fee uint64, feeTokenMint solana.PublicKey) (registry.Record, error)
	Lookup(ctx context.Context, key solana.PublicKey) (registry.Record, error)
}

type Config struct {
	Addr string
	// AllowedOrigins lists CORS origins; empty allows any origin.
	AllowedOrigins []string
	// AdminToken guards relayer setup. RequireAdminToken fails startup when it is empty.
	AdminToken        string
	RequireAdminToken bool
	RateLimitRPS      float64
	RateLimitBurst    int
	MaxBodyBytes      int64
}

type Deps struct {
	Forwarder  Forwarder
	Registry   Registrar
	SigningKey solana.PublicKey
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	initErr     error
	cfg         Config
	forwarder   Forwarder
	registry    Registrar
	signingKey  solana.PublicKey
	limiter     *ratelimiter.ClientLimiter
	idempotency *idempotencyCache
	inflight    singleflight.Group
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	if cfg.RequireAdminToken && cfg.AdminToken == "" {
		return &Server{initErr: errors.New("CBAL_ADMIN_TOKEN is required unless CBAL_ENV is test/development/local")}
	}

	router := mux.NewRouter()
	s := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		router:      router,
		cfg:         cfg,
		forwarder:   deps.Forwarder,
		registry:    deps.Registry,
		signingKey:  deps.SigningKey,
		limiter:     ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		idempotency: newIdempotencyCache(),
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if cfg.AdminToken == "" {
		s.logger.Warn("CBAL_ADMIN_TOKEN is not set; relayer setup is unauthenticated", "component", componentName)
	}

	router.Use(s.withRequestID, s.withObservability, s.withCORS)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/relayer", s.handleLookup).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/api/relayer/forward", s.withRateLimit(s.handleForward)).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/api/relayer/setup", s.withRateLimit(s.handleSetup)).Methods(http.MethodPost, http.MethodOptions)
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", "")
	})
	return s
}

// Handler exposes the routed handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	if s.initErr != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, s.initErr.Error(), http.StatusServiceUnavailable)
		})
	}
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relayer api listening", "component", componentName, "operation", "listen", "addr", s.cfg.Addr)
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
