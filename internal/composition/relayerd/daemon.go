// Package relayerd wires the relayer daemon: key custody, ledger client,
// transaction relayer, registry and the HTTP API.
package relayerd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"confbal/go-backend/internal/adapters/rpc"
	"confbal/go-backend/internal/config"
	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/custody"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/metrics"
	"confbal/go-backend/internal/registry"
	"confbal/go-backend/internal/relay"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

const componentName = "relayerd"

// Overrides replaces live dependencies, mainly for tests.
type Overrides struct {
	Ledger ledger.Client
}

type Daemon struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	signer    solana.PublicKey
	registry  *registry.Registry
	api       *rpc.Server
	metricsHS *http.Server
	closeFn   func() error
}

// Build validates cfg and assembles the daemon. Startup failures are
// *contracts.ConfigurationError where the operator can fix them.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, over Overrides) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	programID, err := cfg.Program()
	if err != nil {
		return nil, err
	}
	allowed, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	custodian, err := custody.Load(cfg.Key)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}
	client := over.Ledger
	if client == nil {
		client = ledger.NewRPCClient(cfg.RPCURL, cfg.Commitment)
	}

	relayer := relay.New(client, custodian, relay.Options{
		Confirm: ledger.ConfirmOptions{Commitment: cfg.Commitment, Timeout: cfg.ConfirmTimeout},
		Policy:  relay.Policy{AllowedPrograms: allowed},
		Logger:  logger,
		Metrics: m,
	})

	store, closeStore, err := OpenStore(ctx, cfg.Registry)
	if err != nil {
		return nil, err
	}
	reg := registry.New(store, programID, registry.Options{
		Announcer: relay.NewAnnouncer(relayer, programID),
		CacheSize: cfg.Registry.CacheSize,
		CacheTTL:  cfg.Registry.CacheTTL,
		Logger:    logger,
		Metrics:   m,
	})

	api := rpc.NewServer(rpc.Config{
		Addr:              cfg.API.Addr,
		AllowedOrigins:    cfg.API.AllowedOrigins,
		AdminToken:        cfg.API.AdminToken,
		RequireAdminToken: cfg.RequireAdminToken(),
		RateLimitRPS:      cfg.API.RateLimitRPS,
		RateLimitBurst:    cfg.API.RateLimitBurst,
		MaxBodyBytes:      cfg.API.MaxBodyBytes,
	}, rpc.Deps{
		Forwarder:  relayer,
		Registry:   reg,
		SigningKey: custodian.PublicKey(),
		Logger:     logger,
		Metrics:    m,
	})

	d := &Daemon{
		logger:   logger,
		metrics:  m,
		signer:   custodian.PublicKey(),
		registry: reg,
		api:      api,
		closeFn:  closeStore,
	}
	if m != nil && cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		d.metricsHS = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	logger.Info("relayer daemon assembled",
		"component", componentName,
		"operation", "build",
		"correlation_id", d.signer.String(),
		"target", cfg.Target,
		"registry_store", cfg.Registry.Store,
	)
	return d, nil
}

// OpenStore returns the registry store selected by cfg and its closer.
func OpenStore(ctx context.Context, cfg config.RegistryConfig) (registry.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store {
	case config.StoreMemory:
		return registry.NewMemoryStore(), noop, nil
	case config.StoreFile:
		store, err := registry.NewFileStore(cfg.Path, cfg.Passphrase)
		if err != nil {
			return nil, nil, &contracts.ConfigurationError{Field: "registry path", Err: err}
		}
		return store, noop, nil
	case config.StoreSQLite:
		store, err := registry.OpenSQLStore(ctx, cfg.Path)
		if err != nil {
			return nil, nil, &contracts.ConfigurationError{Field: "registry path", Err: err}
		}
		return store, store.Close, nil
	default:
		return nil, nil, &contracts.ConfigurationError{Field: "registry store", Err: errors.New("unknown store " + cfg.Store)}
	}
}

func (d *Daemon) SigningKey() solana.PublicKey { return d.signer }

func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Handler exposes the API routes without binding a listener.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// Run serves the API and, when enabled, the metrics listener until ctx is done
// or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.api.Run(gctx)
	})
	if d.metricsHS != nil {
		g.Go(func() error {
			d.logger.Info("metrics listening", "component", componentName, "operation", "listen", "addr", d.metricsHS.Addr)
			if err := d.metricsHS.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.metricsHS.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func (d *Daemon) Close() error {
	if d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}
