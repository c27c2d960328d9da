package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/metrics"

	"github.com/gagliardetto/solana-go"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	componentName    = "registry"
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

type Options struct {
	Announcer Announcer
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Registry struct {
	store     Store
	programID solana.PublicKey
	announcer Announcer
	cache     *expirable.LRU[solana.PublicKey, Record]
	logger    *slog.Logger
	metrics   *metrics.Metrics

	registerMu sync.Mutex
	now        func() time.Time
	newID      func() (ID, error)
}

func New(store Store, programID solana.PublicKey, opts Options) *Registry {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store:     store,
		programID: programID,
		announcer: opts.Announcer,
		cache:     expirable.NewLRU[solana.PublicKey, Record](opts.CacheSize, nil, opts.CacheTTL),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     NewID,
	}
}

// Register creates the record for key. A key that is already registered yields
// a *contracts.RegistryConflictError carrying the existing record, and nothing
// is announced or written.
func (r *Registry) Register(ctx context.Context, key solana.PublicKey, fee uint64, feeTokenMint solana.PublicKey) (Record, error) {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	rec, err := r.register(ctx, key, fee, feeTokenMint)
	r.metrics.ObserveRegistration(outcome(err))
	if err != nil {
		var conflict *contracts.RegistryConflictError
		if errors.As(err, &conflict) {
			r.logger.Info("relayer already registered",
				"component", componentName,
				"operation", "register",
				"correlation_id", key.String(),
				"relayer_id", conflict.ExistingID,
			)
		} else {
			r.logger.Error("relayer registration failed",
				"component", componentName,
				"operation", "register",
				"correlation_id", key.String(),
				"category", contracts.Category(err),
				"error", err.Error(),
			)
		}
		return Record{}, err
	}
	r.logger.Info("relayer registered",
		"component", componentName,
		"operation", "register",
		"correlation_id", key.String(),
		"relayer_id", rec.ID.String(),
		"relayer_address", rec.Address.String(),
	)
	return rec, nil
}

// register reserves key in the store before announcing it, so instances
// sharing a store never announce two identities for one signing key. The
// reservation is committed once the announcement lands and released if it
// fails.
func (r *Registry) register(ctx context.Context, key solana.PublicKey, fee uint64, feeTokenMint solana.PublicKey) (Record, error) {
	existing, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		return Record{}, conflictError(existing)
	case !errors.Is(err, contracts.ErrNotFound):
		return Record{}, err
	}

	id, err := r.newID()
	if err != nil {
		return Record{}, err
	}
	address, err := ledger.RelayerAddress(r.programID, id)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:           id,
		PublicKey:    key,
		Address:      address,
		FeeTokenMint: feeTokenMint,
		Fee:          fee,
		Active:       true,
		CreatedAt:    r.now(),
		Pending:      true,
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			if winner, getErr := r.store.Get(ctx, key); getErr == nil {
				return Record{}, conflictError(winner)
			}
			return Record{}, &contracts.RegistryConflictError{SigningKey: key.String()}
		}
		return Record{}, err
	}
	if r.announcer != nil {
		if err := r.announcer.Announce(ctx, rec); err != nil {
			if relErr := r.store.Release(context.WithoutCancel(ctx), key, id); relErr != nil {
				r.logger.Error("relayer reservation not released",
					"component", componentName,
					"operation", "register",
					"correlation_id", key.String(),
					"relayer_id", id.String(),
					"error", relErr.Error(),
				)
			}
			return Record{}, err
		}
	}
	if err := r.store.Commit(context.WithoutCancel(ctx), key, id); err != nil {
		return Record{}, fmt.Errorf("commit announced relayer %s: %w", id, err)
	}
	rec.Pending = false
	r.cache.Add(key, rec)
	return rec, nil
}

// Lookup returns the record for key, consulting the store on cache miss. A
// reservation whose announcement is still in flight reads as not found.
func (r *Registry) Lookup(ctx context.Context, key solana.PublicKey) (Record, error) {
	if rec, ok := r.cache.Get(key); ok {
		return rec, nil
	}
	rec, err := r.store.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if rec.Pending {
		return Record{}, contracts.ErrNotFound
	}
	r.cache.Add(key, rec)
	return rec, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]Record, error) {
	return r.store.ListActive(ctx)
}

// FirstActive returns the oldest active relayer.
func (r *Registry) FirstActive(ctx context.Context) (Record, error) {
	records, err := r.store.ListActive(ctx)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, contracts.ErrRelayerUnavailable
	}
	return records[0], nil
}

func (r *Registry) SetActive(ctx context.Context, key solana.PublicKey, active bool) error {
	if err := r.store.SetActive(ctx, key, active); err != nil {
		return err
	}
	r.cache.Remove(key)
	r.logger.Info("relayer activity changed",
		"component", componentName,
		"operation", "set_active",
		"correlation_id", key.String(),
		"active", active,
	)
	return nil
}

func conflictError(rec Record) error {
	return &contracts.RegistryConflictError{
		SigningKey: rec.PublicKey.String(),
		ExistingID: rec.ID.String(),
		Address:    rec.Address.String(),
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return contracts.Category(err)
}
