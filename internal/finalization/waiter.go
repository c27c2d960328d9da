package finalization

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/metrics"

	"github.com/gagliardetto/solana-go"
)

const (
	componentName  = "finalization"
	DefaultTimeout = 2 * time.Minute
)

var (
	ErrCancelled  = errors.New("finalization wait cancelled")
	ErrNotWaiting = errors.New("computation is not awaiting finalization")
)

type State int

const (
	StateIdle State = iota
	StateSubscribed
	StateResolved
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Subscriber is the event source a Waiter listens on. Bus implements it.
type Subscriber interface {
	Subscribe(offset uint64) (<-chan ledger.FinalizationEvent, func())
}

type Waiter struct {
	source  Subscriber
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewWaiter(source Subscriber, opts Options) *Waiter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Waiter{source: source, timeout: opts.Timeout, logger: opts.Logger, metrics: opts.Metrics}
}

// NewOffset draws a random computation offset.
func NewOffset() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Pending is one computation being tracked. Watch it before the transaction is
// submitted so an early event cannot be missed.
type Pending struct {
	Offset         uint64
	RelatedAccount solana.PublicKey
	SubmittedAt    time.Time

	w           *Waiter
	mu          sync.Mutex
	state       State
	events      <-chan ledger.FinalizationEvent
	unsubscribe func()
	cancelled   chan struct{}
	cancelOnce  sync.Once
}

// Watch subscribes to the finalization of offset.
func (w *Waiter) Watch(offset uint64, related solana.PublicKey) *Pending {
	p := &Pending{
		Offset:         offset,
		RelatedAccount: related,
		SubmittedAt:    time.Now().UTC(),
		w:              w,
		state:          StateIdle,
		cancelled:      make(chan struct{}),
	}
	p.events, p.unsubscribe = w.source.Subscribe(offset)
	p.state = StateSubscribed
	return p
}

// Await watches offset and blocks until it finalizes.
func (w *Waiter) Await(ctx context.Context, offset uint64, related solana.PublicKey, timeout time.Duration) (ledger.FinalizationEvent, error) {
	return w.Watch(offset, related).Await(ctx, timeout)
}

func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cancel abandons the wait and releases the subscription. A concurrent Await
// returns ErrCancelled.
func (p *Pending) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancelled) })
	p.finish(StateCancelled, "cancel")
}

// Await blocks until the event for p.Offset arrives, the timeout elapses or
// ctx is done. The subscription is released on every return path. A timeout
// of zero or less uses the waiter default.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (ledger.FinalizationEvent, error) {
	if p.State() != StateSubscribed {
		return ledger.FinalizationEvent{}, ErrNotWaiting
	}
	if timeout <= 0 {
		timeout = p.w.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.finish(StateCancelled, "closed")
				return ledger.FinalizationEvent{}, ErrCancelled
			}
			if ev.Offset != p.Offset {
				continue
			}
			if !p.finish(StateResolved, "event") {
				return ledger.FinalizationEvent{}, ErrCancelled
			}
			return ev, nil
		case <-timer.C:
			p.finish(StateTimedOut, "timeout")
			return ledger.FinalizationEvent{}, &contracts.FinalizationTimeoutError{Offset: p.Offset, Err: context.DeadlineExceeded}
		case <-p.cancelled:
			p.finish(StateCancelled, "cancel")
			return ledger.FinalizationEvent{}, ErrCancelled
		case <-ctx.Done():
			p.finish(StateCancelled, "context")
			return ledger.FinalizationEvent{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}
}

// finish moves p to a terminal state once and releases the subscription.
// It reports whether this call performed the transition.
func (p *Pending) finish(state State, reason string) bool {
	p.mu.Lock()
	if p.state != StateSubscribed {
		p.mu.Unlock()
		return false
	}
	p.state = state
	unsubscribe := p.unsubscribe
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	elapsed := time.Since(p.SubmittedAt)
	p.w.metrics.ObserveFinalization(state.String(), elapsed)
	level := slog.LevelInfo
	if state == StateTimedOut {
		level = slog.LevelWarn
	}
	p.w.logger.Log(context.Background(), level, "computation wait finished",
		"component", componentName,
		"operation", "await",
		"correlation_id", strconv.FormatUint(p.Offset, 10),
		"state", state.String(),
		"reason", reason,
		"account", p.RelatedAccount.String(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return true
}
