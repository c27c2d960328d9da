package finalization

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/ledger"

	"github.com/gagliardetto/solana-go"
)

func newTestWaiter(bus *Bus) *Waiter {
	return NewWaiter(bus, Options{Timeout: time.Second})
}

func TestAwaitResolvesOnMatchingOffset(t *testing.T) {
	bus := NewBus(8)
	w := newTestWaiter(bus)
	account := solana.NewWallet().PublicKey()

	p := w.Watch(42, account)
	if p.State() != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", p.State())
	}
	go func() {
		bus.Publish(ledger.FinalizationEvent{Offset: 7, Success: true})
		bus.Publish(ledger.FinalizationEvent{Offset: 42, Account: account, Success: true})
	}()

	ev, err := p.Await(context.Background(), 0)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Offset != 42 || ev.Account != account {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if p.State() != StateResolved {
		t.Fatalf("expected resolved, got %s", p.State())
	}
	if n := bus.ActiveSubscriptions(42); n != 0 {
		t.Fatalf("subscription leaked after resolve: %d", n)
	}
}

func TestAwaitTimesOutAndUnsubscribes(t *testing.T) {
	bus := NewBus(8)
	w := newTestWaiter(bus)

	p := w.Watch(1, solana.PublicKey{})
	_, err := p.Await(context.Background(), 20*time.Millisecond)
	var timeoutErr *contracts.FinalizationTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected FinalizationTimeoutError, got %v", err)
	}
	if timeoutErr.Offset != 1 {
		t.Fatalf("unexpected offset in error: %d", timeoutErr.Offset)
	}
	if p.State() != StateTimedOut {
		t.Fatalf("expected timed_out, got %s", p.State())
	}
	if n := bus.TotalSubscriptions(); n != 0 {
		t.Fatalf("subscription leaked after timeout: %d", n)
	}
	if _, err := p.Await(context.Background(), time.Millisecond); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting on second await, got %v", err)
	}
}

func TestAwaitContextCancellation(t *testing.T) {
	bus := NewBus(8)
	w := newTestWaiter(bus)
	ctx, cancel := context.WithCancel(context.Background())

	p := w.Watch(5, solana.PublicKey{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := p.Await(ctx, 5*time.Second)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled error wrapping context.Canceled, got %v", err)
	}
	if p.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", p.State())
	}
	if n := bus.TotalSubscriptions(); n != 0 {
		t.Fatalf("subscription leaked after cancel: %d", n)
	}
}

func TestCancelBeforeAwait(t *testing.T) {
	bus := NewBus(8)
	w := newTestWaiter(bus)

	p := w.Watch(9, solana.PublicKey{})
	p.Cancel()
	p.Cancel()
	if p.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", p.State())
	}
	if n := bus.TotalSubscriptions(); n != 0 {
		t.Fatalf("subscription leaked after cancel: %d", n)
	}
	if _, err := p.Await(context.Background(), time.Millisecond); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting, got %v", err)
	}
}

func TestCancelDuringAwait(t *testing.T) {
	bus := NewBus(8)
	w := newTestWaiter(bus)

	p := w.Watch(11, solana.PublicKey{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Cancel()
	}()
	if _, err := p.Await(context.Background(), 5*time.Second); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if n := bus.TotalSubscriptions(); n != 0 {
		t.Fatalf("subscription leaked: %d", n)
	}
}

func TestEventPublishedBeforeAwaitIsDelivered(t *testing.T) {
	bus := NewBus(8)
	w := newTestWaiter(bus)

	p := w.Watch(3, solana.PublicKey{})
	bus.Publish(ledger.FinalizationEvent{Offset: 3, Success: true})
	if _, err := p.Await(context.Background(), 0); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestBacklogReplaysToLateSubscriber(t *testing.T) {
	bus := NewBus(2)
	bus.Publish(ledger.FinalizationEvent{Offset: 1})
	bus.Publish(ledger.FinalizationEvent{Offset: 2})
	bus.Publish(ledger.FinalizationEvent{Offset: 3})
	if bus.BacklogSize() != 2 {
		t.Fatalf("expected backlog of 2, got %d", bus.BacklogSize())
	}

	w := newTestWaiter(bus)
	if _, err := w.Await(context.Background(), 3, solana.PublicKey{}, 0); err != nil {
		t.Fatalf("expected replayed event, got %v", err)
	}
	if _, err := w.Await(context.Background(), 1, solana.PublicKey{}, 20*time.Millisecond); err == nil {
		t.Fatal("expected evicted offset to time out")
	}
}

func TestConcurrentWaitsAreIndependent(t *testing.T) {
	bus := NewBus(64)
	w := newTestWaiter(bus)

	const n = 16
	pending := make([]*Pending, n)
	for i := range pending {
		pending[i] = w.Watch(uint64(100+i), solana.PublicKey{})
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range pending {
		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			ev, err := p.Await(context.Background(), 0)
			if err == nil && ev.Offset != p.Offset {
				err = errors.New("event routed to wrong offset")
			}
			errs <- err
		}(pending[i])
	}
	for i := n - 1; i >= 0; i-- {
		bus.Publish(ledger.FinalizationEvent{Offset: uint64(100 + i), Success: true})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent await: %v", err)
		}
	}
	if bus.TotalSubscriptions() != 0 {
		t.Fatalf("subscriptions leaked: %d", bus.TotalSubscriptions())
	}
}

func TestNewOffsetVaries(t *testing.T) {
	a, err := NewOffset()
	if err != nil {
		t.Fatalf("NewOffset: %v", err)
	}
	b, err := NewOffset()
	if err != nil {
		t.Fatalf("NewOffset: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct offsets")
	}
}
