package finalization

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"confbal/go-backend/internal/ledger"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// Publisher receives parsed finalization events.
type Publisher interface {
	Publish(ev ledger.FinalizationEvent)
}

// LogBatch is the log output of one transaction.
type LogBatch struct {
	Signature solana.Signature
	Failed    bool
	Logs      []string
}

// LogStream yields program log batches until it fails or is closed.
type LogStream interface {
	Recv(ctx context.Context) (LogBatch, error)
	Close()
}

// Dialer opens a fresh LogStream.
type Dialer func(ctx context.Context) (LogStream, error)

// LogSource follows program logs on the ledger and publishes every
// finalization event it finds. Broken streams are re-dialed with backoff.
type LogSource struct {
	dial      Dialer
	publisher Publisher
	logger    *slog.Logger
	maxDelay  time.Duration
}

func NewLogSource(dial Dialer, publisher Publisher, logger *slog.Logger) *LogSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSource{dial: dial, publisher: publisher, logger: logger, maxDelay: 30 * time.Second}
}

// Run blocks until ctx is done.
func (s *LogSource) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = s.maxDelay
	policy.MaxElapsedTime = 0

	operation := func() error {
		stream, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer stream.Close()
		policy.Reset()
		s.logger.Info("log subscription established", "component", componentName, "operation", "subscribe")
		for {
			batch, err := stream.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if batch.Failed {
				continue
			}
			for _, ev := range ledger.ParseFinalizationLogs(batch.Signature, batch.Logs) {
				s.publisher.Publish(ev)
			}
		}
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("log subscription lost",
			"component", componentName,
			"operation", "subscribe",
			"error", err.Error(),
			"retry_in_ms", next.Milliseconds(),
		)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// WebsocketDialer subscribes to logs mentioning programID over the ledger's
// websocket endpoint.
func WebsocketDialer(endpoint string, programID solana.PublicKey, commitment rpc.CommitmentType) Dialer {
	return func(ctx context.Context) (LogStream, error) {
		client, err := ws.Connect(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		sub, err := client.LogsSubscribeMentions(programID, commitment)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &wsLogStream{client: client, sub: sub}, nil
	}
}

type wsLogStream struct {
	client *ws.Client
	sub    *ws.LogSubscription
}

func (s *wsLogStream) Recv(ctx context.Context) (LogBatch, error) {
	got, err := s.sub.Recv(ctx)
	if err != nil {
		return LogBatch{}, err
	}
	if got == nil {
		return LogBatch{}, errors.New("log subscription closed")
	}
	return LogBatch{
		Signature: got.Value.Signature,
		Failed:    got.Value.Err != nil,
		Logs:      got.Value.Logs,
	}, nil
}

func (s *wsLogStream) Close() {
	s.sub.Unsubscribe()
	s.client.Close()
}
