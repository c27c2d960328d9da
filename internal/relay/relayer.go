package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/metrics"

	"github.com/gagliardetto/solana-go"
)

const componentName = "relay"

// Signer is the custodian capability the relayer needs.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}

type Options struct {
	Confirm ledger.ConfirmOptions
	Policy  Policy
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Relayer is safe for concurrent use; it holds no per-request state.
type Relayer struct {
	client  ledger.Client
	signer  Signer
	confirm ledger.ConfirmOptions
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(client ledger.Client, signer Signer, opts Options) *Relayer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relayer{
		client:  client,
		signer:  signer,
		confirm: opts.Confirm,
		policy:  opts.Policy,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func (r *Relayer) PublicKey() solana.PublicKey {
	return r.signer.PublicKey()
}

// Forward decodes a base64 client envelope and relays it.
func (r *Relayer) Forward(ctx context.Context, encoded string) (solana.Signature, error) {
	started := time.Now()
	tx, err := DecodeEnvelope(encoded)
	if err != nil {
		r.finish(ctx, "forward", started, solana.Signature{}, err)
		return solana.Signature{}, err
	}
	return r.Relay(ctx, tx)
}

// Relay substitutes the relayer as fee payer, signs against a freshly fetched
// blockhash, submits, and waits for confirmation. The client's signatures are
// discarded.
func (r *Relayer) Relay(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	started := time.Now()
	sig, err := r.relay(ctx, tx)
	r.finish(ctx, "relay", started, sig, err)
	return sig, err
}

func (r *Relayer) relay(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if tx == nil {
		return solana.Signature{}, &contracts.EnvelopeFormatError{Reason: "nil transaction"}
	}
	if _, err := Rewrite(tx, r.signer.PublicKey(), solana.Hash{}, r.policy); err != nil {
		return solana.Signature{}, err
	}
	blockhash, err := r.client.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, &contracts.SubmissionError{Err: fmt.Errorf("fetch blockhash: %w", err)}
	}
	rewritten, err := Rewrite(tx, r.signer.PublicKey(), blockhash, r.policy)
	if err != nil {
		return solana.Signature{}, err
	}
	return r.submit(ctx, rewritten)
}

// SubmitInstructions pays for and signs a transaction the relayer builds itself.
func (r *Relayer) SubmitInstructions(ctx context.Context, instructions ...solana.Instruction) (solana.Signature, error) {
	started := time.Now()
	sig, err := r.submitInstructions(ctx, instructions)
	r.finish(ctx, "submit_instructions", started, sig, err)
	return sig, err
}

func (r *Relayer) submitInstructions(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	blockhash, err := r.client.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, &contracts.SubmissionError{Err: fmt.Errorf("fetch blockhash: %w", err)}
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(r.signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, err
	}
	return r.submit(ctx, tx)
}

func (r *Relayer) submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := r.signer.Sign(tx); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}
	sig, err := FirstSignature(tx)
	if err != nil {
		return solana.Signature{}, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("encode transaction: %w", err)
	}
	landed, err := r.client.SendTransaction(ctx, raw)
	if err != nil {
		return sig, &contracts.SubmissionError{Err: err}
	}
	if landed != sig {
		return sig, &contracts.SubmissionError{Err: errors.New("ledger returned an unexpected signature " + landed.String())}
	}
	if err := ledger.AwaitConfirmation(ctx, r.client, sig, r.confirm); err != nil {
		return sig, err
	}
	return sig, nil
}

func (r *Relayer) finish(ctx context.Context, operation string, started time.Time, sig solana.Signature, err error) {
	elapsed := time.Since(started)
	correlationID := contracts.CorrelationID(ctx, "")
	if err != nil {
		r.metrics.ObserveRelay(contracts.Category(err), elapsed)
		attrs := []any{
			"component", componentName,
			"operation", operation,
			"correlation_id", correlationID,
			"category", contracts.Category(err),
			"retryable", contracts.Retryable(err),
			"error", err.Error(),
		}
		if sig != (solana.Signature{}) {
			attrs = append(attrs, "signature", sig.String())
		}
		r.logger.Warn("relay failed", attrs...)
		return
	}
	r.metrics.ObserveRelay("ok", elapsed)
	r.logger.Info("transaction relayed",
		"component", componentName,
		"operation", operation,
		"correlation_id", correlationID,
		"signature", sig.String(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
