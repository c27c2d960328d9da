package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"confbal/go-backend/internal/contracts"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Client is the subset of ledger RPC the relay protocol needs.
type Client interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
	// AccountData returns contracts.ErrNotFound for accounts that do not exist.
	AccountData(ctx context.Context, address solana.PublicKey) ([]byte, error)
}

type SignatureStatus struct {
	Found      bool
	Commitment rpc.CommitmentType
	Err        any
}

var errStatusPending = errors.New("signature not yet at requested commitment")

// Reached reports whether have is at least as final as want.
func Reached(have, want rpc.CommitmentType) bool {
	return commitmentRank(have) >= commitmentRank(want) && commitmentRank(have) > 0
}

func commitmentRank(c rpc.CommitmentType) int {
	switch c {
	case rpc.CommitmentProcessed:
		return 1
	case rpc.CommitmentConfirmed:
		return 2
	case rpc.CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// ConfirmOptions bound AwaitConfirmation.
type ConfirmOptions struct {
	Commitment   rpc.CommitmentType
	Timeout      time.Duration
	PollInterval time.Duration
}

// AwaitConfirmation polls the signature status until it reaches opts.Commitment.
// A transaction that landed with an execution error yields a SubmissionError; a
// status that never arrives within opts.Timeout yields a ConfirmationTimeoutError.
func AwaitConfirmation(ctx context.Context, client Client, sig solana.Signature, opts ConfirmOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 400 * time.Millisecond
	}
	if opts.Commitment == "" {
		opts.Commitment = rpc.CommitmentConfirmed
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.PollInterval
	policy.MaxInterval = 4 * opts.PollInterval
	policy.MaxElapsedTime = 0

	var landedErr error
	operation := func() error {
		status, err := client.SignatureStatus(waitCtx, sig)
		if err != nil {
			return err
		}
		if !status.Found {
			return errStatusPending
		}
		if status.Err != nil {
			landedErr = fmt.Errorf("transaction failed on ledger: %v", status.Err)
			return backoff.Permanent(landedErr)
		}
		if !Reached(status.Commitment, opts.Commitment) {
			return errStatusPending
		}
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(policy, waitCtx))
	switch {
	case err == nil:
		return nil
	case landedErr != nil:
		return &contracts.SubmissionError{Err: landedErr}
	case waitCtx.Err() != nil:
		return &contracts.ConfirmationTimeoutError{Signature: sig.String(), Err: waitCtx.Err()}
	default:
		return &contracts.ConfirmationTimeoutError{Signature: sig.String(), Err: err}
	}
}
