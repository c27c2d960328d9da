// Package coordinator runs confidential balance operations end to end:
// encrypt the amount, relay the transaction, wait for the cluster to finalize
// the computation, then read back the authoritative balance.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/crypto"
	"confbal/go-backend/internal/finalization"
	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/metrics"

	"github.com/gagliardetto/solana-go"
)

const componentName = "coordinator"

// Relay submits a client-built transaction through a fee-paying relayer.
type Relay interface {
	Relay(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Watcher registers interest in a computation before it is submitted.
type Watcher interface {
	Watch(offset uint64, related solana.PublicKey) *finalization.Pending
}

// Account is a user's wallet together with the key material its balances are
// encrypted under.
type Account struct {
	Owner solana.PublicKey
	Keys  *crypto.KeyMaterial
}

type Mint struct {
	Address  solana.PublicKey
	Decimals uint8
}

// Result describes a finished operation. Signature and Offset are set as soon
// as the transaction was submitted, so callers can reconcile after a timeout.
// Abandoning the finalization wait after submission, by timeout or by
// cancelling ctx, yields a *contracts.FinalizationTimeoutError: the balance
// must be re-read before the operation is retried.
type Result struct {
	Signature solana.Signature
	Offset    uint64
	Balance   uint64
}

type Options struct {
	ProgramID           solana.PublicKey
	ClusterPublicKey    [crypto.PublicKeySize]byte
	FinalizationTimeout time.Duration
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

type Coordinator struct {
	ledger    ledger.Client
	relay     Relay
	watcher   Watcher
	programID solana.PublicKey
	cluster   [crypto.PublicKeySize]byte
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(client ledger.Client, relay Relay, watcher Watcher, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		ledger:    client,
		relay:     relay,
		watcher:   watcher,
		programID: opts.ProgramID,
		cluster:   opts.ClusterPublicKey,
		timeout:   opts.FinalizationTimeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

type operationKind string

const (
	kindDeposit  operationKind = "deposit"
	kindWithdraw operationKind = "withdraw"
	kindTransfer operationKind = "transfer"
)

// Balance decrypts the current balance of acct for mint. A missing balance
// account yields contracts.ErrNotFound; an unreadable one a DecryptionError.
func (c *Coordinator) Balance(ctx context.Context, acct Account, mint Mint) (uint64, error) {
	state, err := c.loadBalance(ctx, acct, mint)
	if err != nil {
		return 0, err
	}
	if !state.exists {
		return 0, contracts.ErrNotFound
	}
	return state.value, nil
}

// Deposit moves amount from the owner's token account into the confidential
// balance, creating the balance on first use.
func (c *Coordinator) Deposit(ctx context.Context, acct Account, mint Mint, amount uint64) (Result, error) {
	return c.run(ctx, kindDeposit, acct, mint, func(state balanceState, secret crypto.SharedSecret, offset uint64) ([]solana.Instruction, error) {
		if err := validateAmount(amount); err != nil {
			return nil, err
		}
		var instructions []solana.Instruction
		if !state.exists {
			init, err := c.initInstruction(acct, mint, offset, secret)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, init)
		}
		payload, err := c.payload(acct, amount, secret)
		if err != nil {
			return nil, err
		}
		ix, err := ledger.DepositInstruction(c.programID, acct.Owner, mint.Address, offset, amount, payload)
		if err != nil {
			return nil, err
		}
		return append(instructions, ix), nil
	})
}

// Withdraw moves amount out of the confidential balance back to the owner's token account.
func (c *Coordinator) Withdraw(ctx context.Context, acct Account, mint Mint, amount uint64) (Result, error) {
	return c.run(ctx, kindWithdraw, acct, mint, func(state balanceState, secret crypto.SharedSecret, offset uint64) ([]solana.Instruction, error) {
		if err := validateAmount(amount); err != nil {
			return nil, err
		}
		if state.value < amount {
			return nil, fmt.Errorf("%w: have %d, need %d", contracts.ErrInsufficientFunds, state.value, amount)
		}
		payload, err := c.payload(acct, amount, secret)
		if err != nil {
			return nil, err
		}
		ix, err := ledger.WithdrawInstruction(c.programID, acct.Owner, mint.Address, offset, amount, payload)
		if err != nil {
			return nil, err
		}
		return []solana.Instruction{ix}, nil
	})
}

// Transfer moves an encrypted amount to recipient's balance of the same mint.
// The recipient must already have a balance account.
func (c *Coordinator) Transfer(ctx context.Context, acct Account, recipient solana.PublicKey, mint Mint, amount uint64) (Result, error) {
	return c.run(ctx, kindTransfer, acct, mint, func(state balanceState, secret crypto.SharedSecret, offset uint64) ([]solana.Instruction, error) {
		if err := validateAmount(amount); err != nil {
			return nil, err
		}
		if recipient == acct.Owner {
			return nil, fmt.Errorf("%w: recipient is the sender", contracts.ErrInvalidAmount)
		}
		if state.value < amount {
			return nil, fmt.Errorf("%w: have %d, need %d", contracts.ErrInsufficientFunds, state.value, amount)
		}
		to, err := ledger.BalanceAddress(c.programID, recipient, mint.Address)
		if err != nil {
			return nil, err
		}
		if _, err := c.ledger.AccountData(ctx, to); err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				return nil, contracts.ErrRecipientNotReady
			}
			return nil, err
		}
		payload, err := c.payload(acct, amount, secret)
		if err != nil {
			return nil, err
		}
		ix, err := ledger.TransferInstruction(c.programID, acct.Owner, recipient, mint.Address, offset, payload)
		if err != nil {
			return nil, err
		}
		return []solana.Instruction{ix}, nil
	})
}

type buildFunc func(state balanceState, secret crypto.SharedSecret, offset uint64) ([]solana.Instruction, error)

func (c *Coordinator) run(ctx context.Context, kind operationKind, acct Account, mint Mint, build buildFunc) (Result, error) {
	res, err := c.execute(ctx, acct, mint, build)
	c.metrics.ObserveOperation(string(kind), outcome(err))
	correlationID := contracts.CorrelationID(ctx, strconv.FormatUint(res.Offset, 10))
	if err != nil {
		attrs := []any{
			"component", componentName,
			"operation", string(kind),
			"correlation_id", correlationID,
			"owner", acct.Owner.String(),
			"category", contracts.Category(err),
			"error", err.Error(),
		}
		if res.Signature != (solana.Signature{}) {
			attrs = append(attrs, "signature", res.Signature.String())
		}
		c.logger.Warn("confidential operation failed", attrs...)
		return res, err
	}
	c.logger.Info("confidential operation finalized",
		"component", componentName,
		"operation", string(kind),
		"correlation_id", correlationID,
		"owner", acct.Owner.String(),
		"signature", res.Signature.String(),
	)
	return res, nil
}

func (c *Coordinator) execute(ctx context.Context, acct Account, mint Mint, build buildFunc) (Result, error) {
	if acct.Keys == nil {
		return Result{}, errors.New("account key material is required")
	}
	secret, err := acct.Keys.SharedSecret(c.cluster[:])
	if err != nil {
		return Result{}, err
	}
	state, err := c.loadBalance(ctx, acct, mint)
	if err != nil {
		return Result{}, err
	}
	offset, err := finalization.NewOffset()
	if err != nil {
		return Result{}, err
	}
	res := Result{Offset: offset}
	instructions, err := build(state, secret, offset)
	if err != nil {
		return res, err
	}
	blockhash, err := c.ledger.LatestBlockhash(ctx)
	if err != nil {
		return res, err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(acct.Owner))
	if err != nil {
		return res, err
	}

	pending := c.watcher.Watch(offset, state.address)
	res.Signature, err = c.relay.Relay(ctx, tx)
	if err != nil {
		pending.Cancel()
		return res, err
	}
	ev, err := pending.Await(ctx, c.timeout)
	if errors.Is(err, finalization.ErrCancelled) {
		// The transaction was relayed; giving up on the wait does not undo it.
		return res, &contracts.FinalizationTimeoutError{Offset: offset, Err: err}
	}
	if err != nil {
		return res, err
	}
	if !ev.Success {
		return res, fmt.Errorf("offset %d: %w", offset, contracts.ErrComputationRejected)
	}

	final, err := c.loadBalance(ctx, acct, mint)
	if err != nil {
		return res, err
	}
	res.Balance = final.value
	return res, nil
}

type balanceState struct {
	address solana.PublicKey
	exists  bool
	value   uint64
}

// loadBalance reads and decrypts the balance. A balance that does not exist
// reads as zero; one that exists but cannot be decrypted is an error, never zero.
func (c *Coordinator) loadBalance(ctx context.Context, acct Account, mint Mint) (balanceState, error) {
	address, err := ledger.BalanceAddress(c.programID, acct.Owner, mint.Address)
	if err != nil {
		return balanceState{}, err
	}
	state := balanceState{address: address}
	data, err := c.ledger.AccountData(ctx, address)
	if errors.Is(err, contracts.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return balanceState{}, err
	}
	account, err := ledger.DecodeBalanceAccount(data)
	if err != nil {
		return balanceState{}, &contracts.DecryptionError{Reason: err.Error()}
	}
	if account.UserPublicKey != acct.Keys.PublicKey() {
		return balanceState{}, &contracts.DecryptionError{Reason: "balance is encrypted for a different key"}
	}
	secret, err := acct.Keys.SharedSecret(c.cluster[:])
	if err != nil {
		return balanceState{}, err
	}
	value, err := account.Balance.Open(secret)
	if err != nil {
		return balanceState{}, err
	}
	state.exists = true
	state.value = value
	return state, nil
}

func (c *Coordinator) initInstruction(acct Account, mint Mint, offset uint64, secret crypto.SharedSecret) (solana.Instruction, error) {
	payload, err := c.payload(acct, 0, secret)
	if err != nil {
		return nil, err
	}
	return ledger.InitBalanceInstruction(c.programID, acct.Owner, mint.Address, offset, payload)
}

// payload encrypts value under a nonce drawn for this call alone.
func (c *Coordinator) payload(acct Account, value uint64, secret crypto.SharedSecret) (ledger.EncryptedPayload, error) {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return ledger.EncryptedPayload{}, err
	}
	ct, err := crypto.EncryptOne(value, nonce, secret)
	if err != nil {
		return ledger.EncryptedPayload{}, err
	}
	return ledger.EncryptedPayload{UserPublicKey: acct.Keys.PublicKey(), Nonce: nonce, Ciphertext: ct}, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return contracts.Category(err)
}
