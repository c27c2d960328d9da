// Package ledgertest provides an in-memory ledger with a simulated confidential
// program and MPC cluster for exercising the relay protocol end to end.
package ledgertest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/crypto"
	"confbal/go-backend/internal/ledger"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrBlockhashNotFound = errors.New("Blockhash not found")
	ErrSignatureInvalid  = errors.New("signature verification failed")
)

// EventSink receives finalization events produced by the simulated cluster.
type EventSink interface {
	Publish(ev ledger.FinalizationEvent)
}

// Ledger implements ledger.Client in memory.
type Ledger struct {
	mu        sync.Mutex
	programID solana.PublicKey
	cluster   *crypto.KeyMaterial
	sink      EventSink

	blockhash solana.Hash
	accounts  map[solana.PublicKey][]byte
	statuses  map[solana.Signature]ledger.SignatureStatus
	submitted []*solana.Transaction
	nonces    []crypto.Nonce

	// SendErr, when set, makes every submission fail before anything is applied.
	SendErr error
	// Unconfirmed leaves landed transactions without a status.
	Unconfirmed bool
	// SkipFinalization suppresses finalization events.
	SkipFinalization bool
	// FinalizeDelay postpones event delivery after submission.
	FinalizeDelay time.Duration
}

func New(programID solana.PublicKey, cluster *crypto.KeyMaterial, sink EventSink) *Ledger {
	l := &Ledger{
		programID: programID,
		cluster:   cluster,
		sink:      sink,
		accounts:  make(map[solana.PublicKey][]byte),
		statuses:  make(map[solana.Signature]ledger.SignatureStatus),
	}
	l.RotateBlockhash()
	return l
}

// RotateBlockhash makes every previously handed out blockhash stale.
func (l *Ledger) RotateBlockhash() solana.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = rand.Read(l.blockhash[:])
	return l.blockhash
}

func (l *Ledger) LatestBlockhash(_ context.Context) (solana.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockhash, nil
}

func (l *Ledger) SignatureStatus(_ context.Context, sig solana.Signature) (ledger.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[sig], nil
}

func (l *Ledger) AccountData(_ context.Context, address solana.PublicKey) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.accounts[address]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Submitted returns every transaction accepted so far.
func (l *Ledger) Submitted() []*solana.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*solana.Transaction(nil), l.submitted...)
}

// ClientNonces returns every nonce carried by submitted encrypted payloads.
func (l *Ledger) ClientNonces() []crypto.Nonce {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]crypto.Nonce(nil), l.nonces...)
}

// SeedBalance creates a balance account for owner as if it had been initialized
// and funded earlier.
func (l *Ledger) SeedBalance(owner, mint solana.PublicKey, keys *crypto.KeyMaterial, value uint64) error {
	userPub := keys.PublicKey()
	secret, err := l.cluster.SharedSecret(userPub[:])
	if err != nil {
		return err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	sealed, err := crypto.SealBalance(value, nonce, secret)
	if err != nil {
		return err
	}
	addr, err := ledger.BalanceAddress(l.programID, owner, mint)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storeBalanceLocked(addr, ledger.BalanceAccount{Owner: owner, Mint: mint, UserPublicKey: userPub, Balance: sealed})
}

func (l *Ledger) SendTransaction(_ context.Context, raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode transaction: %w", err)
	}

	l.mu.Lock()
	if l.SendErr != nil {
		l.mu.Unlock()
		return solana.Signature{}, l.SendErr
	}
	if tx.Message.RecentBlockhash != l.blockhash {
		l.mu.Unlock()
		return solana.Signature{}, ErrBlockhashNotFound
	}
	if err := verifySignatures(tx); err != nil {
		l.mu.Unlock()
		return solana.Signature{}, err
	}
	sig := tx.Signatures[0]
	l.submitted = append(l.submitted, tx)

	events, execErr := l.executeLocked(tx)
	status := ledger.SignatureStatus{Found: true, Commitment: rpc.CommitmentConfirmed}
	if execErr != nil {
		status.Err = execErr.Error()
		events = nil
	}
	if !l.Unconfirmed {
		l.statuses[sig] = status
	}
	skip, delay, sink := l.SkipFinalization, l.FinalizeDelay, l.sink
	l.mu.Unlock()

	if !skip && sink != nil && len(events) > 0 {
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			for _, ev := range events {
				ev.Signature = sig
				sink.Publish(ev)
			}
		}()
	}
	return sig, nil
}

func verifySignatures(tx *solana.Transaction) error {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if required == 0 || len(tx.Signatures) != required || len(tx.Message.AccountKeys) < required {
		return ErrSignatureInvalid
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	for i := 0; i < required; i++ {
		if !tx.Signatures[i].Verify(tx.Message.AccountKeys[i], msg) {
			return ErrSignatureInvalid
		}
	}
	return nil
}
