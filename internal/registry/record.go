// Package registry maps relayer signing keys to their on-chain identity.
// The durable Store is authoritative; Registry keeps an advisory read-through
// cache in front of it.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

var ErrAlreadyExists = errors.New("relayer already registered")

// ID is the random 32-byte relayer identifier.
type ID [32]byte

func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

func ParseID(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse relayer id: %w", err)
	}
	if len(raw) != len(ID{}) {
		return ID{}, fmt.Errorf("parse relayer id: expected %d bytes, got %d", len(ID{}), len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Record is immutable after creation except for Active and Pending. A pending
// record reserves its signing key while the relayer is being announced.
type Record struct {
	ID           ID               `json:"id"`
	PublicKey    solana.PublicKey `json:"publicKey"`
	Address      solana.PublicKey `json:"address"`
	FeeTokenMint solana.PublicKey `json:"feeTokenMint"`
	Fee          uint64           `json:"fee"`
	Active       bool             `json:"active"`
	CreatedAt    time.Time        `json:"createdAt"`
	Pending      bool             `json:"pending,omitempty"`
}

// Store persists records keyed by signing key.
type Store interface {
	// Get returns contracts.ErrNotFound when key is unknown.
	Get(ctx context.Context, key solana.PublicKey) (Record, error)
	// Insert returns ErrAlreadyExists when key is already present and leaves it untouched.
	Insert(ctx context.Context, rec Record) error
	// ListActive returns active, committed records ordered by creation time.
	ListActive(ctx context.Context) ([]Record, error)
	// Commit clears Pending on the record for key if it still carries id.
	// It returns contracts.ErrNotFound otherwise.
	Commit(ctx context.Context, key solana.PublicKey, id ID) error
	// Release deletes the record for key if it is still pending under id.
	Release(ctx context.Context, key solana.PublicKey, id ID) error
	// SetActive returns contracts.ErrNotFound when key is unknown.
	SetActive(ctx context.Context, key solana.PublicKey, active bool) error
}

// Announcer publishes a new record on the ledger before it is persisted.
type Announcer interface {
	Announce(ctx context.Context, rec Record) error
}
