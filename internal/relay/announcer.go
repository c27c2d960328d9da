package relay

import (
	"context"
	"errors"

	"confbal/go-backend/internal/ledger"
	"confbal/go-backend/internal/registry"

	"github.com/gagliardetto/solana-go"
)

var errForeignRecord = errors.New("record does not belong to this relayer")

// Announcer registers new relayer records with the program, paid and signed
// by the relayer itself.
type Announcer struct {
	relayer   *Relayer
	programID solana.PublicKey
}

func NewAnnouncer(relayer *Relayer, programID solana.PublicKey) *Announcer {
	return &Announcer{relayer: relayer, programID: programID}
}

func (a *Announcer) Announce(ctx context.Context, rec registry.Record) error {
	if rec.PublicKey != a.relayer.PublicKey() {
		return errForeignRecord
	}
	ix, err := ledger.RegisterRelayerInstruction(a.programID, rec.PublicKey, rec.FeeTokenMint, rec.ID, rec.Fee)
	if err != nil {
		return err
	}
	_, err = a.relayer.SubmitInstructions(ctx, ix)
	return err
}
