// Package relay implements the fee-paying relayer: it takes a client-built
// transaction, installs the relayer as fee payer, countersigns and submits it.
package relay

import (
	"encoding/base64"
	"errors"
	"strings"

	"confbal/go-backend/internal/contracts"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxEnvelopeSize bounds the base64 text accepted from clients.
const MaxEnvelopeSize = 4096

// DecodeEnvelope parses a base64 wire transaction.
func DecodeEnvelope(encoded string) (*solana.Transaction, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, &contracts.EnvelopeFormatError{Reason: "empty transaction"}
	}
	if len(encoded) > MaxEnvelopeSize {
		return nil, &contracts.EnvelopeFormatError{Reason: "transaction too large"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &contracts.EnvelopeFormatError{Reason: "invalid base64", Err: err}
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, &contracts.EnvelopeFormatError{Reason: "undecodable transaction", Err: err}
	}
	if len(tx.Message.AccountKeys) == 0 || len(tx.Message.Instructions) == 0 {
		return nil, &contracts.EnvelopeFormatError{Reason: "transaction has no instructions"}
	}
	return tx, nil
}

// EncodeEnvelope renders tx in the form DecodeEnvelope accepts. Missing
// signatures are encoded as zero slots; the relayer discards them anyway.
func EncodeEnvelope(tx *solana.Transaction) (string, error) {
	if required := int(tx.Message.Header.NumRequiredSignatures); len(tx.Signatures) < required {
		padded := *tx
		padded.Signatures = make([]solana.Signature, required)
		copy(padded.Signatures, tx.Signatures)
		tx = &padded
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Policy restricts what a relayer is willing to pay for.
type Policy struct {
	// AllowedPrograms, when non-empty, lists the only programs instructions may invoke.
	AllowedPrograms []solana.PublicKey
}

// Rewrite rebuilds tx with feePayer as the only signer and blockhash as its
// recency reference. Existing signatures are discarded. The client's fee payer
// keeps its account role but loses its signer flag; envelopes that need any
// other signature, use address lookup tables, or touch the relayer's own key
// are rejected.
func Rewrite(tx *solana.Transaction, feePayer solana.PublicKey, blockhash solana.Hash, policy Policy) (*solana.Transaction, error) {
	msg := tx.Message
	if len(msg.AddressTableLookups) > 0 {
		return nil, &contracts.EnvelopeFormatError{Reason: "address lookup tables are not supported"}
	}
	keys := msg.AccountKeys
	if len(keys) == 0 {
		return nil, &contracts.EnvelopeFormatError{Reason: "transaction has no accounts"}
	}
	header := msg.Header
	if int(header.NumRequiredSignatures) > len(keys) ||
		int(header.NumReadonlySignedAccounts) > int(header.NumRequiredSignatures) ||
		int(header.NumReadonlyUnsignedAccounts) > len(keys)-int(header.NumRequiredSignatures) {
		return nil, &contracts.EnvelopeFormatError{Reason: "inconsistent message header"}
	}
	clientPayer := keys[0]
	allowed := make(map[solana.PublicKey]struct{}, len(policy.AllowedPrograms))
	for _, p := range policy.AllowedPrograms {
		allowed[p] = struct{}{}
	}

	instructions := make([]solana.Instruction, 0, len(msg.Instructions))
	for _, ci := range msg.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) {
			return nil, &contracts.EnvelopeFormatError{Reason: "program index out of range"}
		}
		programID := keys[ci.ProgramIDIndex]
		if len(allowed) > 0 {
			if _, ok := allowed[programID]; !ok {
				return nil, &contracts.EnvelopeFormatError{Reason: "program " + programID.String() + " is not relayed"}
			}
		}
		if programID == feePayer {
			return nil, &contracts.EnvelopeFormatError{Reason: "instruction references the relayer account"}
		}
		metas := make(solana.AccountMetaSlice, 0, len(ci.Accounts))
		for _, idx := range ci.Accounts {
			i := int(idx)
			if i >= len(keys) {
				return nil, &contracts.EnvelopeFormatError{Reason: "account index out of range"}
			}
			key := keys[i]
			if key == feePayer {
				return nil, &contracts.EnvelopeFormatError{Reason: "instruction references the relayer account"}
			}
			signer := isSigner(header, i)
			if signer && key != clientPayer {
				return nil, &contracts.EnvelopeFormatError{Reason: "transaction requires additional signer " + key.String()}
			}
			metas = append(metas, &solana.AccountMeta{
				PublicKey:  key,
				IsWritable: isWritable(header, len(keys), i),
				IsSigner:   false,
			})
		}
		instructions = append(instructions, solana.NewInstruction(programID, metas, append([]byte(nil), ci.Data...)))
	}

	rebuilt, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, &contracts.EnvelopeFormatError{Reason: "rebuild transaction", Err: err}
	}
	if rebuilt.Message.Header.NumRequiredSignatures != 1 {
		return nil, &contracts.EnvelopeFormatError{Reason: "rebuilt transaction requires more than the relayer signature"}
	}
	return rebuilt, nil
}

func isSigner(h solana.MessageHeader, i int) bool {
	return i < int(h.NumRequiredSignatures)
}

func isWritable(h solana.MessageHeader, total, i int) bool {
	signers := int(h.NumRequiredSignatures)
	if i < signers {
		return i < signers-int(h.NumReadonlySignedAccounts)
	}
	return i-signers < total-signers-int(h.NumReadonlyUnsignedAccounts)
}

var errNoSignature = errors.New("transaction carries no signature")

// FirstSignature returns the fee payer signature of a signed transaction.
func FirstSignature(tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errNoSignature
	}
	return tx.Signatures[0], nil
}
