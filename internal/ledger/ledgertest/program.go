package ledgertest

import (
	"errors"
	"fmt"

	"confbal/go-backend/internal/crypto"
	"confbal/go-backend/internal/ledger"

	"github.com/gagliardetto/solana-go"
)

var errAccountMissing = errors.New("account does not exist")

// executeLocked applies every instruction addressed to the program and returns
// the finalization events the cluster would emit.
func (l *Ledger) executeLocked(tx *solana.Transaction) ([]ledger.FinalizationEvent, error) {
	keys := tx.Message.AccountKeys
	var events []ledger.FinalizationEvent
	for _, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) || keys[ci.ProgramIDIndex] != l.programID {
			continue
		}
		accounts := make([]solana.PublicKey, 0, len(ci.Accounts))
		for _, idx := range ci.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("account index %d out of range", idx)
			}
			accounts = append(accounts, keys[idx])
		}
		decoded, err := ledger.DecodeInstruction(ci.Data)
		if err != nil {
			return nil, err
		}
		if decoded.Kind != ledger.KindRegisterRelayer {
			l.nonces = append(l.nonces, decoded.Payload.Nonce)
		}
		ev, emitted, err := l.applyLocked(decoded, accounts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", decoded.Kind, err)
		}
		if emitted {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (l *Ledger) applyLocked(ix ledger.DecodedInstruction, accounts []solana.PublicKey) (ledger.FinalizationEvent, bool, error) {
	switch ix.Kind {
	case ledger.KindInitBalance:
		if len(accounts) < 3 {
			return ledger.FinalizationEvent{}, false, errors.New("missing accounts")
		}
		if _, exists := l.accounts[accounts[0]]; exists {
			return ledger.FinalizationEvent{}, false, errors.New("balance account already in use")
		}
		acct := ledger.BalanceAccount{
			Owner:         accounts[1],
			Mint:          accounts[2],
			UserPublicKey: ix.Payload.UserPublicKey,
			Balance:       crypto.EncryptedBalance{Ciphertext: ix.Payload.Ciphertext, Nonce: ix.Payload.Nonce},
		}
		return ledger.FinalizationEvent{}, false, l.storeBalanceLocked(accounts[0], acct)

	case ledger.KindDeposit, ledger.KindWithdraw:
		if len(accounts) < 1 {
			return ledger.FinalizationEvent{}, false, errors.New("missing accounts")
		}
		acct, secret, current, err := l.openBalanceLocked(accounts[0])
		if err != nil {
			return ledger.FinalizationEvent{}, false, err
		}
		amount, err := l.openPayload(ix.Payload)
		if err != nil || amount != ix.Amount {
			return ledger.FinalizationEvent{Offset: ix.Offset, Account: accounts[0]}, true, nil
		}
		next := current + amount
		if ix.Kind == ledger.KindWithdraw {
			if current < amount {
				return ledger.FinalizationEvent{Offset: ix.Offset, Account: accounts[0]}, true, nil
			}
			next = current - amount
		}
		if err := l.resealLocked(accounts[0], acct, secret, next); err != nil {
			return ledger.FinalizationEvent{}, false, err
		}
		return ledger.FinalizationEvent{Offset: ix.Offset, Account: accounts[0], Success: true}, true, nil

	case ledger.KindTransfer:
		if len(accounts) < 2 {
			return ledger.FinalizationEvent{}, false, errors.New("missing accounts")
		}
		from, fromSecret, fromBalance, err := l.openBalanceLocked(accounts[0])
		if err != nil {
			return ledger.FinalizationEvent{}, false, err
		}
		to, toSecret, toBalance, err := l.openBalanceLocked(accounts[1])
		if err != nil {
			return ledger.FinalizationEvent{}, false, err
		}
		amount, err := l.openPayload(ix.Payload)
		if err != nil || amount > fromBalance {
			return ledger.FinalizationEvent{Offset: ix.Offset, Account: accounts[0]}, true, nil
		}
		if err := l.resealLocked(accounts[0], from, fromSecret, fromBalance-amount); err != nil {
			return ledger.FinalizationEvent{}, false, err
		}
		if err := l.resealLocked(accounts[1], to, toSecret, toBalance+amount); err != nil {
			return ledger.FinalizationEvent{}, false, err
		}
		return ledger.FinalizationEvent{Offset: ix.Offset, Account: accounts[0], Success: true}, true, nil

	case ledger.KindRegisterRelayer:
		if len(accounts) < 2 {
			return ledger.FinalizationEvent{}, false, errors.New("missing accounts")
		}
		if _, exists := l.accounts[accounts[1]]; exists {
			return ledger.FinalizationEvent{}, false, errors.New("relayer account already in use")
		}
		l.accounts[accounts[1]] = append(append([]byte(nil), ix.RelayerID[:]...), accounts[0][:]...)
		return ledger.FinalizationEvent{}, false, nil
	}
	return ledger.FinalizationEvent{}, false, ledger.ErrUnknownInstruction
}

func (l *Ledger) openBalanceLocked(addr solana.PublicKey) (ledger.BalanceAccount, crypto.SharedSecret, uint64, error) {
	data, ok := l.accounts[addr]
	if !ok {
		return ledger.BalanceAccount{}, crypto.SharedSecret{}, 0, errAccountMissing
	}
	acct, err := ledger.DecodeBalanceAccount(data)
	if err != nil {
		return ledger.BalanceAccount{}, crypto.SharedSecret{}, 0, err
	}
	secret, err := l.cluster.SharedSecret(acct.UserPublicKey[:])
	if err != nil {
		return ledger.BalanceAccount{}, crypto.SharedSecret{}, 0, err
	}
	value, err := acct.Balance.Open(secret)
	if err != nil {
		return ledger.BalanceAccount{}, crypto.SharedSecret{}, 0, err
	}
	return acct, secret, value, nil
}

func (l *Ledger) openPayload(p ledger.EncryptedPayload) (uint64, error) {
	secret, err := l.cluster.SharedSecret(p.UserPublicKey[:])
	if err != nil {
		return 0, err
	}
	return crypto.DecryptOne(p.Ciphertext[:], p.Nonce[:], secret)
}

func (l *Ledger) resealLocked(addr solana.PublicKey, acct ledger.BalanceAccount, secret crypto.SharedSecret, value uint64) error {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return err
	}
	sealed, err := crypto.SealBalance(value, nonce, secret)
	if err != nil {
		return err
	}
	acct.Balance = sealed
	return l.storeBalanceLocked(addr, acct)
}

func (l *Ledger) storeBalanceLocked(addr solana.PublicKey, acct ledger.BalanceAccount) error {
	data, err := acct.Encode()
	if err != nil {
		return err
	}
	l.accounts[addr] = data
	return nil
}
