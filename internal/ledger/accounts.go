package ledger

import (
	"errors"

	"confbal/go-backend/internal/crypto"

	"github.com/gagliardetto/solana-go"
)

var ErrNotBalanceAccount = errors.New("account data is not an encrypted balance")

// BalanceAccount mirrors the program's EncryptedBalance account.
type BalanceAccount struct {
	Owner         solana.PublicKey
	Mint          solana.PublicKey
	UserPublicKey [32]byte
	Balance       crypto.EncryptedBalance
}

type balanceAccountLayout struct {
	Discriminator [8]byte
	Owner         solana.PublicKey
	Mint          solana.PublicKey
	UserPublicKey [32]byte
	Nonce         crypto.Nonce
	Ciphertext    crypto.Ciphertext
}

func DecodeBalanceAccount(data []byte) (BalanceAccount, error) {
	if len(data) < 8 {
		return BalanceAccount{}, ErrNotBalanceAccount
	}
	var layout balanceAccountLayout
	if err := unborsh(data, &layout); err != nil {
		return BalanceAccount{}, err
	}
	if layout.Discriminator != discBalanceAccount {
		return BalanceAccount{}, ErrNotBalanceAccount
	}
	return BalanceAccount{
		Owner:         layout.Owner,
		Mint:          layout.Mint,
		UserPublicKey: layout.UserPublicKey,
		Balance:       crypto.EncryptedBalance{Ciphertext: layout.Ciphertext, Nonce: layout.Nonce},
	}, nil
}

// Encode serializes the account the way the program stores it.
func (a BalanceAccount) Encode() ([]byte, error) {
	return borsh(balanceAccountLayout{
		Discriminator: discBalanceAccount,
		Owner:         a.Owner,
		Mint:          a.Mint,
		UserPublicKey: a.UserPublicKey,
		Nonce:         a.Balance.Nonce,
		Ciphertext:    a.Balance.Ciphertext,
	})
}
