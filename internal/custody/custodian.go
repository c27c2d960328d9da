// Package custody owns the relayer signing key. The key is loaded once at
// startup and is only ever used through Custodian.Sign.
package custody

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/securestore"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
)

// KeyFilePurpose binds sealed key files so they cannot be confused with other sealed state.
const KeyFilePurpose = "relayer-signing-key"

var (
	ErrNoKeySource        = errors.New("no relayer key source configured")
	ErrMultipleKeySources = errors.New("exactly one relayer key source must be configured")
	ErrMalformedKey       = errors.New("relayer key is malformed")
	ErrPlainKeyFile       = errors.New("plaintext key files are refused outside local environments")
	ErrForeignFeePayer    = errors.New("transaction fee payer is not the relayer")
	ErrForeignSigner      = errors.New("transaction requires a signer other than the relayer")
)

// Source lists the places the key may come from. Exactly one must be set.
type Source struct {
	PrivateKey     string
	Mnemonic       string
	KeyFile        string
	Passphrase     string
	AllowPlainFile bool
}

// Custodian signs with the relayer key. It never exposes the private scalar.
type Custodian struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

// Load resolves src into a Custodian. Every failure is a *contracts.ConfigurationError.
func Load(src Source) (*Custodian, error) {
	set := 0
	for _, v := range []string{src.PrivateKey, src.Mnemonic, src.KeyFile} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, configErr("relayer_key", ErrNoKeySource)
	case set > 1:
		return nil, configErr("relayer_key", ErrMultipleKeySources)
	}

	var (
		key ed25519.PrivateKey
		err error
	)
	switch {
	case strings.TrimSpace(src.PrivateKey) != "":
		key, err = parsePrivateKey([]byte(strings.TrimSpace(src.PrivateKey)))
		if err != nil {
			return nil, configErr("private_key", err)
		}
	case strings.TrimSpace(src.Mnemonic) != "":
		key, err = keyFromMnemonic(src.Mnemonic, src.Passphrase)
		if err != nil {
			return nil, configErr("mnemonic", err)
		}
	default:
		key, err = keyFromFile(strings.TrimSpace(src.KeyFile), src.Passphrase, src.AllowPlainFile)
		if err != nil {
			return nil, configErr("key_file", err)
		}
	}
	return newCustodian(key), nil
}

// FromPrivateKey wraps an in-memory key; used by tests and local tooling.
func FromPrivateKey(key solana.PrivateKey) (*Custodian, error) {
	parsed, err := checkEd25519(key)
	if err != nil {
		return nil, configErr("private_key", err)
	}
	return newCustodian(parsed), nil
}

func newCustodian(key ed25519.PrivateKey) *Custodian {
	pk := solana.PrivateKey(key)
	return &Custodian{key: pk, pub: pk.PublicKey()}
}

func (c *Custodian) PublicKey() solana.PublicKey {
	return c.pub
}

// Sign replaces tx's signature list with the relayer's signature over the message.
// The message must already name the relayer as fee payer and as its only signer.
func (c *Custodian) Sign(tx *solana.Transaction) error {
	if tx == nil || len(tx.Message.AccountKeys) == 0 || tx.Message.AccountKeys[0] != c.pub {
		return ErrForeignFeePayer
	}
	// Start from an empty list so tx.Sign sizes it to the message's signers.
	tx.Signatures = nil
	_, err := tx.Sign(func(signer solana.PublicKey) *solana.PrivateKey {
		if signer == c.pub {
			return &c.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForeignSigner, err)
	}
	return nil
}

func configErr(field string, err error) error {
	return &contracts.ConfigurationError{Field: field, Err: err}
}

// parsePrivateKey accepts a keygen-style JSON byte array or base58 of a 64-byte
// key or 32-byte seed.
func parsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, ErrMalformedKey
	}
	var decoded []byte
	if raw[0] == '[' {
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return nil, ErrMalformedKey
		}
		decoded = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, ErrMalformedKey
			}
			decoded[i] = byte(v)
		}
	} else {
		var err error
		decoded, err = base58.Decode(string(raw))
		if err != nil {
			return nil, ErrMalformedKey
		}
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return checkEd25519(decoded)
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrMalformedKey, len(decoded))
	}
}

func checkEd25519(key []byte) (ed25519.PrivateKey, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrMalformedKey
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: public half does not match seed", ErrMalformedKey)
	}
	return derived, nil
}

// keyFromMnemonic follows the keygen convention of using the first 32 bytes of
// the BIP-39 seed as the ed25519 seed.
func keyFromMnemonic(mnemonic, passphrase string) (ed25519.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrMalformedKey
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]), nil
}

func keyFromFile(path, passphrase string, allowPlain bool) (ed25519.PrivateKey, error) {
	if passphrase == "" && !allowPlain {
		return nil, ErrPlainKeyFile
	}
	raw, err := securestore.ReadSealedFile(path, passphrase, KeyFilePurpose)
	if err != nil {
		return nil, err
	}
	return parsePrivateKey(raw)
}
