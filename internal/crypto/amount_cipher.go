package crypto

import (
	"fmt"

	"confbal/go-backend/internal/contracts"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

const (
	NonceSize      = 16
	CiphertextSize = fr.Bytes

	hkdfInfoCipherKey = "confbal/amount-cipher/key/v1"
)

type Nonce [NonceSize]byte

type Ciphertext [CiphertextSize]byte

// Encrypt masks each value with a MiMC keystream block derived from
// (key, nonce, index). The result is a field element per value.
// Encrypt and Decrypt keep no state; the caller owns nonce freshness.
func Encrypt(values []uint64, nonce Nonce, secret SharedSecret) ([]Ciphertext, error) {
	key := cipherKey(secret)
	out := make([]Ciphertext, len(values))
	for i, v := range values {
		ks, err := keystream(&key, nonce, uint64(i))
		if err != nil {
			return nil, err
		}
		var c fr.Element
		c.SetUint64(v)
		c.Add(&c, &ks)
		out[i] = Ciphertext(c.Bytes())
	}
	return out, nil
}

// Decrypt reverses Encrypt. Any length, encoding or range mismatch yields a
// *contracts.DecryptionError; the balance must then be treated as unreadable.
func Decrypt(ciphertexts [][]byte, nonce []byte, secret SharedSecret) ([]uint64, error) {
	if len(nonce) != NonceSize {
		return nil, &contracts.DecryptionError{Reason: fmt.Sprintf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	var n Nonce
	copy(n[:], nonce)
	key := cipherKey(secret)

	out := make([]uint64, len(ciphertexts))
	for i, raw := range ciphertexts {
		if len(raw) != CiphertextSize {
			return nil, &contracts.DecryptionError{Reason: fmt.Sprintf("ciphertext %d must be %d bytes, got %d", i, CiphertextSize, len(raw))}
		}
		var c fr.Element
		if err := c.SetBytesCanonical(raw); err != nil {
			return nil, &contracts.DecryptionError{Reason: fmt.Sprintf("ciphertext %d is not a field element", i)}
		}
		ks, err := keystream(&key, n, uint64(i))
		if err != nil {
			return nil, err
		}
		c.Sub(&c, &ks)
		// A wrong secret or nonce lands outside the u64 range with overwhelming probability.
		if !c.IsUint64() {
			return nil, &contracts.DecryptionError{Reason: "plaintext out of range (secret or nonce mismatch)"}
		}
		out[i] = c.Uint64()
	}
	return out, nil
}

// EncryptOne is the single-balance form used by the coordinator.
func EncryptOne(value uint64, nonce Nonce, secret SharedSecret) (Ciphertext, error) {
	cts, err := Encrypt([]uint64{value}, nonce, secret)
	if err != nil {
		return Ciphertext{}, err
	}
	return cts[0], nil
}

func DecryptOne(ciphertext []byte, nonce []byte, secret SharedSecret) (uint64, error) {
	values, err := Decrypt([][]byte{ciphertext}, nonce, secret)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func cipherKey(secret SharedSecret) fr.Element {
	raw := kdf32(secret[:], []byte(hkdfInfoCipherKey))
	defer zeroBytes(raw)
	var key fr.Element
	key.SetBytes(raw)
	return key
}

func keystream(key *fr.Element, nonce Nonce, index uint64) (fr.Element, error) {
	var nonceElem, counter fr.Element
	nonceElem.SetBytes(nonce[:])
	counter.SetUint64(index)

	h := mimc.NewMiMC()
	for _, e := range []*fr.Element{key, &nonceElem, &counter} {
		block := e.Bytes()
		if _, err := h.Write(block[:]); err != nil {
			return fr.Element{}, err
		}
	}
	var ks fr.Element
	ks.SetBytes(h.Sum(nil))
	return ks, nil
}

// EncryptedBalance is a ciphertext together with the nonce it was produced under.
// The two are only ever stored and passed as a pair.
type EncryptedBalance struct {
	Ciphertext Ciphertext
	Nonce      Nonce
}

// SealBalance encrypts value under a caller-supplied fresh nonce.
func SealBalance(value uint64, nonce Nonce, secret SharedSecret) (EncryptedBalance, error) {
	ct, err := EncryptOne(value, nonce, secret)
	if err != nil {
		return EncryptedBalance{}, err
	}
	return EncryptedBalance{Ciphertext: ct, Nonce: nonce}, nil
}

func (b EncryptedBalance) Open(secret SharedSecret) (uint64, error) {
	return DecryptOne(b.Ciphertext[:], b.Nonce[:], secret)
}
