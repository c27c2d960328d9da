package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyDerivationMessage is the fixed text a user's wallet signs to derive its
// confidential-balance key pair. Changing it orphans every existing balance.
const KeyDerivationMessage = "confbal/derive-balance-key/v1"

const (
	PrivateKeySize = curve25519.ScalarSize
	PublicKeySize  = curve25519.PointSize

	hkdfInfoUserKey = "confbal/user/x25519/v1"
)

var (
	ErrInvalidSignature = errors.New("wallet signature is required to derive key material")
	ErrInvalidPeerKey   = errors.New("invalid peer key")
)

// SharedSecret is the raw X25519 output between a user key and the MPC cluster key.
type SharedSecret [32]byte

// KeyMaterial is a user's static X25519 pair. It lives in memory for the session only.
type KeyMaterial struct {
	private [PrivateKeySize]byte
	public  [PublicKeySize]byte
}

// DeriveKeyMaterial turns a wallet signature over KeyDerivationMessage into a key pair.
// The same signature always yields the same pair.
func DeriveKeyMaterial(signature []byte) (*KeyMaterial, error) {
	if len(signature) == 0 {
		return nil, ErrInvalidSignature
	}
	reader := hkdf.New(sha256.New, signature, nil, []byte(hkdfInfoUserKey))
	var scalar [PrivateKeySize]byte
	if _, err := io.ReadFull(reader, scalar[:]); err != nil {
		return nil, err
	}
	return newKeyMaterial(scalar)
}

// GenerateKeyMaterial creates a random pair, used for the cluster key in local setups and tests.
func GenerateKeyMaterial() (*KeyMaterial, error) {
	var scalar [PrivateKeySize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, err
	}
	return newKeyMaterial(scalar)
}

// KeyMaterialFromPrivate rebuilds a pair from a raw scalar.
func KeyMaterialFromPrivate(private []byte) (*KeyMaterial, error) {
	if len(private) != PrivateKeySize {
		return nil, ErrInvalidPeerKey
	}
	var scalar [PrivateKeySize]byte
	copy(scalar[:], private)
	return newKeyMaterial(scalar)
}

func newKeyMaterial(scalar [PrivateKeySize]byte) (*KeyMaterial, error) {
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	km := &KeyMaterial{private: scalar}
	copy(km.public[:], pub)
	return km, nil
}

func (k *KeyMaterial) PublicKey() [PublicKeySize]byte {
	return k.public
}

// SharedSecret runs ECDH against the cluster's public key.
func (k *KeyMaterial) SharedSecret(clusterPublic []byte) (SharedSecret, error) {
	return DeriveSharedSecret(k.private[:], clusterPublic)
}

// Wipe zeroes the private scalar.
func (k *KeyMaterial) Wipe() {
	if k == nil {
		return
	}
	zeroBytes(k.private[:])
}

// DeriveSharedSecret is plain X25519. It rejects low-order points.
func DeriveSharedSecret(private, peerPublic []byte) (SharedSecret, error) {
	if len(private) != PrivateKeySize || len(peerPublic) != PublicKeySize {
		return SharedSecret{}, ErrInvalidPeerKey
	}
	out, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return SharedSecret{}, ErrInvalidPeerKey
	}
	var secret SharedSecret
	copy(secret[:], out)
	return secret, nil
}

// NewNonce draws a fresh 16-byte nonce. Every mutating operation needs its own.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
