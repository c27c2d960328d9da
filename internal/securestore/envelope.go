package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "CBALENC1\n"

	kdfName       = "argon2id"
	kdfTime       = uint32(2)
	kdfMemoryKB   = uint32(64 * 1024)
	kdfThreads    = uint8(1)
	maxKDFMemory  = uint32(1024 * 1024)
	maxKDFTime    = uint32(16)
	purposeMaxLen = 64
)

var (
	ErrAuthFailed      = errors.New("securestore authentication failed")
	ErrInvalid         = errors.New("securestore envelope is invalid")
	ErrNotSealed       = errors.New("securestore data is not sealed")
	ErrPassphraseEmpty = errors.New("securestore passphrase is empty")
)

// Envelope is the on-disk form. Purpose is bound as associated data so a sealed
// key file cannot be swapped in for a sealed registry file.
type Envelope struct {
	Version     uint32 `json:"version"`
	Purpose     string `json:"purpose"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func Seal(passphrase, purpose string, plaintext []byte) ([]byte, error) {
	env, err := SealEnvelope(passphrase, purpose, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func SealEnvelope(passphrase, purpose string, plaintext []byte) (*Envelope, error) {
	if passphrase == "" {
		return nil, ErrPassphraseEmpty
	}
	if len(purpose) > purposeMaxLen {
		return nil, ErrInvalid
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, kdfTime, kdfMemoryKB, kdfThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:     envelopeVersion,
		Purpose:     purpose,
		KDF:         kdfName,
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(purpose)),
	}, nil
}

func Open(passphrase, purpose string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrNotSealed
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return OpenEnvelope(passphrase, purpose, &env)
}

func OpenEnvelope(passphrase, purpose string, env *Envelope) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrPassphraseEmpty
	}
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	// Reject parameters an attacker could inflate to exhaust memory at startup.
	if env.KDFMemoryKB == 0 || env.KDFMemoryKB > maxKDFMemory || env.KDFTime == 0 || env.KDFTime > maxKDFTime || env.KDFThreads == 0 {
		return nil, ErrInvalid
	}
	if env.Purpose != purpose || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := deriveKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(purpose))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed-file prefix.
func IsSealed(data []byte) bool {
	return strings.HasPrefix(string(data), filePrefix)
}

func deriveKey(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, time, memoryKB, threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
