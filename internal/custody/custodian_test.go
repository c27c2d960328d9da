package custody

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/securestore"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func keygenJSON(t *testing.T, key solana.PrivateKey) string {
	t.Helper()
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(raw)
}

func TestLoadPrivateKeyFormats(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	cases := map[string]string{
		"base58_full": base58.Encode(key),
		"base58_seed": base58.Encode(key[:ed25519.SeedSize]),
		"json_array":  keygenJSON(t, key),
	}
	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := Load(Source{PrivateKey: encoded})
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if c.PublicKey() != key.PublicKey() {
				t.Fatalf("public key mismatch: got %s want %s", c.PublicKey(), key.PublicKey())
			}
		})
	}
}

func TestLoadRejectsBadSources(t *testing.T) {
	cases := map[string]Source{
		"none":          {},
		"two_sources":   {PrivateKey: "x", Mnemonic: testMnemonic},
		"bad_base58":    {PrivateKey: "0OIl"},
		"short_key":     {PrivateKey: base58.Encode([]byte{1, 2, 3})},
		"bad_json":      {PrivateKey: "[1,2,"},
		"byte_overflow": {PrivateKey: "[256]"},
		"bad_mnemonic":  {Mnemonic: "not a real mnemonic phrase"},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(src)
			var cfgErr *contracts.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestLoadRejectsMismatchedPublicHalf(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	other, _ := solana.NewRandomPrivateKey()
	forged := append(append([]byte(nil), key[:32]...), other[32:]...)
	if _, err := Load(Source{PrivateKey: base58.Encode(forged)}); err == nil {
		t.Fatal("expected mismatched key to be rejected")
	}
}

func TestLoadMnemonicIsDeterministic(t *testing.T) {
	a, err := Load(Source{Mnemonic: testMnemonic})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := Load(Source{Mnemonic: "  abandon abandon abandon abandon abandon abandon\nabandon abandon abandon abandon abandon about "})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.PublicKey() != b.PublicKey() {
		t.Fatal("expected whitespace-normalized mnemonic to derive the same key")
	}
	c, err := Load(Source{Mnemonic: testMnemonic, Passphrase: "extra"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.PublicKey() == c.PublicKey() {
		t.Fatal("expected passphrase to change derived key")
	}
}

func TestLoadKeyFile(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	dir := t.TempDir()

	sealedPath := filepath.Join(dir, "relayer.key")
	sealed, err := securestore.Seal("pass", KeyFilePurpose, []byte(base58.Encode(key)))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := os.WriteFile(sealedPath, sealed, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(Source{KeyFile: sealedPath, Passphrase: "pass"})
	if err != nil {
		t.Fatalf("Load sealed: %v", err)
	}
	if c.PublicKey() != key.PublicKey() {
		t.Fatal("sealed key file loaded wrong key")
	}
	if _, err := Load(Source{KeyFile: sealedPath, Passphrase: "wrong"}); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}

	plainPath := filepath.Join(dir, "plain.json")
	if err := os.WriteFile(plainPath, []byte(keygenJSON(t, key)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(Source{KeyFile: plainPath}); !errors.Is(err, ErrPlainKeyFile) {
		t.Fatalf("expected ErrPlainKeyFile, got %v", err)
	}
	c, err = Load(Source{KeyFile: plainPath, AllowPlainFile: true})
	if err != nil {
		t.Fatalf("Load plain: %v", err)
	}
	if c.PublicKey() != key.PublicKey() {
		t.Fatal("plain key file loaded wrong key")
	}
}

func TestSignProducesSingleValidSignature(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	c, err := FromPrivateKey(key)
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	dest := solana.NewWallet().PublicKey()
	ix := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(c.PublicKey()).WRITE().SIGNER(),
		solana.Meta(dest).WRITE(),
	}, []byte{2, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0})
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1}, solana.TransactionPayer(c.PublicKey()))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tx.Signatures = []solana.Signature{{9}, {9}}

	if err := c.Sign(tx); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(tx.Signatures) != 1 {
		t.Fatalf("expected one signature, got %d", len(tx.Signatures))
	}
	msg, _ := tx.Message.MarshalBinary()
	if !tx.Signatures[0].Verify(c.PublicKey(), msg) {
		t.Fatal("signature does not verify")
	}
}

func TestSignRefusesForeignFeePayer(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	c, _ := FromPrivateKey(key)
	other := solana.NewWallet().PublicKey()
	ix := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(other).WRITE().SIGNER(),
	}, []byte{0})
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1}, solana.TransactionPayer(other))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if err := c.Sign(tx); !errors.Is(err, ErrForeignFeePayer) {
		t.Fatalf("expected ErrForeignFeePayer, got %v", err)
	}
}

func TestSignRefusesCoSignedTransaction(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	c, _ := FromPrivateKey(key)
	other := solana.NewWallet().PublicKey()
	ix := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
		solana.Meta(c.PublicKey()).WRITE().SIGNER(),
		solana.Meta(other).WRITE().SIGNER(),
	}, []byte{0})
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1}, solana.TransactionPayer(c.PublicKey()))
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if err := c.Sign(tx); !errors.Is(err, ErrForeignSigner) {
		t.Fatalf("expected ErrForeignSigner, got %v", err)
	}
	if len(tx.Signatures) != 0 {
		t.Fatalf("a refused transaction must carry no signature, got %d", len(tx.Signatures))
	}
}
