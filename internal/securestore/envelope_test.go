package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	data, err := Seal("pass", "relayer-key", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open("pass", "relayer-key", data)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestOpenTamperedFailsDeterministically(t *testing.T) {
	data, err := Seal("pass", "relayer-key", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	_, err = Open("pass", "relayer-key", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsForeignPurpose(t *testing.T) {
	data, err := Seal("pass", "relayer-key", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("pass", "registry", data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for purpose mismatch, got %v", err)
	}
}

func TestOpenRejectsPlainData(t *testing.T) {
	if _, err := Open("pass", "registry", []byte(`{"a":1}`)); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}
}

func TestWriteSealedJSONAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "registry.json")
	if err := WriteSealedJSON(path, "pass", "registry", map[string]int{"n": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %04o", info.Mode().Perm())
	}
	plain, err := ReadSealedFile(path, "pass", "registry")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(plain) != `{"n":3}` {
		t.Fatalf("unexpected payload %q", string(plain))
	}
	if _, err := ReadSealedFile(path, "", "registry"); !errors.Is(err, ErrPassphraseEmpty) {
		t.Fatalf("expected ErrPassphraseEmpty, got %v", err)
	}
}
