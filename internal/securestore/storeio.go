package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadSealedFile reads path and opens it with passphrase. When passphrase is
// empty the file is returned as-is, which only local/test deployments allow.
func ReadSealedFile(path, passphrase, purpose string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		if IsSealed(raw) {
			return nil, ErrPassphraseEmpty
		}
		return raw, nil
	}
	return Open(passphrase, purpose, raw)
}

// WriteSealedJSON marshals v, seals it when passphrase is set, and replaces path
// through a temp file rename so readers never observe a torn write.
func WriteSealedJSON(path, passphrase, purpose string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if passphrase != "" {
		payload, err = Seal(passphrase, purpose, payload)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
