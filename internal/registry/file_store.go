package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"confbal/go-backend/internal/contracts"
	"confbal/go-backend/internal/securestore"

	"github.com/gagliardetto/solana-go"
	"github.com/gofrs/flock"
)

const filePurpose = "relayer-registry"

type fileSnapshot struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// FileStore keeps the registry in a single JSON document, optionally sealed
// with a passphrase. Every operation re-reads the file under an advisory lock
// so several processes may share it.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase string
	lock       *flock.Flock
	lockWait   time.Duration
}

func NewFileStore(path, passphrase string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("registry file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return &FileStore{
		path:       path,
		passphrase: passphrase,
		lock:       flock.New(path + ".lock"),
		lockWait:   5 * time.Second,
	}, nil
}

func (s *FileStore) Get(ctx context.Context, key solana.PublicKey) (Record, error) {
	var out Record
	err := s.withLock(ctx, false, func(records map[solana.PublicKey]Record) (bool, error) {
		rec, ok := records[key]
		if !ok {
			return false, contracts.ErrNotFound
		}
		out = rec
		return false, nil
	})
	return out, err
}

func (s *FileStore) Insert(ctx context.Context, rec Record) error {
	return s.withLock(ctx, true, func(records map[solana.PublicKey]Record) (bool, error) {
		if _, ok := records[rec.PublicKey]; ok {
			return false, ErrAlreadyExists
		}
		records[rec.PublicKey] = rec
		return true, nil
	})
}

func (s *FileStore) ListActive(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.withLock(ctx, false, func(records map[solana.PublicKey]Record) (bool, error) {
		out = activeSorted(records)
		return false, nil
	})
	return out, err
}

func (s *FileStore) SetActive(ctx context.Context, key solana.PublicKey, active bool) error {
	return s.withLock(ctx, true, func(records map[solana.PublicKey]Record) (bool, error) {
		rec, ok := records[key]
		if !ok {
			return false, contracts.ErrNotFound
		}
		if rec.Active == active {
			return false, nil
		}
		rec.Active = active
		records[key] = rec
		return true, nil
	})
}

func (s *FileStore) Commit(ctx context.Context, key solana.PublicKey, id ID) error {
	return s.withLock(ctx, true, func(records map[solana.PublicKey]Record) (bool, error) {
		rec, ok := records[key]
		if !ok || rec.ID != id {
			return false, contracts.ErrNotFound
		}
		if !rec.Pending {
			return false, nil
		}
		rec.Pending = false
		records[key] = rec
		return true, nil
	})
}

func (s *FileStore) Release(ctx context.Context, key solana.PublicKey, id ID) error {
	return s.withLock(ctx, true, func(records map[solana.PublicKey]Record) (bool, error) {
		rec, ok := records[key]
		if !ok || !rec.Pending || rec.ID != id {
			return false, nil
		}
		delete(records, key)
		return true, nil
	})
}

// withLock loads the snapshot, runs fn, and persists when fn reports a change.
func (s *FileStore) withLock(ctx context.Context, write bool, fn func(map[solana.PublicKey]Record) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	var (
		locked bool
		err    error
	)
	if write {
		locked, err = s.lock.TryLockContext(lockCtx, 20*time.Millisecond)
	} else {
		locked, err = s.lock.TryRLockContext(lockCtx, 20*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("lock registry file: %w", err)
	}
	if !locked {
		return errors.New("lock registry file: not acquired")
	}
	defer func() { _ = s.lock.Unlock() }()

	records, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return s.persist(records)
}

func (s *FileStore) load() (map[solana.PublicKey]Record, error) {
	records := make(map[solana.PublicKey]Record)
	raw, err := securestore.ReadSealedFile(s.path, s.passphrase, filePurpose)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode registry file: %w", err)
	}
	for _, rec := range snap.Records {
		records[rec.PublicKey] = rec
	}
	return records, nil
}

func (s *FileStore) persist(records map[solana.PublicKey]Record) error {
	snap := fileSnapshot{Version: 1, Records: make([]Record, 0, len(records))}
	for _, rec := range records {
		snap.Records = append(snap.Records, rec)
	}
	return securestore.WriteSealedJSON(s.path, s.passphrase, filePurpose, snap)
}
