package registry

import (
	"context"
	"sort"
	"sync"

	"confbal/go-backend/internal/contracts"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore keeps records for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[solana.PublicKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[solana.PublicKey]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key solana.PublicKey) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, contracts.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.PublicKey]; ok {
		return ErrAlreadyExists
	}
	s.records[rec.PublicKey] = rec
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeSorted(s.records), nil
}

func (s *MemoryStore) SetActive(_ context.Context, key solana.PublicKey, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return contracts.ErrNotFound
	}
	rec.Active = active
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, key solana.PublicKey, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || rec.ID != id {
		return contracts.ErrNotFound
	}
	rec.Pending = false
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key solana.PublicKey, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && rec.Pending && rec.ID == id {
		delete(s.records, key)
	}
	return nil
}

func activeSorted(records map[solana.PublicKey]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.Active && !rec.Pending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
