package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It backs tests and
// single-node deployments without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	blocks  map[string]memBlock
	tarpits map[string]time.Time // expiry
	freqs   map[string][]time.Time
	hops    map[string]memHops

	now func() time.Time // test hook
}

type memBlock struct {
	rec     BlockRecord
	expires time.Time
}

type memHops struct {
	count   int64
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:  make(map[string]memBlock),
		tarpits: make(map[string]time.Time),
		freqs:   make(map[string][]time.Time),
		hops:    make(map[string]memHops),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CheckBlock(_ context.Context, ip string) (*BlockRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[ip]
	if !ok || s.now().After(b.expires) {
		delete(s.blocks, ip)
		return nil, false, nil
	}
	rec := b.rec
	return &rec, true, nil
}

func (s *MemoryStore) PutBlock(_ context.Context, rec BlockRecord, ttl time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	effective := ttl
	if b, ok := s.blocks[rec.IP]; ok {
		if remaining := b.expires.Sub(now); remaining > effective {
			effective = remaining
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now.UTC()
	}
	rec.ExpiresAt = now.UTC().Add(effective)
	s.blocks[rec.IP] = memBlock{rec: rec, expires: now.Add(effective)}
	return effective, nil
}

func (s *MemoryStore) RemoveBlock(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, ip)
	return nil
}

func (s *MemoryStore) ListBlocks(_ context.Context) ([]BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var records []BlockRecord
	for ip, b := range s.blocks {
		if now.After(b.expires) {
			delete(s.blocks, ip)
			continue
		}
		records = append(records, b.rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].IP < records[j].IP })
	return records, nil
}

func (s *MemoryStore) MarkTarpit(_ context.Context, ip string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tarpits[ip] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) InTarpit(_ context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.tarpits[ip]
	if !ok || s.now().After(exp) {
		delete(s.tarpits, ip)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) RecordRequest(_ context.Context, ip string, at time.Time, window time.Duration) (Frequency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-window)
	kept := s.freqs[ip][:0]
	for _, t := range s.freqs[ip] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}

	freq := Frequency{Count: int64(len(kept))}
	if n := len(kept); n > 0 {
		gap := at.Sub(kept[n-1])
		if gap < 0 {
			gap = 0
		}
		freq.SincePrevious = gap
		freq.HasPrevious = true
	}

	s.freqs[ip] = append(kept, at)
	return freq, nil
}

func (s *MemoryStore) IncrHops(_ context.Context, ip string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	h, ok := s.hops[ip]
	if !ok || now.After(h.expires) {
		h = memHops{expires: now.Add(window)}
	}
	h.count++
	s.hops[ip] = h
	return h.count, nil
}

func (s *MemoryStore) Hops(_ context.Context, ip string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hops[ip]
	if !ok || s.now().After(h.expires) {
		delete(s.hops, ip)
		return 0, nil
	}
	return h.count, nil
}

func (s *MemoryStore) Close() error { return nil }
