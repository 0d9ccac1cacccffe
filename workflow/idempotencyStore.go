package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultIdempotencyTTL   = 24 * time.Hour
	MaxIdempotencyKeyLength = 255
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// IdempotencyStore maps an idempotency key to the JSON encoded result of the mutation
// that first used it. MemoryIdempotencyStore only deduplicates inside one process;
// RedisIdempotencyStore is shared by every replica.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

type IdempotencyCacheEntry struct {
	Value     []byte
	ExpiresAt time.Time
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]IdempotencyCacheEntry
	now     func() time.Time

	lifecycle sync.Mutex
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	logger    *logrus.Logger
}

func NewMemoryIdempotencyStore(cleanupInterval time.Duration, logger *logrus.Logger) *MemoryIdempotencyStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryIdempotencyStore{
		entries:  make(map[string]IdempotencyCacheEntry),
		now:      time.Now,
		interval: cleanupInterval,
		logger:   logger,
	}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(entry.ExpiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.Value...), true, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = IdempotencyCacheEntry{
		Value:     append([]byte(nil), value...),
		ExpiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryIdempotencyStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]IdempotencyCacheEntry)
	return nil
}

func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CleanupExpired evicts expired entries and returns how many were removed.
func (s *MemoryIdempotencyStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Start launches the periodic sweep. Calling Start on a running store is a no-op.
func (s *MemoryIdempotencyStore) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.sweep(s.stop, s.done)
}

// Stop halts the sweep and waits for it to exit. Safe to call when not running.
func (s *MemoryIdempotencyStore) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

func (s *MemoryIdempotencyStore) Running() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stop != nil
}

func (s *MemoryIdempotencyStore) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := s.CleanupExpired(); removed > 0 {
				s.logger.WithFields(logrus.Fields{
					"field":   "IdempotencyStore",
					"removed": removed,
				}).Debug("evicted expired idempotency entries")
			}
		}
	}
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
