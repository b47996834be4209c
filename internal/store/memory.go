package store

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV is an in-process KV used by tests and single-node deployments
// without Redis. Expired keys are dropped lazily on access and swept by the
// janitor loop, which has an explicit lifecycle so isolated instances can be
// constructed and torn down per test.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]entry

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]entry)}
}

// StartJanitor begins the periodic sweep of expired keys. Calling it twice
// without an intervening StopJanitor is a no-op.
func (s *MemoryKV) StartJanitor(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.janitorStop != nil {
		return
	}
	s.janitorStop = make(chan struct{})
	s.janitorDone = make(chan struct{})
	go s.janitor(interval, s.janitorStop, s.janitorDone)
}

func (s *MemoryKV) StopJanitor() {
	s.mu.Lock()
	stop, done := s.janitorStop, s.janitorDone
	s.janitorStop, s.janitorDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *MemoryKV) janitor(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryKV) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

// live returns the entry at key if present and unexpired, purging it
// otherwise. Caller must hold mu.
func (s *MemoryKV) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = newEntry(value, ttl)
	return nil
}

func (s *MemoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = newEntry(value, ttl)
	return true, nil
}

func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryKV) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		s.entries[key] = newEntry([]byte("1"), ttl)
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.entries[key] = e
	return n, nil
}

func (s *MemoryKV) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	s.entries[key] = newEntry(next, ttl)
	return true, nil
}

func (s *MemoryKV) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func newEntry(value []byte, ttl time.Duration) entry {
	v := make([]byte, len(value))
	copy(v, value)
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}
