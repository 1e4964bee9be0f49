// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// MemoryStore is an in-process KVStore with local TTL sweeping. It is the
// fallback backend and needs no external service.
//
// # Thread Safety
//
// Safe for concurrent use. Update holds a per-key lock for the duration of fn.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	locksMu sync.Mutex
	locks   map[string]*keyLock

	now       func() time.Time
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a store and starts a sweeper that removes expired
// entries every interval. A non-positive interval disables the sweeper;
// expired entries are still invisible to reads.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	return NewMemoryStoreWithClock(interval, time.Now)
}

// NewMemoryStoreWithClock is NewMemoryStore with an injected clock. The clock
// is fixed before the sweeper starts.
func NewMemoryStoreWithClock(interval time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		locks:   make(map[string]*keyLock),
		now:     now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("Swept expired conversations", "count", n)
			}
		}
	}
}

// Sweep deletes expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expires) {
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *MemoryStore) lock(key string) *keyLock {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()
	l.mu.Lock()
	return l
}

func (s *MemoryStore) unlock(key string, l *keyLock) {
	l.mu.Unlock()
	s.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.locksMu.Unlock()
}

func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	l := s.lock(key)
	defer s.unlock(key, l)

	current, err := s.Get(ctx, key)
	if err == ErrKeyNotFound {
		current = nil
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.SetEX(ctx, key, next, ttl)
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.entries {
		if _, ok := s.live(k); ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

var _ KVStore = (*MemoryStore)(nil)
