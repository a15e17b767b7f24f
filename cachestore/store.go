/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cachestore

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type storeEntry[K comparable, V any] struct {
	key          K
	value        V
	storedAt     time.Time
	expiresAt    time.Time
	staleUntil   time.Time
	revalidating bool
}

// Store is a bounded LRU store with per-entry TTL and an optional staleness window.
type Store[K comparable, V any] struct {
	maxEntries int

	mu      sync.Mutex
	lruList *list.List
	entries map[K]*list.Element // map of entries, value is a lruList element

	metricsCollector MetricsCollector
}

// New creates a new Store with the provided maximum number of entries and metrics collector.
// Metrics collector is used to collect statistics about store usage.
// It can be nil, in this case, metrics will be disabled.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*Store[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}
	return &Store[K, V]{
		maxEntries:       maxEntries,
		lruList:          list.New(),
		entries:          make(map[K]*list.Element),
		metricsCollector: metricsCollector,
	}, nil
}

// Add stores a value under the key with the given TTL and staleness window.
// An existing entry for the same key is replaced. If the store is full,
// the least recently used entry is evicted.
// A non-zero staleFor keeps the entry retrievable (marked stale) for that long
// past its expiry, supporting stale-while-revalidate serving.
func (s *Store[K, V]) Add(key K, value V, ttl, staleFor time.Duration) {
	now := time.Now()
	entry := &storeEntry[K, V]{
		key:        key,
		value:      value,
		storedAt:   now,
		expiresAt:  now.Add(ttl),
		staleUntil: now.Add(ttl + staleFor),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.lruList.MoveToFront(elem)
		elem.Value = entry
		return
	}

	s.entries[key] = s.lruList.PushFront(entry)
	if len(s.entries) <= s.maxEntries {
		s.metricsCollector.SetAmount(len(s.entries))
		return
	}
	if s.removeOldest() != nil {
		s.metricsCollector.AddEvictions(1)
	}
	s.metricsCollector.SetAmount(len(s.entries))
}

// Get returns the value stored under the key.
// Fresh entries are returned with stale == false. Entries past their expiry but within
// their staleness window are returned with stale == true. Entries past the staleness
// window are removed and reported as missing. Reads don't mutate entries beyond LRU order.
func (s *Store[K, V]) Get(key K) (value V, stale bool, ok bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		s.metricsCollector.IncMisses()
		return value, false, false
	}
	entry := elem.Value.(*storeEntry[K, V])
	if now.After(entry.staleUntil) {
		s.removeElementLocked(elem, entry)
		s.metricsCollector.IncMisses()
		return value, false, false
	}
	s.lruList.MoveToFront(elem)
	if now.After(entry.expiresAt) {
		s.metricsCollector.IncStaleHits()
		return entry.value, true, true
	}
	s.metricsCollector.IncHits()
	return entry.value, false, true
}

// TryMarkRevalidating marks the entry as being revalidated and reports whether the
// caller acquired the revalidation. Exactly one caller per stale entry acquires it;
// the flag is cleared when the entry is replaced via Add or removed.
func (s *Store[K, V]) TryMarkRevalidating(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*storeEntry[K, V])
	if entry.revalidating {
		return false
	}
	entry.revalidating = true
	return true
}

// Remove removes the entry stored under the key.
func (s *Store[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeElementLocked(elem, elem.Value.(*storeEntry[K, V]))
	return true
}

// Purge clears the store. Removed entries are not counted as evictions.
func (s *Store[K, V]) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metricsCollector.SetAmount(0)
	s.entries = make(map[K]*list.Element)
	s.lruList.Init()
}

// Len returns the number of entries in the store.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[K, V]) removeElementLocked(elem *list.Element, entry *storeEntry[K, V]) {
	s.lruList.Remove(elem)
	delete(s.entries, entry.key)
	s.metricsCollector.SetAmount(len(s.entries))
}

func (s *Store[K, V]) removeOldest() *storeEntry[K, V] {
	elem := s.lruList.Back()
	if elem == nil {
		return nil
	}
	entry := elem.Value.(*storeEntry[K, V])
	s.lruList.Remove(elem)
	delete(s.entries, entry.key)
	return entry
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of entries past their staleness window.
// It's supposed to be run in a separate goroutine.
func (s *Store[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, elem := range s.entries {
				entry := elem.Value.(*storeEntry[K, V])
				if now.After(entry.staleUntil) {
					s.lruList.Remove(elem)
					delete(s.entries, key)
				}
			}
			s.metricsCollector.SetAmount(len(s.entries))
			s.mu.Unlock()
		}
	}
}
