package limiter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryWindowStore implements WindowStore in process memory.
// A single mutex serialises every Hit, which gives the same atomicity the Lua
// script gives on Redis, but only within one process: use it for a single
// gateway instance or in tests.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	entries   []windowEntry // ordered by score
	expiresAt time.Time
}

type windowEntry struct {
	score  int64 // unix millis
	member string
}

// NewMemoryWindowStore creates a new in-memory sliding-window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]*memoryWindow)}
}

// Hit implements WindowStore.
func (s *MemoryWindowStore) Hit(_ context.Context, key, member string, now time.Time, window time.Duration, limit int) (WindowResult, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{}
		s.windows[key] = w
	}

	// prune everything scored at or before the cutoff
	keep := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].score > cutoff })
	w.entries = w.entries[keep:]

	// sorted-set semantics: re-adding a member updates its score
	for i := range w.entries {
		if w.entries[i].member == member {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			break
		}
	}
	pos := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].score > nowMs })
	w.entries = append(w.entries, windowEntry{})
	copy(w.entries[pos+1:], w.entries[pos:])
	w.entries[pos] = windowEntry{score: nowMs, member: member}

	w.expiresAt = now.Add(windowTTL(window))

	count := int64(len(w.entries))
	return WindowResult{Allowed: count <= int64(limit), Count: count}, nil
}

// Sweep drops keys whose expiry has passed and returns how many were removed.
func (s *MemoryWindowStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}

var _ WindowStore = (*MemoryWindowStore)(nil)
