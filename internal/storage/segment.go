package storage

import (
	"sort"
	"sync"
)

// Segment is the in-memory write buffer of the engine.
// It maps keys to values and tracks the total byte length of the values it holds.
type Segment struct {
	entries map[string][]byte
	size    int64 // Sum of len(value), keys not counted
	mu      sync.RWMutex
}

// Entry is one key/value pair of a segment snapshot.
type Entry struct {
	Key   string
	Value []byte
}

// NewSegment creates an empty segment.
func NewSegment() *Segment {
	return &Segment{
		entries: make(map[string][]byte),
	}
}

// newSegmentFrom wraps an already-built entry map, recomputing its size.
func newSegmentFrom(entries map[string][]byte) *Segment {
	s := &Segment{entries: entries}
	for _, v := range entries {
		s.size += int64(len(v))
	}
	return s
}

// Write inserts or replaces the value for key and returns the new size.
func (s *Segment) Write(key string, value []byte) int64 {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.size -= int64(len(old))
	}
	s.entries[key] = v
	s.size += int64(len(v))
	return s.size
}

// Read returns a copy of the value stored for key.
func (s *Segment) Read(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Take moves every entry into a new segment and leaves the receiver empty.
func (s *Segment) Take() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := &Segment{entries: s.entries, size: s.size}
	s.entries = make(map[string][]byte)
	s.size = 0
	return taken
}

// restore puts back entries from a segment that failed to persist.
// Keys written since the swap keep their newer value.
func (s *Segment) restore(from *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range from.entries {
		if _, ok := s.entries[k]; ok {
			continue
		}
		s.entries[k] = v
		s.size += int64(len(v))
	}
}

// Size returns the byte total of the values held.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Len returns the number of keys held.
func (s *Segment) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns the entries sorted by key.
func (s *Segment) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for k, v := range s.entries {
		out = append(out, Entry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
