package falloc

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkvstore/falloc/pkg/fsio"
)

// innerStore is the single mutable struct behind FAlloc's exclusive lock:
// cache period, data-file handle, allocation table, write-back cache, the
// last cache-check timestamp, and the shutdown flag. All other components
// live inside it and are only touched while mu is held.
type innerStore struct {
	mu sync.Mutex

	cachePeriodMs    int64
	dataFile         fsio.File
	table            *AllocationTable
	cache            map[string]*cacheEntry
	lastCacheCheckMs int64
	shutdown         bool
	recovery         bool

	// poisoned is set by withLock's recover() when an operation panics
	// while holding mu. Go has no mutex poisoning to detect; this flag is
	// this store's equivalent signal to the supervisor.
	poisoned atomic.Bool

	now func() int64 // injectable clock, defaults to wallClockMillis
}

func newInnerStore(dataFile fsio.File, table *AllocationTable, cachePeriodMs int64, now func() int64) *innerStore {
	return &innerStore{
		cachePeriodMs: cachePeriodMs,
		dataFile:      dataFile,
		table:         table,
		cache:         make(map[string]*cacheEntry),
		now:           now,
	}
}

// get returns the bytes stored for key, or (nil, false) if absent or
// logically deleted. Must be called with mu held.
func (s *innerStore) get(key string) ([]byte, bool, error) {
	if s.cachePeriodMs != 0 {
		if entry, ok := s.cache[key]; ok {
			entry.lastAccessMs = s.now()

			if len(entry.bytes) == 0 {
				return nil, false, nil
			}

			out := make([]byte, len(entry.bytes))
			copy(out, entry.bytes)

			return out, true, nil
		}
	}

	alloc, ok := s.table.Map[key]
	if !ok {
		return nil, false, nil
	}

	data, err := alloc.ReadAll(s.dataFile)
	if err != nil {
		return nil, false, err
	}

	if s.cachePeriodMs != 0 {
		s.cache[key] = &cacheEntry{lastAccessMs: s.now(), dirty: false, bytes: data}
	}

	if len(data) == 0 {
		return nil, false, nil
	}

	return data, true, nil
}

// set writes-back key with the given bytes (or, if empty, marks it for
// logical delete on next flush). Must be called with mu held.
func (s *innerStore) set(key string, data []byte) {
	if _, ok := s.table.Map[key]; !ok {
		s.table.Map[key] = &Allocation{}
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	s.cache[key] = &cacheEntry{lastAccessMs: s.now(), dirty: true, bytes: buf}
}

// paths returns direct children of prefix (or top-level keys if prefix is
// ""): keys beginning with prefix+"/" containing exactly one more "/" than
// prefix, scanning only the allocation map (never pending cache inserts,
// since set() always installs a placeholder allocation).
func (s *innerStore) paths(prefix string) []string {
	var want string
	if prefix != "" {
		want = prefix + "/"
	}

	baseDepth := strings.Count(want, "/")

	var out []string

	for key := range s.table.Map {
		if prefix != "" && !strings.HasPrefix(key, want) {
			continue
		}

		if prefix == "" && strings.Contains(key, "/") {
			continue
		}

		if strings.Count(key, "/") != baseDepth {
			continue
		}

		out = append(out, key)
	}

	return out
}

// allPaths returns every key beginning with prefix+"/" (or every key if
// prefix is "").
func (s *innerStore) allPaths(prefix string) []string {
	var want string
	if prefix != "" {
		want = prefix + "/"
	}

	var out []string

	for key := range s.table.Map {
		if want != "" && !strings.HasPrefix(key, want) {
			continue
		}

		out = append(out, key)
	}

	return out
}

// deleteSubstructure marks every key beginning with prefix+"/" for logical
// deletion on next flush. prefix itself is never touched.
func (s *innerStore) deleteSubstructure(prefix string) {
	want := prefix + "/"

	for key := range s.table.Map {
		if strings.HasPrefix(key, want) {
			s.set(key, nil)
		}
	}
}
