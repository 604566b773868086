package falloc

// cacheEntry is a deferred write or hot read for one key.
//
// An empty Bytes payload encodes a pending logical delete. A Dirty entry
// with empty Bytes means "delete on next flush"; a non-dirty entry with
// empty Bytes should never be observed (get() must treat it as "not found"
// before it's ever inserted that way).
type cacheEntry struct {
	lastAccessMs int64
	dirty        bool
	bytes        []byte
}

// cacheCheckIntervalMs bounds the per-call overhead of flushCache: unless
// forced, a call within this many milliseconds of the last check is a no-op.
const cacheCheckIntervalMs = 100

// flushCache writes back dirty entries older than cachePeriodMs (every dirty
// entry, whatever its age, when force is set) and evicts entries (dirty or
// not) that have aged past it. Returns the "now" timestamp
// used, so callers can thread it through without re-reading the clock twice.
//
// Must be called with the inner lock held.
func (s *innerStore) flushCache(now int64, force bool) (int64, error) {
	if !force && s.cachePeriodMs != 0 && now-s.lastCacheCheckMs < cacheCheckIntervalMs {
		return now, nil
	}

	s.lastCacheCheckMs = now

	for key, entry := range s.cache {
		if entry.dirty && (force || now-entry.lastAccessMs >= s.cachePeriodMs) {
			alloc := s.table.Map[key]
			if alloc == nil {
				alloc = &Allocation{}
				s.table.Map[key] = alloc
			}

			if err := s.table.SetLength(alloc, s.dataFile, uint64(len(entry.bytes))); err != nil {
				return now, err
			}

			if err := alloc.WriteAll(s.dataFile, entry.bytes); err != nil {
				return now, err
			}

			entry.dirty = false

			if alloc.FullSize == 0 {
				delete(s.table.Map, key)
				entry.lastAccessMs = 0
			}
		}
	}

	for key, entry := range s.cache {
		if now-entry.lastAccessMs >= s.cachePeriodMs {
			delete(s.cache, key)
		}
	}

	return now, nil
}
