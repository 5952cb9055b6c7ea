// Package store implements the local hierarchical key-value store (C2):
// the path→Record map, its parallel metadata table, a bounded
// version-history ring per path, prefix scans, and the allSince query the
// anti-entropy engine pulls from. Durability is delegated to the Storage
// collaborator (fsstore.go is the default implementation); the Store here
// owns only the in-memory index, exactly as the teacher's store.Store did
// before persistence is factored out behind an interface.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"gossipkv/internal/clock"
)

// DefaultMaxVersions is the default bound on per-path version history.
const DefaultMaxVersions = 20

// Store is the in-memory index over a durable Storage collaborator. It is
// safe for concurrent use: readers take snapshots, writers hold the
// metadata-table lock only long enough to mutate the maps.
type Store struct {
	mu          sync.RWMutex
	records     map[string]Record
	meta        map[string]Metadata
	history     map[string][]Record // newest-first, bounded to maxVersions
	maxVersions int

	storage Storage
	log     *logrus.Entry

	notify func(path string, rec Record) // subscription hook, wired by Node
}

// Open builds a Store over storage, replaying its persisted state to
// reconstruct the in-memory index (per spec.md §4.2's restart contract).
func Open(storage Storage, maxVersions int) (*Store, error) {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	s := &Store{
		records:     make(map[string]Record),
		meta:        make(map[string]Metadata),
		history:     make(map[string][]Record),
		maxVersions: maxVersions,
		storage:     storage,
		log:         logrus.WithField("component", "store"),
	}

	entries, err := storage.Scan()
	if err != nil {
		return nil, fmt.Errorf("%w: scan on open: %v", ErrStorage, err)
	}
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			s.log.WithError(err).WithField("path", e.Path).Warn("skipping corrupt record on replay")
			continue
		}
		s.records[e.Path] = rec
		s.meta[e.Path] = metadataOf(rec)
		s.history[e.Path] = []Record{rec}
	}
	return s, nil
}

// OnCommit registers the single callback invoked after every durable
// commit, used by the Node facade to wire the SubscriptionManager without
// the Store importing it directly.
func (s *Store) OnCommit(fn func(path string, rec Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Commit unconditionally replaces the current record for path and appends
// it to history. Callers MUST have already resolved rec against any
// existing record through the ConflictResolver — Commit does not re-check
// causality, per spec.md §4.2.
func (s *Store) Commit(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", ErrInvalidValue, err)
	}

	s.mu.Lock()
	if err := s.storage.Put(path, data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.records[path] = rec
	s.meta[path] = metadataOf(rec)
	hist := append([]Record{rec}, s.history[path]...)
	if len(hist) > s.maxVersions {
		hist = hist[:s.maxVersions]
	}
	s.history[path] = hist
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(path, rec)
	}
	return nil
}

// Get returns the value at path, or nil if absent or tombstoned.
func (s *Store) Get(path string) Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	if !ok || rec.Deleted {
		return nil
	}
	return rec.Value
}

// GetRecord returns the full Record at path, including tombstones, for use
// by the ConflictResolver and SyncEngine which must see the complete
// picture (not just the externally-visible value).
func (s *Store) GetRecord(path string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	return rec, ok
}

// Scan returns every (path, record) pair whose path starts with prefix (or
// equals it), in lexicographic order, up to limit entries (0 = unlimited).
// Tombstoned entries are included; callers that want the external get
// semantics should check Record.Deleted.
func (s *Store) Scan(prefix string, limit int) []PathRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		if HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	out := make([]PathRecord, 0, len(paths))
	for _, p := range paths {
		out = append(out, PathRecord{Path: p, Record: s.records[p]})
	}
	return out
}

// HistoryOf returns the newest-first version history for path, at most
// maxVersions entries.
func (s *Store) HistoryOf(path string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.history[path]
	out := make([]Record, len(hist))
	copy(out, hist)
	return out
}

// AllSince returns every (path, record) whose vector clock is not dominated
// by peerClock — i.e. everything the caller (a peer whose last-known state
// is peerClock) might be missing. A nil peerClock matches everything (a
// full sync). If paths is non-empty, the result is restricted to those
// exact paths (a partial sync).
func (s *Store) AllSince(peerClock clock.Clock, paths []string) []PathRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []string
	if len(paths) > 0 {
		candidates = paths
	} else {
		candidates = make([]string, 0, len(s.records))
		for p := range s.records {
			candidates = append(candidates, p)
		}
	}
	sort.Strings(candidates)

	out := make([]PathRecord, 0, len(candidates))
	for _, p := range candidates {
		rec, ok := s.records[p]
		if !ok {
			continue
		}
		if peerClock != nil && peerClock.Dominates(rec.VectorClock) {
			continue
		}
		out = append(out, PathRecord{Path: p, Record: rec})
	}
	return out
}

// Close closes the underlying Storage collaborator.
func (s *Store) Close() error {
	return s.storage.Close()
}
