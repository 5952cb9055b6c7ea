package store

import (
	"testing"
	"time"

	"gossipkv/internal/clock"
)

// memStorage is a hand-rolled in-memory Storage test double, standing in
// for FileStorage so store_test.go never touches the filesystem.
type memStorage struct {
	data map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) Get(path string) ([]byte, bool, error) {
	d, ok := m.data[path]
	return d, ok, nil
}

func (m *memStorage) Put(path string, data []byte) error {
	m.data[path] = data
	return nil
}

func (m *memStorage) Del(path string) error {
	delete(m.data, path)
	return nil
}

func (m *memStorage) Scan() ([]StorageEntry, error) {
	out := make([]StorageEntry, 0, len(m.data))
	for p, d := range m.data {
		out = append(out, StorageEntry{Path: p, Data: d})
	}
	return out, nil
}

func (m *memStorage) Close() error { return nil }

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(newMemStorage(), 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestCommitThenGet(t *testing.T) {
	s := mustOpen(t)
	rec := Record{Value: "hello", VectorClock: clock.Clock{"n1": 1}, Origin: "n1", Timestamp: time.Now()}
	if err := s.Commit("greeting", rec); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("greeting"); got != "hello" {
		t.Fatalf("expected hello, got %v", got)
	}
}

func TestGetReturnsNilForTombstone(t *testing.T) {
	s := mustOpen(t)
	rec := Record{Deleted: true, VectorClock: clock.Clock{"n1": 1}, Origin: "n1", Timestamp: time.Now()}
	_ = s.Commit("gone", rec)
	if got := s.Get("gone"); got != nil {
		t.Fatalf("expected nil for a tombstoned path, got %v", got)
	}
}

func TestGetRecordSeesTombstones(t *testing.T) {
	s := mustOpen(t)
	rec := Record{Deleted: true, VectorClock: clock.Clock{"n1": 1}, Origin: "n1", Timestamp: time.Now()}
	_ = s.Commit("gone", rec)
	got, ok := s.GetRecord("gone")
	if !ok || !got.Deleted {
		t.Fatalf("expected GetRecord to return the tombstone, got %v ok=%v", got, ok)
	}
}

func TestScanFiltersByPrefixAndSortsLexicographically(t *testing.T) {
	s := mustOpen(t)
	for _, p := range []string{"users/2", "users/1", "orders/1"} {
		_ = s.Commit(p, Record{Value: p, VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})
	}

	got := s.Scan("users", 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Path != "users/1" || got[1].Path != "users/2" {
		t.Fatalf("expected lexicographic order, got %v, %v", got[0].Path, got[1].Path)
	}
}

func TestScanRespectsLimit(t *testing.T) {
	s := mustOpen(t)
	for _, p := range []string{"a", "b", "c"} {
		_ = s.Commit(p, Record{Value: p, VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})
	}
	got := s.Scan("", 2)
	if len(got) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(got))
	}
}

func TestHistoryOfIsBoundedAndNewestFirst(t *testing.T) {
	s := mustOpen(t) // maxVersions = 3
	for i := 1; i <= 5; i++ {
		_ = s.Commit("p", Record{Value: i, VectorClock: clock.Clock{"n1": uint64(i)}, Timestamp: time.Now()})
	}
	hist := s.HistoryOf("p")
	if len(hist) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(hist))
	}
	if hist[0].Value != 5 {
		t.Fatalf("expected newest-first, got %v", hist[0].Value)
	}
}

func TestAllSinceExcludesRecordsThePeerAlreadyDominates(t *testing.T) {
	s := mustOpen(t)
	_ = s.Commit("known", Record{Value: "a", VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})
	_ = s.Commit("unknown", Record{Value: "b", VectorClock: clock.Clock{"n1": 5}, Timestamp: time.Now()})

	peerClock := clock.Clock{"n1": 2}
	got := s.AllSince(peerClock, nil)

	if len(got) != 1 || got[0].Path != "unknown" {
		t.Fatalf("expected only 'unknown' (peer clock doesn't dominate it), got %v", got)
	}
}

func TestAllSinceWithNilClockReturnsEverything(t *testing.T) {
	s := mustOpen(t)
	_ = s.Commit("a", Record{Value: 1, VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})
	_ = s.Commit("b", Record{Value: 2, VectorClock: clock.Clock{"n1": 2}, Timestamp: time.Now()})

	got := s.AllSince(nil, nil)
	if len(got) != 2 {
		t.Fatalf("expected a full sync to return everything, got %d", len(got))
	}
}

func TestAllSinceRestrictsToRequestedPaths(t *testing.T) {
	s := mustOpen(t)
	_ = s.Commit("a", Record{Value: 1, VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})
	_ = s.Commit("b", Record{Value: 2, VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})

	got := s.AllSince(nil, []string{"a"})
	if len(got) != 1 || got[0].Path != "a" {
		t.Fatalf("expected only the requested path, got %v", got)
	}
}

func TestOnCommitNotifiesAfterDurableWrite(t *testing.T) {
	s := mustOpen(t)
	var notifiedPath string
	s.OnCommit(func(path string, rec Record) { notifiedPath = path })

	_ = s.Commit("p", Record{Value: "x", VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})
	if notifiedPath != "p" {
		t.Fatalf("expected the commit hook to fire with path 'p', got %q", notifiedPath)
	}
}

func TestOpenReplaysExistingStorage(t *testing.T) {
	backing := newMemStorage()
	s1, err := Open(backing, 3)
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Commit("p", Record{Value: "x", VectorClock: clock.Clock{"n1": 1}, Timestamp: time.Now()})

	s2, err := Open(backing, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Get("p"); got != "x" {
		t.Fatalf("expected the second Store to replay persisted state, got %v", got)
	}
}
