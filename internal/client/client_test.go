package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"gossipkv/internal/api"
	"gossipkv/internal/config"
	"gossipkv/internal/node"
	"gossipkv/internal/store"
)

type memStorage struct {
	data map[string][]byte
}

func newMemStorage() *memStorage { return &memStorage{data: make(map[string][]byte)} }

func (m *memStorage) Get(path string) ([]byte, bool, error) {
	d, ok := m.data[path]
	return d, ok, nil
}
func (m *memStorage) Put(path string, data []byte) error { m.data[path] = data; return nil }
func (m *memStorage) Del(path string) error               { delete(m.data, path); return nil }
func (m *memStorage) Scan() ([]store.StorageEntry, error) {
	out := make([]store.StorageEntry, 0, len(m.data))
	for p, d := range m.data {
		out = append(out, store.StorageEntry{Path: p, Data: d})
	}
	return out, nil
}
func (m *memStorage) Close() error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.NodeID = "test-node"
	n, err := node.New(node.Options{NodeID: cfg.NodeID, Cfg: cfg, Storage: newMemStorage()})
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	api.NewHandler(n).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPutThenGet(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)

	if _, err := c.Put(context.Background(), "users/1", "alice"); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(context.Background(), "users/1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != "alice" {
		t.Fatalf("expected alice, got %v", got.Value)
	}
}

func TestClientGetMissingReturnsErrNotFound(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)

	_, err := c.Get(context.Background(), "nope")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientDeleteThenGetIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)

	_, _ = c.Put(context.Background(), "x", "y")
	if err := c.Delete(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestClientScanReturnsEntries(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)

	_, _ = c.Put(context.Background(), "users/1", "a")
	_, _ = c.Put(context.Background(), "users/2", "b")

	entries, err := c.Scan(context.Background(), "users", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestClientSetConflictStrategy(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)
	if err := c.SetConflictStrategy(context.Background(), "users", "last-write-wins"); err != nil {
		t.Fatal(err)
	}
}

func TestClientRunAntiEntropyAgainstNoPeersSucceeds(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)
	if err := c.RunAntiEntropy(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestClientAPIErrorCarriesStatusAndMessage(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, 2*time.Second)

	_, err := c.Put(context.Background(), "", "x")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected an *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != 400 {
		t.Fatalf("expected 400, got %d", apiErr.Status)
	}
}
