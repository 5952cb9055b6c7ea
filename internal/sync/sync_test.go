package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gossipkv/internal/clock"
	"gossipkv/internal/peer"
	"gossipkv/internal/store"
	"gossipkv/internal/transport"
)

// memStorage is a hand-rolled in-memory store.Storage test double.
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

// syncDispatch builds a peer.Handler that routes only sync-kind envelopes
// into engine, mirroring the relevant slice of node.handlePeerEnvelope.
func syncDispatch(engine *Engine) peer.Handler {
	return func(sess *peer.Session, env transport.Envelope) {
		switch env.Kind {
		case transport.KindSyncRequest:
			engine.HandleRequest(context.Background(), sess, env)
		case transport.KindSyncResponse:
			engine.HandleResponse(env)
		case transport.KindSyncChunk:
			engine.HandleChunk(env)
		case transport.KindSyncProgress:
			engine.HandleProgress(env)
		case transport.KindSyncComplete:
			engine.HandleComplete(env)
		}
	}
}

func connectedPair(t *testing.T, serverEngine, clientEngine *Engine) (*peer.Registry, *peer.Registry) {
	t.Helper()
	serverRegistry, err := peer.NewRegistry("server", "", 100, syncDispatch(serverEngine), nil)
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", func(w http.ResponseWriter, r *http.Request) {
		_ = serverRegistry.AcceptInbound(r.Context(), w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clientRegistry, err := peer.NewRegistry("client", "client-addr", 100, syncDispatch(clientEngine), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clientRegistry.AddStaticPeer(ctx, srv.URL[len("http://"):])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(clientRegistry.OpenSessions()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return serverRegistry, clientRegistry
}

func TestRunAntiEntropyPullsPeerBacklogInChunks(t *testing.T) {
	serverStore, err := store.Open(newMemStorage(), 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		path := []string{"a", "b", "c", "d", "e"}[i]
		_ = serverStore.Commit(path, store.Record{
			Value: path, VectorClock: clock.Clock{"server": 1}, Timestamp: time.Now(),
		})
	}

	serverEngine := New(Config{ChunkSize: 2}, nil, serverStore, func() clock.Clock { return clock.New() }, nil)

	var applied []string
	clientStore, _ := store.Open(newMemStorage(), 10)
	clientEngine := New(Config{ChunkSize: 2}, nil, clientStore, func() clock.Clock { return clock.New() },
		func(path string, rec store.Record) {
			applied = append(applied, path)
			_ = clientStore.Commit(path, rec)
		})

	_, clientRegistry := connectedPair(t, serverEngine, clientEngine)
	sessions := clientRegistry.OpenSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one open session, got %d", len(sessions))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientEngine.RunAntiEntropy(ctx, sessions[0])

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && clientEngine.StateOf(sessions[0].Addr) == StateInProgress {
		time.Sleep(10 * time.Millisecond)
	}
	for time.Now().Before(deadline) && clientEngine.StateOf(sessions[0].Addr) == StateRequested {
		time.Sleep(10 * time.Millisecond)
	}

	if clientEngine.StateOf(sessions[0].Addr) != StateComplete {
		t.Fatalf("expected sync to complete, state=%s", clientEngine.StateOf(sessions[0].Addr))
	}
	if len(applied) != 5 {
		t.Fatalf("expected all 5 backlog records applied, got %d: %v", len(applied), applied)
	}
}

func TestHandleRequestResumesFromCachedBacklogInsteadOfRecomputing(t *testing.T) {
	serverStore, err := store.Open(newMemStorage(), 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		path := []string{"a", "b", "c", "d"}[i]
		_ = serverStore.Commit(path, store.Record{
			Value: path, VectorClock: clock.Clock{"server": 1}, Timestamp: time.Now(),
		})
	}
	serverEngine := New(Config{ChunkSize: 2}, nil, serverStore, func() clock.Clock { return clock.New() }, nil)

	reqEnv, _ := transport.Encode(transport.KindSyncRequest, transport.SyncRequest{
		RequestID: "req-1", PeerClock: nil,
	})
	var req transport.SyncRequest
	_ = transport.Decode(reqEnv, &req)

	backlog := serverEngine.st.AllSince(req.PeerClock, req.Paths)
	if len(backlog) != 4 {
		t.Fatalf("expected 4 records in the backlog, got %d", len(backlog))
	}

	// Simulate the first attempt having delivered only the first chunk
	// before the connection dropped: seed the serving cache exactly as
	// HandleRequest would after one successful chunk send.
	serverEngine.mu.Lock()
	serverEngine.serving["req-1"] = &servingState{backlog: backlog, chunkSize: 2, nextIndex: 1}
	serverEngine.mu.Unlock()

	resumeEnv, _ := transport.Encode(transport.KindSyncRequest, transport.SyncRequest{
		RequestID: "req-2", PeerClock: nil, ResumeToken: "req-1",
	})
	var resumeReq transport.SyncRequest
	_ = transport.Decode(resumeEnv, &resumeReq)

	serverEngine.mu.Lock()
	prev, ok := serverEngine.serving[resumeReq.ResumeToken]
	serverEngine.mu.Unlock()
	if !ok {
		t.Fatal("expected the resume token to hit the cached serving state")
	}
	if prev.nextIndex != 1 {
		t.Fatalf("expected to resume at chunk index 1, got %d", prev.nextIndex)
	}

	// Serve the resumed request over a live connection: the stream must
	// start at chunk 1 of the cached backlog.
	clientEngine := New(Config{ChunkSize: 2}, nil, nil, func() clock.Clock { return clock.New() }, nil)
	serverRegistry, _ := connectedPair(t, serverEngine, clientEngine)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(serverRegistry.OpenSessions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	serverSessions := serverRegistry.OpenSessions()
	if len(serverSessions) != 1 {
		t.Fatalf("expected exactly one open server-side session, got %d", len(serverSessions))
	}
	pending := &pendingRequest{requestID: "req-2", chunks: make(chan transport.SyncChunk, 8), done: make(chan error, 1)}
	clientEngine.mu.Lock()
	clientEngine.reqs["req-2"] = pending
	clientEngine.mu.Unlock()

	serverEngine.HandleRequest(context.Background(), serverSessions[0], resumeEnv)

	serverEngine.mu.Lock()
	_, stillCached := serverEngine.serving["req-1"]
	serverEngine.mu.Unlock()
	if stillCached {
		t.Fatal("expected HandleRequest to consume the cached serving state")
	}
	select {
	case chunk := <-pending.chunks:
		if chunk.Index != 1 {
			t.Fatalf("expected the resumed stream to start at chunk 1, got %d", chunk.Index)
		}
		if len(chunk.Records) != 2 || chunk.Records[0].Path != backlog[2].Path {
			t.Fatalf("expected the resumed chunk to carry backlog[2:4], got %v", chunk.Records)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the resumed chunk")
	}
}

func TestRunAntiEntropyIsNoopWhileAlreadySyncing(t *testing.T) {
	e := New(Config{}, nil, nil, func() clock.Clock { return clock.New() }, nil)
	addr := "peer-1"
	st := e.stateFor(addr)
	st.mu.Lock()
	st.state = StateInProgress
	st.mu.Unlock()

	sess := &peer.Session{Addr: addr}
	done := make(chan struct{})
	go func() {
		e.RunAntiEntropy(context.Background(), sess)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RunAntiEntropy to return immediately when already syncing")
	}
	if e.StateOf(addr) != StateInProgress {
		t.Fatalf("expected state to remain in-progress, got %s", e.StateOf(addr))
	}
}

func TestStateOfDefaultsToIdle(t *testing.T) {
	e := New(Config{}, nil, nil, func() clock.Clock { return clock.New() }, nil)
	if e.StateOf("never-seen") != StateIdle {
		t.Fatalf("expected idle for an unknown peer, got %s", e.StateOf("never-seen"))
	}
}
