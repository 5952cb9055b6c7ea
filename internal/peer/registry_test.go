package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gossipkv/internal/transport"
)

func waitForOpenSession(t *testing.T, r *Registry, timeout time.Duration) *Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sessions := r.OpenSessions(); len(sessions) > 0 {
			return sessions[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for an open session")
	return nil
}

func newTestServer(t *testing.T, registry *Registry) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", func(w http.ResponseWriter, r *http.Request) {
		if err := registry.AcceptInbound(r.Context(), w, r); err != nil {
			t.Logf("accept inbound: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func hostPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u := srv.URL
	return u[len("http://"):]
}

func TestHandshakeEstablishesOpenSessionOnBothSides(t *testing.T) {
	serverRegistry, err := NewRegistry("server-node", "", 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, serverRegistry)
	addr := hostPort(t, srv)

	clientRegistry, err := NewRegistry("client-node", "client-addr", 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientRegistry.AddStaticPeer(ctx, addr)

	clientSess := waitForOpenSession(t, clientRegistry, 2*time.Second)
	if clientSess.PeerID != "server-node" {
		t.Fatalf("expected client session to see the server's node id, got %q", clientSess.PeerID)
	}

	serverSess := waitForOpenSession(t, serverRegistry, 2*time.Second)
	if serverSess.PeerID != "client-node" {
		t.Fatalf("expected server session to see the client's node id, got %q", serverSess.PeerID)
	}
}

func TestSelfConnectionIsRejected(t *testing.T) {
	serverRegistry, err := NewRegistry("same-id", "", 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, serverRegistry)
	addr := hostPort(t, srv)

	clientRegistry, err := NewRegistry("same-id", "client-addr", 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientRegistry.AddStaticPeer(ctx, addr)

	time.Sleep(200 * time.Millisecond)
	if sessions := clientRegistry.OpenSessions(); len(sessions) != 0 {
		t.Fatalf("expected self-connection to never open, got %d open sessions", len(sessions))
	}
}

func TestAcceptInboundRejectsRacingDialWhenOutboundAlreadyOpen(t *testing.T) {
	serverRegistry, err := NewRegistry("server-node", "", 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, serverRegistry)
	addr := hostPort(t, srv)

	// Seed a fake, already-open OUTBOUND session at the dialing client's
	// advertised address, simulating this node having won a race by
	// already dialing out to that peer before its inbound attempt arrives.
	existing := newSession("client-addr", "server-node", "", DirectionOutbound, nil)
	existing.setState(StateOpen)
	serverRegistry.mu.Lock()
	serverRegistry.sessions["client-addr"] = existing
	serverRegistry.mu.Unlock()

	clientRegistry, err := NewRegistry("client-node", "client-addr", 100, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientRegistry.AddStaticPeer(ctx, addr)

	time.Sleep(300 * time.Millisecond)

	serverRegistry.mu.RLock()
	sess := serverRegistry.sessions["client-addr"]
	serverRegistry.mu.RUnlock()
	if sess != existing {
		t.Fatal("expected the existing outbound session to survive the racing inbound dial")
	}
	if sess.State() != StateOpen {
		t.Fatalf("expected the surviving outbound session to remain open, got %s", sess.State())
	}
}

func TestSeenBeforeMarksAndReportsDuplicates(t *testing.T) {
	r, err := NewRegistry("n1", "addr", 10, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.SeenBefore("msg-1") {
		t.Fatal("expected first observation to report unseen")
	}
	if !r.SeenBefore("msg-1") {
		t.Fatal("expected second observation of the same id to report seen")
	}
}

func TestSessionSendFailsWhenNotOpen(t *testing.T) {
	s := newSession("addr", "self", "selfAddr", DirectionOutbound, nil)
	env, err := transport.Encode(transport.KindHello, transport.Hello{NodeID: "self"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), env); err == nil {
		t.Fatal("expected Send to fail on a session that never attached")
	}
}
