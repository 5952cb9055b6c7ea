package peer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"gossipkv/internal/transport"
)

// DefaultMessageCacheSize bounds the registry-wide seen-message cache used
// for duplicate suppression across all peers (spec.md §4.6/§6 net.messageCacheSize).
const DefaultMessageCacheSize = 10000

var log = logrus.WithField("component", "peer-registry")

// ConnectHandler is invoked once a session reaches StateOpen, from either
// direction. The Node facade uses this to kick off the on-connect
// anti-entropy trigger (spec.md §4.7).
type ConnectHandler func(sess *Session)

// Registry owns every PeerSession for a node plus the shared duplicate
// suppression cache. It arbitrates simultaneous dials (spec.md §4.5: an
// existing outbound connection always wins and the racing inbound
// attempt is closed) and redials outbound peers with backoff after a
// disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by peer address
	selfID   string
	selfAddr string

	onConnect ConnectHandler
	dispatch  Handler

	seen *lru.Cache[string, struct{}]

	closing bool
}

// NewRegistry constructs an empty Registry for a node identified by
// selfID/selfAddr.
func NewRegistry(selfID, selfAddr string, cacheSize int, dispatch Handler, onConnect ConnectHandler) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultMessageCacheSize
	}
	cache, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("peer: build dedup cache: %w", err)
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		selfID:    selfID,
		selfAddr:  selfAddr,
		onConnect: onConnect,
		dispatch:  dispatch,
		seen:      cache,
	}, nil
}

// SeenBefore reports whether msgID has already been observed, and marks it
// seen. Callers (the broadcaster) use this for duplicate suppression; the
// LRU bound means very old entries may be forgotten and reprocessed, which
// spec.md §4.6 accepts as a bounded-memory tradeoff.
func (r *Registry) SeenBefore(msgID string) bool {
	if _, ok := r.seen.Get(msgID); ok {
		return true
	}
	r.seen.Add(msgID, struct{}{})
	return false
}

// AddStaticPeer registers addr as a peer to maintain an outbound connection
// to, and starts its dial-and-reconnect loop in the background.
func (r *Registry) AddStaticPeer(ctx context.Context, addr string) {
	r.mu.Lock()
	if _, ok := r.sessions[addr]; ok {
		r.mu.Unlock()
		return
	}
	sess := newSession(addr, r.selfID, r.selfAddr, DirectionOutbound, r.dispatch)
	r.sessions[addr] = sess
	r.mu.Unlock()

	go r.maintainOutbound(ctx, sess)
}

func (r *Registry) maintainOutbound(ctx context.Context, sess *Session) {
	bo := BackoffFor()
	for {
		if ctx.Err() != nil {
			return
		}
		r.mu.RLock()
		closing := r.closing
		superseded := r.sessions[sess.Addr] != sess
		r.mu.RUnlock()
		if closing || superseded {
			return
		}

		sess.setState(StateDialing)
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := transport.Dial(dialCtx, sess.Addr)
		cancel()
		if err != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = 60 * time.Second
			}
			log.WithError(err).WithField("addr", sess.Addr).Debugf("dial failed, retrying in %s", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := r.handshakeOutbound(ctx, sess, conn); err != nil {
			log.WithError(err).WithField("addr", sess.Addr).Warn("outbound handshake failed")
			_ = conn.Close()
			continue
		}
		bo.Reset()

		if r.onConnect != nil {
			r.onConnect(sess)
		}
		sess.Wait() // blocks until the session's read loop exits (disconnect)
	}
}

func (r *Registry) handshakeOutbound(ctx context.Context, sess *Session, conn transport.Conn) error {
	sess.setState(StateHandshaking)
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hello, err := transport.Encode(transport.KindHello, transport.Hello{
		NodeID: r.selfID, ListenAddr: r.selfAddr, ProtocolVer: 1,
	})
	if err != nil {
		return err
	}
	if err := conn.Send(hctx, hello); err != nil {
		return err
	}
	env, err := conn.Recv(hctx)
	if err != nil {
		return err
	}
	if env.Kind != transport.KindHello {
		return fmt.Errorf("peer: expected hello, got %s", env.Kind)
	}
	var remote transport.Hello
	if err := transport.Decode(env, &remote); err != nil {
		return err
	}
	if remote.NodeID == r.selfID {
		return fmt.Errorf("peer: refusing self-connection to %s", sess.Addr)
	}

	sess.attach(ctx, conn, remote.NodeID)
	return nil
}

// AcceptInbound handles a freshly-upgraded inbound connection: it
// completes the handshake, arbitrates against any existing outbound
// session to the same peer, and registers the session.
func (r *Registry) AcceptInbound(ctx context.Context, w http.ResponseWriter, httpReq *http.Request) error {
	conn, err := transport.Accept(w, httpReq)
	if err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	env, err := conn.Recv(hctx)
	cancel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if env.Kind != transport.KindHello {
		_ = conn.Close()
		return fmt.Errorf("peer: expected hello, got %s", env.Kind)
	}
	var remote transport.Hello
	if err := transport.Decode(env, &remote); err != nil {
		_ = conn.Close()
		return err
	}
	if remote.NodeID == r.selfID {
		_ = conn.Close()
		return fmt.Errorf("peer: refusing self-connection from %s", httpReq.RemoteAddr)
	}

	reply, err := transport.Encode(transport.KindHello, transport.Hello{
		NodeID: r.selfID, ListenAddr: r.selfAddr, ProtocolVer: 1,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	replyCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	if err := conn.Send(replyCtx, reply); err != nil {
		_ = conn.Close()
		return err
	}

	addr := remote.ListenAddr
	if addr == "" {
		addr = httpReq.RemoteAddr
	}

	r.mu.Lock()
	existing, hasExisting := r.sessions[addr]
	// Arbitration: when both sides race to dial each other, the existing
	// OUTBOUND session always wins and this inbound attempt is rejected,
	// per spec.md §4.5. There is no tie to break by node ID — the losing
	// side of a simultaneous dial is always the one whose local direction
	// is inbound.
	if hasExisting && existing.State() == StateOpen && existing.Direction == DirectionOutbound {
		r.mu.Unlock()
		_ = conn.Close()
		log.WithField("peer", remote.NodeID).Debug("rejecting inbound connection, outbound arbitration winner")
		return nil
	}
	// Any other existing session at this address (a stale/closed session,
	// or a losing inbound one from a prior race) is superseded: close it
	// explicitly so its maintainOutbound redial loop, if any, doesn't
	// keep running orphaned against a connection we've replaced.
	if hasExisting {
		_ = existing.Close()
	}
	sess := newSession(addr, r.selfID, r.selfAddr, DirectionInbound, r.dispatch)
	r.sessions[addr] = sess
	r.mu.Unlock()

	sess.attach(ctx, conn, remote.NodeID)
	if r.onConnect != nil {
		r.onConnect(sess)
	}
	return nil
}

// Get returns the session for a peer address, if any.
func (r *Registry) Get(addr string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[addr]
	return s, ok
}

// OpenSessions returns every session currently in StateOpen.
func (r *Registry) OpenSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() == StateOpen {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll closes every session, outbound sessions first so an orderly
// shutdown stops originating new traffic before it stops accepting
// inbound drain requests, per spec.md §5's shutdown ordering.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closing = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if s.Direction == DirectionOutbound {
			_ = s.Close()
		}
	}
	for _, s := range sessions {
		if s.Direction == DirectionInbound {
			_ = s.Close()
		}
	}
}
