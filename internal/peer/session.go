// Package peer implements PeerRegistry and PeerSession (C5): per-peer
// connection lifecycle, handshake arbitration, and reconnect backoff.
//
// Grounded on the teacher's internal/cluster/membership.go for the
// registry shape (mutex-guarded map, Join/Leave-style lifecycle) and on
// replicator.go's http.Client-per-peer pattern for "one long-lived
// collaborator per peer address" — generalized from a stateless HTTP
// client to a stateful session with its own goroutine and state machine,
// since gossip peers need unsolicited push in both directions.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"gossipkv/internal/transport"
)

// State is a PeerSession's position in its connection state machine.
type State int

const (
	StateDialing State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction records which side initiated the connection.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// Handler receives decoded envelopes from a session's read loop. The
// PeerRegistry's owner (the Node facade) supplies this to route broadcast
// and sync traffic into the broadcast/sync engines without this package
// importing either.
type Handler func(sess *Session, env transport.Envelope)

// Session is one logical connection to a remote node. A peer address may
// be redialed many times over a process lifetime (after disconnects); an
// outbound Session is reused across redials, and each successful handshake
// reattaches it to the new connection with a fresh read loop.
type Session struct {
	mu sync.RWMutex

	PeerID    string
	Addr      string
	Direction Direction

	state State
	conn  transport.Conn

	handler  Handler
	selfID   string
	selfAddr string

	log *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}

	sendMu sync.Mutex
}

func newSession(addr, selfID, selfAddr string, dir Direction, handler Handler) *Session {
	return &Session{
		Addr:      addr,
		Direction: dir,
		state:     StateDialing,
		selfID:    selfID,
		selfAddr:  selfAddr,
		handler:   handler,
		log:       logrus.WithField("component", "peer").WithField("addr", addr),
		done:      make(chan struct{}),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Send encodes and writes env to the peer. Safe for concurrent callers;
// writes are additionally serialized by the underlying transport.Conn.
func (s *Session) Send(ctx context.Context, env transport.Envelope) error {
	s.mu.RLock()
	conn := s.conn
	state := s.state
	s.mu.RUnlock()

	if state != StateOpen || conn == nil {
		return fmt.Errorf("peer: session %s not open (state=%s)", s.Addr, state)
	}
	return conn.Send(ctx, env)
}

// attach completes the handshake: conn is the live transport, peerID is
// the remote's advertised identity. attach starts the session's read loop.
func (s *Session) attach(ctx context.Context, conn transport.Conn, peerID string) {
	s.mu.Lock()
	s.conn = conn
	s.PeerID = peerID
	s.state = StateOpen
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{}) // one per read loop, so Wait works after a redial
	s.mu.Unlock()

	go s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := s.conn.Recv(context.Background())
		if err != nil {
			s.log.WithError(err).Debug("peer session read loop exiting")
			s.setState(StateClosed)
			return
		}
		if s.handler != nil {
			s.handler(s, env)
		}
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.setState(StateClosed)
	return err
}

// Wait blocks until the session's read loop has exited.
func (s *Session) Wait() {
	<-s.done
}

// BackoffFor returns the reconnect backoff policy used when redialing this
// peer after a disconnect: exponential with jitter, capped per spec.md
// §4.5 (initial 5s, max 60s), matching the teacher's fixed doubling loop
// in spirit but with jitter via cenkalti/backoff instead of a bare `*= 2`.
func BackoffFor() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the registry owns giving up
	return b
}
