// Package broadcast implements the Broadcaster (C6): tags a local write
// with a fresh msgId and a hop budget, fans it out to every open peer
// session, and forwards inbound broadcasts from other peers (decrementing
// the hop budget, never back to the peer it arrived from, never to the
// origin node's own session). A msgId already seen is dropped on arrival;
// forwarding does not track which other peers have seen it.
//
// Grounded on the teacher's internal/cluster/replicator.go write path
// (ReplicateWrite: write locally, then fan out to peers in parallel over
// goroutines+channel, waiting for a quorum of acks) — generalized from
// "fan out once and wait for W acks" to "fan out to everyone, fire and
// forget, bounded by a per-peer outbound queue" since gossip replication
// has no quorum and no synchronous caller waiting on peer acks.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gossipkv/internal/clock"
	"gossipkv/internal/peer"
	"gossipkv/internal/store"
	"gossipkv/internal/transport"
)

// DefaultMaxHops bounds how many times a broadcast may be forwarded before
// it is dropped (spec.md §6 net.maxHops).
const DefaultMaxHops = 32

// DefaultMaxQueue bounds the per-peer outbound queue; once full, the
// oldest queued broadcast is dropped to make room rather than blocking the
// broadcaster (spec.md §4.6 backpressure rule).
const DefaultMaxQueue = 1000

var log = logrus.WithField("component", "broadcast")

var (
	sentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gossipkv_broadcast_sent_total",
		Help: "Broadcast messages sent to peers.",
	}, []string{"peer"})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gossipkv_broadcast_dropped_total",
		Help: "Broadcast messages dropped before delivery.",
	}, []string{"reason"})
	forwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gossipkv_broadcast_forwarded_total",
		Help: "Inbound broadcasts forwarded to other peers.",
	})
)

// ApplyFunc applies a remote broadcast's record to local state (running it
// through the ConflictResolver and committing it); returns true if the
// record actually changed local state and so should be forwarded further.
type ApplyFunc func(path string, rec store.Record) bool

// Broadcaster owns outbound fan-out and inbound forwarding of writes.
type Broadcaster struct {
	selfID   string
	registry *peer.Registry
	ids      *clock.IDGenerator
	maxHops  int
	maxQueue int
	apply    ApplyFunc

	mu     sync.Mutex
	queues map[string]chan queuedMsg // keyed by peer addr
}

type queuedMsg struct {
	env transport.Envelope
}

// New constructs a Broadcaster. apply is called for every inbound
// broadcast before it is (maybe) forwarded onward.
func New(selfID string, registry *peer.Registry, ids *clock.IDGenerator, maxHops, maxQueue int, apply ApplyFunc) *Broadcaster {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	return &Broadcaster{
		selfID:   selfID,
		registry: registry,
		ids:      ids,
		maxHops:  maxHops,
		maxQueue: maxQueue,
		apply:    apply,
		queues:   make(map[string]chan queuedMsg),
	}
}

// Publish originates a new broadcast for a local write and fans it out to
// every currently-open peer session.
func (b *Broadcaster) Publish(ctx context.Context, path string, rec store.Record) error {
	env, err := transport.Encode(transport.KindBroadcast, transport.Broadcast{
		MsgID:      rec.MsgID,
		Path:       path,
		Record:     rec,
		HopBudget:  b.maxHops,
		OriginNode: b.selfID,
	})
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	b.registry.SeenBefore(string(rec.MsgID)) // mark our own origin as seen
	b.fanOut(ctx, env, "", b.selfID)
	return nil
}

// HandleInbound processes a broadcast envelope received from a peer
// session: applies it locally (via apply), and if it changed local state
// and still has hop budget, forwards it to every OTHER open peer.
func (b *Broadcaster) HandleInbound(ctx context.Context, fromAddr string, env transport.Envelope) {
	var msg transport.Broadcast
	if err := transport.Decode(env, &msg); err != nil {
		log.WithError(err).Warn("dropping malformed broadcast envelope")
		droppedTotal.WithLabelValues("malformed").Inc()
		return
	}

	if b.registry.SeenBefore(string(msg.MsgID)) {
		droppedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	changed := true
	if b.apply != nil {
		changed = b.apply(msg.Path, msg.Record)
	}

	if msg.HopBudget <= 0 {
		droppedTotal.WithLabelValues("hop-budget-exhausted").Inc()
		return
	}
	if !changed {
		return
	}

	msg.HopBudget--
	fwd, err := transport.Encode(transport.KindBroadcast, msg)
	if err != nil {
		log.WithError(err).Warn("failed to re-encode broadcast for forwarding")
		return
	}
	forwardedTotal.Inc()
	b.fanOut(ctx, fwd, fromAddr, msg.OriginNode)
}

// fanOut enqueues env onto every open peer session's outbound queue,
// skipping excludeAddr (the peer we just received it from) and any peer
// whose PeerID equals originNode (the record's originator), per spec.md
// §4.6 — a session to the origin distinct from the peer we forwarded from
// must not be re-sent toward the origin either.
func (b *Broadcaster) fanOut(ctx context.Context, env transport.Envelope, excludeAddr, originNode string) {
	sessions := b.registry.OpenSessions()
	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		if sess.Addr == excludeAddr {
			continue
		}
		if originNode != "" && sess.PeerID == originNode {
			continue
		}
		g.Go(func() error {
			b.enqueue(ctx, sess, env)
			return nil
		})
	}
	_ = g.Wait() // enqueue never returns an error; Wait just joins the fan-out
}

// enqueue places env on sess's outbound queue, dropping the oldest queued
// message if the queue is full rather than blocking — a slow peer must
// never stall broadcast to healthy peers (spec.md §4.6 backpressure rule).
func (b *Broadcaster) enqueue(ctx context.Context, sess *peer.Session, env transport.Envelope) {
	addr := sess.Addr
	b.mu.Lock()
	q, ok := b.queues[addr]
	if !ok {
		q = make(chan queuedMsg, b.maxQueue)
		b.queues[addr] = q
		go b.drain(addr, q, sess)
	}
	b.mu.Unlock()

	select {
	case q <- queuedMsg{env: env}:
	default:
		select {
		case <-q:
			droppedTotal.WithLabelValues("queue-full").Inc()
		default:
		}
		select {
		case q <- queuedMsg{env: env}:
		default:
			droppedTotal.WithLabelValues("queue-full").Inc()
		}
	}
}

func (b *Broadcaster) drain(addr string, q chan queuedMsg, sess *peer.Session) {
	for msg := range q {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sess.Send(ctx, msg.env); err != nil {
			log.WithError(err).WithField("peer", addr).Debug("broadcast send failed")
		} else {
			sentTotal.WithLabelValues(addr).Inc()
		}
		cancel()
	}
}
