// Package node implements the Node facade (C8): the single entrypoint an
// embedding application (the HTTP API, the CLI, tests) drives. It wires
// together the clock, store, resolver, subscription manager, peer
// registry, broadcaster and sync engine into one coherent lifecycle.
//
// Grounded on the teacher's internal/cluster/node.go Node type, which
// plays the same "one struct owns the whole local replica" role — Put/Get
// here replace its quorum Put/Get, and Start/Shutdown generalize its
// bare constructor (the teacher has no graceful-shutdown sequencing of its
// own beyond cmd/server/main.go's signal handling, which this package now
// owns as Shutdown so cmd/server can stay a thin wiring layer).
package node

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gossipkv/internal/broadcast"
	"gossipkv/internal/clock"
	"gossipkv/internal/cluster"
	"gossipkv/internal/config"
	"gossipkv/internal/peer"
	"gossipkv/internal/resolve"
	"gossipkv/internal/store"
	"gossipkv/internal/subscribe"
	"gossipkv/internal/sync"
	"gossipkv/internal/transport"
)

var log = logrus.WithField("component", "node")

// pathLockShards is the number of stripes in the per-path mutex below. Must
// be a power of two so the FNV hash can be folded in with a bitmask.
const pathLockShards = 64

// pathLocks linearizes every get-existing -> resolve -> commit sequence for
// a given path, per spec.md §5: without it, a local Put racing an inbound
// applyRemote for the same path can both read the same "existing" record,
// resolve independently, and have the later Commit silently clobber the
// earlier one instead of the two being resolved against each other.
type pathLocks struct {
	shards [pathLockShards]sync.Mutex
}

func (p *pathLocks) lock(path string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	idx := h.Sum32() & (pathLockShards - 1)
	p.shards[idx].Lock()
	return p.shards[idx].Unlock
}

// Node is the local replica: every write lands here first, every read is
// served from here, and all peer traffic is routed through here.
type Node struct {
	id  string
	cfg config.Config

	clockMu sync.Mutex
	own     clock.Clock
	ids     *clock.IDGenerator

	st       *store.Store
	paths    pathLocks
	resolver *resolve.Resolver
	subs     *subscribe.Manager
	registry *peer.Registry
	bc       *broadcast.Broadcaster
	se       *sync.Engine
	dir      *cluster.Directory

	mu       sync.RWMutex
	draining bool
}

// Options bundles the collaborators New needs beyond cfg; Storage is
// supplied by the caller so tests can pass an in-memory double.
type Options struct {
	NodeID  string
	Cfg     config.Config
	Storage store.Storage
}

// New builds a Node, opening its store from storage and wiring every
// internal component. It does not start networking — call Start for that.
func New(opts Options) (*Node, error) {
	if err := opts.Cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(opts.Storage, opts.Cfg.Store.MaxVersions)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	resolver, err := resolve.New(resolve.Strategy(opts.Cfg.Conflict.DefaultStrategy))
	if err != nil {
		return nil, fmt.Errorf("node: build resolver: %w", err)
	}
	for prefix, strat := range opts.Cfg.Conflict.PathStrategies {
		if err := resolver.SetStrategy(prefix, resolve.Strategy(strat)); err != nil {
			// Custom strategies named in config are registered by the
			// embedding application via RegisterConflictResolver, not here;
			// skip rather than fail startup.
			log.WithField("prefix", prefix).Debug("deferring custom strategy registration to application")
		}
	}

	subs := subscribe.New()

	n := &Node{
		id:       opts.NodeID,
		cfg:      opts.Cfg,
		own:      clock.New(),
		ids:      clock.NewIDGenerator(opts.NodeID),
		st:       st,
		resolver: resolver,
		subs:     subs,
		dir:      cluster.NewDirectory(cluster.DefaultVnodes),
	}
	st.OnCommit(subs.Notify)

	registry, err := peer.NewRegistry(opts.NodeID, fmt.Sprintf(":%d", opts.Cfg.Port), opts.Cfg.Net.MessageCacheSize, n.handlePeerEnvelope, n.onPeerConnected)
	if err != nil {
		return nil, fmt.Errorf("node: build peer registry: %w", err)
	}
	n.registry = registry

	n.bc = broadcast.New(opts.NodeID, registry, n.ids, opts.Cfg.Net.MaxHops, opts.Cfg.Net.MaxQueue, n.applyRemote)

	n.se = sync.New(sync.Config{
		Interval:       opts.Cfg.Sync.Interval,
		ChunkSize:      opts.Cfg.Sync.ChunkSize,
		MaxAttempts:    opts.Cfg.Sync.MaxAttempts,
		RetryInterval:  opts.Cfg.Sync.RetryInterval,
		InitialTimeout: opts.Cfg.Sync.InitialTimeout,
	}, registry, st, n.ownClockSnapshot, n.applyRemoteDiscard)

	return n, nil
}

// ID returns this node's identifier.
func (n *Node) ID() string { return n.id }

// Registry exposes the peer registry so the API layer can accept inbound
// gossip connections on its HTTP server.
func (n *Node) Registry() *peer.Registry { return n.registry }

// Start dials every configured static peer and starts the periodic
// anti-entropy scheduler. Call once, after the HTTP/websocket listener is
// up (so inbound peers can already reach AcceptInbound).
func (n *Node) Start(ctx context.Context) {
	for _, addr := range n.cfg.Peers {
		n.registry.AddStaticPeer(ctx, addr)
	}
	go n.se.Run(ctx)
}

// RegisterConflictResolver wires a custom resolver function for prefix,
// per spec.md §4.3/§7.
func (n *Node) RegisterConflictResolver(prefix string, fn resolve.CustomFunc) {
	n.resolver.SetCustomResolver(prefix, fn)
}

// SetConflictStrategy changes the strategy applied under prefix at
// runtime (spec.md §7).
func (n *Node) SetConflictStrategy(prefix string, strategy resolve.Strategy) error {
	return n.resolver.SetStrategy(prefix, strategy)
}

func (n *Node) ownClockSnapshot() clock.Clock {
	n.clockMu.Lock()
	defer n.clockMu.Unlock()
	return n.own.Copy()
}

func (n *Node) bumpOwnClock() clock.Clock {
	n.clockMu.Lock()
	defer n.clockMu.Unlock()
	n.own = n.own.Increment(n.id)
	return n.own.Copy()
}

// Put writes value at path, originated locally: it stamps a fresh vector
// clock tick and message id, commits to the local store, and broadcasts
// to peers. Returns ErrDraining if the node is shutting down.
func (n *Node) Put(ctx context.Context, path string, value store.Value) (store.Record, error) {
	if err := store.ValidatePath(path); err != nil {
		return store.Record{}, err
	}
	if n.isDraining() {
		return store.Record{}, ErrDraining
	}

	path = store.NormalizePath(path)
	unlock := n.paths.lock(path)
	vc := n.bumpOwnClock()
	rec := store.Record{
		Value:       value,
		VectorClock: vc,
		Origin:      n.id,
		Timestamp:   time.Now().UTC(),
		MsgID:       n.ids.Next(),
		Deleted:     false,
	}
	if existing, ok := n.st.GetRecord(path); ok {
		rec = n.resolver.Resolve(path, existing, rec)
	}
	err := n.st.Commit(path, rec)
	unlock()
	if err != nil {
		return store.Record{}, err
	}

	if err := n.bc.Publish(ctx, path, rec); err != nil {
		log.WithError(err).WithField("path", path).Warn("broadcast publish failed")
	}
	return rec, nil
}

// Get returns the current value at path, or nil if absent/deleted.
func (n *Node) Get(path string) store.Value {
	return n.st.Get(store.NormalizePath(path))
}

// Del tombstones path, exactly like Put but with Deleted=true and a nil
// value, per spec.md §4.2's tombstone contract.
func (n *Node) Del(ctx context.Context, path string) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	if n.isDraining() {
		return ErrDraining
	}

	path = store.NormalizePath(path)
	unlock := n.paths.lock(path)
	vc := n.bumpOwnClock()
	rec := store.Record{
		Value:       nil,
		VectorClock: vc,
		Origin:      n.id,
		Timestamp:   time.Now().UTC(),
		MsgID:       n.ids.Next(),
		Deleted:     true,
	}
	if existing, ok := n.st.GetRecord(path); ok {
		rec = n.resolver.Resolve(path, existing, rec)
	}
	err := n.st.Commit(path, rec)
	unlock()
	if err != nil {
		return err
	}
	return n.bc.Publish(ctx, path, rec)
}

// Scan returns every (path, record) under prefix.
func (n *Node) Scan(prefix string, limit int) []store.PathRecord {
	return n.st.Scan(store.NormalizePath(prefix), limit)
}

// Subscribe registers handler for commits under prefix.
func (n *Node) Subscribe(prefix string, handler subscribe.Handler) subscribe.ID {
	return n.subs.Subscribe(store.NormalizePath(prefix), handler)
}

// Unsubscribe cancels a prior Subscribe.
func (n *Node) Unsubscribe(id subscribe.ID) {
	n.subs.Unsubscribe(id)
}

// GetVersionHistory returns the bounded version history for path.
func (n *Node) GetVersionHistory(path string) []store.Record {
	return n.st.HistoryOf(store.NormalizePath(path))
}

// RunAntiEntropy manually triggers a sync against every open peer session,
// per spec.md §7's manual-trigger operation.
func (n *Node) RunAntiEntropy(ctx context.Context) {
	for _, sess := range n.registry.OpenSessions() {
		go n.se.RunAntiEntropy(ctx, sess)
	}
}

func (n *Node) onPeerConnected(sess *peer.Session) {
	n.dir.Observe(sess.PeerID, sess.Addr)
	n.se.OnPeerConnected(sess)
}

// Peers returns every peer this node has handshaken with, for the
// /cluster/peers introspection endpoint.
func (n *Node) Peers() []cluster.PeerInfo {
	return n.dir.All()
}

// applyRemote commits an inbound broadcast record after resolving it
// against local state, returning whether it actually changed anything
// (used by the broadcaster to decide whether to forward further).
func (n *Node) applyRemote(path string, rec store.Record) bool {
	unlock := n.paths.lock(path)
	defer unlock()

	existing, ok := n.st.GetRecord(path)
	resolved := rec
	if ok {
		resolved = n.resolver.Resolve(path, existing, rec)
		if recordsEqual(resolved, existing) {
			return false
		}
	}
	if err := n.st.Commit(path, resolved); err != nil {
		log.WithError(err).WithField("path", path).Warn("failed to commit remote record")
		return false
	}
	n.clockMu.Lock()
	n.own = n.own.Merge(rec.VectorClock)
	n.clockMu.Unlock()
	return true
}

// applyRemoteDiscard adapts applyRemote's bool-returning signature to the
// sync engine's fire-and-forget ApplyFunc.
func (n *Node) applyRemoteDiscard(path string, rec store.Record) {
	n.applyRemote(path, rec)
}

func recordsEqual(a, b store.Record) bool {
	return a.MsgID == b.MsgID && a.Origin == b.Origin && a.Deleted == b.Deleted
}

// handlePeerEnvelope is the peer.Handler wired into the registry: it
// demultiplexes every inbound envelope to the broadcaster or sync engine.
func (n *Node) handlePeerEnvelope(sess *peer.Session, env transport.Envelope) {
	ctx := context.Background()
	switch env.Kind {
	case transport.KindBroadcast:
		n.bc.HandleInbound(ctx, sess.Addr, env)
	case transport.KindSyncRequest:
		n.se.HandleRequest(ctx, sess, env)
	case transport.KindSyncResponse:
		n.se.HandleResponse(env)
	case transport.KindSyncChunk:
		n.se.HandleChunk(env)
	case transport.KindSyncProgress:
		n.se.HandleProgress(env)
	case transport.KindSyncComplete:
		n.se.HandleComplete(env)
	default:
		log.WithField("kind", env.Kind).Debug("ignoring unknown envelope kind")
	}
}

func (n *Node) isDraining() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.draining
}

// Shutdown refuses new writes and waits out the grace period (2s when
// grace <= 0; shorter only if ctx ends first) so in-flight syncs can
// settle; it does not watch for them to finish. It then stops the sync
// scheduler, closes every peer session (outbound first), and finally
// closes the storage layer. Calling Shutdown more than once is a no-op,
// per spec.md §5.
func (n *Node) Shutdown(ctx context.Context, grace time.Duration) error {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return nil
	}
	n.draining = true
	n.mu.Unlock()

	if grace <= 0 {
		grace = 2 * time.Second
	}
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	<-graceCtx.Done()

	n.se.Stop()
	n.registry.CloseAll()
	return n.st.Close()
}
