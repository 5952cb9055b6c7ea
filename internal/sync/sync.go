// Package sync implements the SyncEngine (C7): pull-based anti-entropy
// between a node and each of its peers, run periodically and on-connect to
// repair any state broadcast missed (dropped connections, backpressure
// drops, partitions).
//
// Grounded on the teacher's internal/cluster/node.go read-repair path
// (executeReadQuorum → findLatestVersion → readRepair: ask every replica,
// compare versions, push the freshest value back to stale replicas) —
// generalized from "per-key repair triggered by a client Get" to "a
// standing per-peer protocol that pulls everything the peer is missing,
// in chunks, on its own schedule", since anti-entropy here runs
// continuously rather than piggybacking on reads.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gossipkv/internal/clock"
	"gossipkv/internal/peer"
	"gossipkv/internal/store"
	"gossipkv/internal/transport"
)

const (
	DefaultInterval      = 5 * time.Minute
	DefaultChunkSize      = 50
	DefaultMaxAttempts    = 3
	DefaultRetryInterval  = 5 * time.Second
	DefaultInitialTimeout = 30 * time.Second
	onConnectDelay        = 1 * time.Second
)

// State is where one peer's sync session sits in the pull protocol.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateInProgress
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateInProgress:
		return "in-progress"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var log = logrus.WithField("component", "sync")

// LocalClock summarizes the node's own state for a peer sync request, and
// ApplyFunc commits a single incoming record (running it through the
// ConflictResolver). Both are supplied by the Node facade so this package
// never imports resolve/node directly.
type LocalClock func() clock.Clock
type ApplyFunc func(path string, rec store.Record)

// Config bundles the tunables spec.md §6 exposes under the "sync" key.
type Config struct {
	Interval       time.Duration
	ChunkSize      int
	MaxAttempts    int
	RetryInterval  time.Duration
	InitialTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.InitialTimeout <= 0 {
		c.InitialTimeout = DefaultInitialTimeout
	}
}

type peerSyncState struct {
	mu           sync.Mutex
	state        State
	lastSyncedAt time.Time
	attempts     int
	resumeToken  string
}

// pendingRequest tracks an outbound sync-request this node initiated,
// waiting for the peer's sync-response/sync-chunk*/sync-complete stream.
type pendingRequest struct {
	requestID   string
	chunks      chan transport.SyncChunk
	done        chan error
	totalChunks int
}

// servingState caches one in-flight HandleRequest's backlog so a retried
// request carrying the matching ResumeToken can continue streaming from
// nextIndex instead of recomputing AllSince and resending already-sent
// chunks (spec.md §4.7: "if partial progress exists, attempt resume before
// a fresh request").
type servingState struct {
	backlog   []store.PathRecord
	chunkSize int
	nextIndex int
}

// Engine is the SyncEngine: one instance per node, tracking a state
// machine per peer and serving inbound sync requests from peers that pull
// from this node.
type Engine struct {
	cfg      Config
	registry *peer.Registry
	st       *store.Store
	local    LocalClock
	apply    ApplyFunc

	mu      sync.Mutex
	states  map[string]*peerSyncState // keyed by peer addr
	reqs    map[string]*pendingRequest
	serving map[string]*servingState // keyed by the serving request's own RequestID

	stopCh chan struct{}
}

// New constructs a SyncEngine. local reports this node's own causal
// summary (sent as PeerClock in our sync-requests, so the peer we pull
// from skips records that summary already covers); apply commits one
// inbound record.
func New(cfg Config, registry *peer.Registry, st *store.Store, local LocalClock, apply ApplyFunc) *Engine {
	cfg.fillDefaults()
	return &Engine{
		cfg:      cfg,
		registry: registry,
		st:       st,
		local:    local,
		apply:    apply,
		states:   make(map[string]*peerSyncState),
		reqs:     make(map[string]*pendingRequest),
		serving:  make(map[string]*servingState),
		stopCh:   make(chan struct{}),
	}
}

func (e *Engine) stateFor(addr string) *peerSyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[addr]
	if !ok {
		s = &peerSyncState{state: StateIdle}
		e.states[addr] = s
	}
	return s
}

// Run starts the periodic anti-entropy scheduler; it blocks until ctx is
// canceled or Stop is called. Each tick checks every known peer and
// triggers a sync if that peer looks stale (spec.md §4.7: half the
// interval since last successful sync).
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepPeers(ctx)
		}
	}
}

// Stop halts the periodic scheduler.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) sweepPeers(ctx context.Context) {
	staleAfter := e.cfg.Interval / 2
	for _, sess := range e.registry.OpenSessions() {
		st := e.stateFor(sess.Addr)
		st.mu.Lock()
		idle := st.state == StateIdle || st.state == StateComplete || st.state == StateFailed
		stale := time.Since(st.lastSyncedAt) >= staleAfter
		st.mu.Unlock()
		if idle && stale {
			go e.RunAntiEntropy(ctx, sess)
		}
	}
}

// OnPeerConnected is wired to the PeerRegistry's onConnect hook: after a
// short settle delay, it triggers a full sync against the newly-opened
// session (spec.md §4.7's on-connect trigger).
func (e *Engine) OnPeerConnected(sess *peer.Session) {
	go func() {
		select {
		case <-time.After(onConnectDelay):
		case <-e.stopCh:
			return
		}
		e.RunAntiEntropy(context.Background(), sess)
	}()
}

// RunAntiEntropy drives one full pull-sync against sess: send a
// sync-request, then consume the peer's chunk stream, committing each
// record via apply, until sync-complete (or failure/timeout, retried up to
// MaxAttempts times with RetryInterval backoff).
func (e *Engine) RunAntiEntropy(ctx context.Context, sess *peer.Session) {
	st := e.stateFor(sess.Addr)
	st.mu.Lock()
	if st.state == StateRequested || st.state == StateInProgress {
		st.mu.Unlock()
		return // already syncing with this peer
	}
	st.state = StateRequested
	st.attempts = 0
	resumeToken := st.resumeToken
	st.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		st.mu.Lock()
		st.attempts = attempt
		st.mu.Unlock()

		err := e.runOnce(ctx, sess, resumeToken)
		if err == nil {
			st.mu.Lock()
			st.state = StateComplete
			st.lastSyncedAt = time.Now()
			st.resumeToken = ""
			st.mu.Unlock()
			return
		}
		lastErr = err
		log.WithError(err).WithField("peer", sess.Addr).WithField("attempt", attempt).Warn("anti-entropy sync attempt failed")

		st.mu.Lock()
		resumeToken = st.resumeToken
		st.mu.Unlock()

		select {
		case <-time.After(e.cfg.RetryInterval):
		case <-ctx.Done():
			st.mu.Lock()
			st.state = StateFailed
			st.mu.Unlock()
			return
		}
	}

	log.WithError(lastErr).WithField("peer", sess.Addr).Error("anti-entropy sync exhausted retries")
	st.mu.Lock()
	st.state = StateFailed
	st.mu.Unlock()
}

func (e *Engine) runOnce(ctx context.Context, sess *peer.Session, resumeToken string) error {
	st := e.stateFor(sess.Addr)
	st.mu.Lock()
	st.state = StateInProgress
	st.mu.Unlock()

	reqID := uuid.NewString()
	req := transport.SyncRequest{
		RequestID:   reqID,
		PeerClock:   e.local(),
		ResumeToken: resumeToken,
	}
	env, err := transport.Encode(transport.KindSyncRequest, req)
	if err != nil {
		return fmt.Errorf("sync: encode request: %w", err)
	}

	pending := &pendingRequest{
		requestID: reqID,
		chunks:    make(chan transport.SyncChunk, 8),
		done:      make(chan error, 1),
	}
	e.mu.Lock()
	e.reqs[reqID] = pending
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.reqs, reqID)
		e.mu.Unlock()
	}()

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.InitialTimeout)
	defer cancel()
	if err := sess.Send(sendCtx, env); err != nil {
		return fmt.Errorf("sync: send request: %w", err)
	}

	timeout := e.cfg.InitialTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	received := 0
	for {
		select {
		case chunk, ok := <-pending.chunks:
			if !ok {
				// HandleComplete closes chunks right after sync-complete, and a
				// closed channel reports !ok only once every chunk was applied.
				return nil
			}
			for _, pr := range chunk.Records {
				e.apply(pr.Path, pr.Record)
			}
			received++
			if chunk.ResumeTok != "" {
				st.mu.Lock()
				st.resumeToken = chunk.ResumeTok
				st.mu.Unlock()
			}
			if !deadline.Stop() {
				<-deadline.C
			}
			budget := timeout
			if pending.totalChunks > 0 {
				total := time.Duration(pending.totalChunks) * time.Second
				if total > budget {
					budget = total
				}
			}
			deadline.Reset(budget)
		case err := <-pending.done:
			if err != nil {
				return err
			}
			// sync-complete arrived; keep applying buffered chunks until
			// HandleComplete closes the channel.
		case <-deadline.C:
			return fmt.Errorf("sync: timed out waiting for peer %s", sess.Addr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleResponse routes an inbound sync-response envelope to the matching
// pending request, recording the promised chunk count.
func (e *Engine) HandleResponse(env transport.Envelope) {
	var resp transport.SyncResponse
	if err := transport.Decode(env, &resp); err != nil {
		log.WithError(err).Warn("dropping malformed sync-response")
		return
	}
	e.mu.Lock()
	p, ok := e.reqs[resp.RequestID]
	e.mu.Unlock()
	if !ok {
		return
	}
	p.totalChunks = resp.TotalChunks
}

// HandleChunk routes an inbound sync-chunk envelope to its pending request.
func (e *Engine) HandleChunk(env transport.Envelope) {
	var chunk transport.SyncChunk
	if err := transport.Decode(env, &chunk); err != nil {
		log.WithError(err).Warn("dropping malformed sync-chunk")
		return
	}
	e.mu.Lock()
	p, ok := e.reqs[chunk.RequestID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.chunks <- chunk:
	default:
		log.WithField("requestId", chunk.RequestID).Warn("sync chunk channel full, dropping")
	}
}

// HandleProgress routes an inbound sync-progress heartbeat, sent by
// HandleRequest every 10 chunks on a large backlog. runOnce already resets
// its deadline on every chunk it receives, so there's nothing further to
// do here beyond logging for diagnostics.
func (e *Engine) HandleProgress(env transport.Envelope) {
	var p transport.SyncProgress
	if err := transport.Decode(env, &p); err != nil {
		return
	}
	log.WithField("requestId", p.RequestID).Debugf("peer sync progress %d/%d", p.ChunksSoFar, p.TotalChunks)
}

// HandleComplete routes an inbound sync-complete envelope, finishing the
// pending request successfully.
func (e *Engine) HandleComplete(env transport.Envelope) {
	var c transport.SyncComplete
	if err := transport.Decode(env, &c); err != nil {
		return
	}
	e.mu.Lock()
	p, ok := e.reqs[c.RequestID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- nil:
	default:
	}
	close(p.chunks)
}

// HandleRequest serves an inbound sync-request from a peer pulling from
// us: computes the backlog via store.AllSince, chunks it, and streams
// sync-response + sync-chunk* + sync-complete back over sess.
func (e *Engine) HandleRequest(ctx context.Context, sess *peer.Session, env transport.Envelope) {
	var req transport.SyncRequest
	if err := transport.Decode(env, &req); err != nil {
		log.WithError(err).Warn("dropping malformed sync-request")
		return
	}

	chunkSize := e.cfg.ChunkSize
	var backlog []store.PathRecord
	startIndex := 0

	if req.ResumeToken != "" {
		e.mu.Lock()
		prev, ok := e.serving[req.ResumeToken]
		if ok {
			delete(e.serving, req.ResumeToken)
		}
		e.mu.Unlock()
		if ok {
			backlog = prev.backlog
			chunkSize = prev.chunkSize
			startIndex = prev.nextIndex
			log.WithField("peer", sess.Addr).WithField("resumeToken", req.ResumeToken).
				Debugf("resuming sync from chunk %d instead of a fresh request", startIndex)
		}
	}
	if backlog == nil {
		backlog = e.st.AllSince(req.PeerClock, req.Paths)
	}

	total := (len(backlog) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	resp, err := transport.Encode(transport.KindSyncResponse, transport.SyncResponse{
		RequestID: req.RequestID, TotalChunks: total, ChunkSize: chunkSize,
	})
	if err != nil {
		log.WithError(err).Warn("failed to encode sync-response")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = sess.Send(sendCtx, resp)
	cancel()
	if err != nil {
		log.WithError(err).WithField("peer", sess.Addr).Warn("failed to send sync-response")
		return
	}

	serve := &servingState{backlog: backlog, chunkSize: chunkSize, nextIndex: startIndex}
	chunksSent := 0
	for i := startIndex * chunkSize; i < len(backlog); i += chunkSize {
		end := i + chunkSize
		if end > len(backlog) {
			end = len(backlog)
		}
		idx := i / chunkSize
		chunk := transport.SyncChunk{
			RequestID: req.RequestID,
			Index:     idx,
			Records:   backlog[i:end],
			ResumeTok: req.RequestID,
		}
		cenv, err := transport.Encode(transport.KindSyncChunk, chunk)
		if err != nil {
			log.WithError(err).Warn("failed to encode sync-chunk")
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = sess.Send(sendCtx, cenv)
		cancel()
		if err != nil {
			serve.nextIndex = idx
			e.mu.Lock()
			e.serving[req.RequestID] = serve
			e.mu.Unlock()
			log.WithError(err).WithField("peer", sess.Addr).
				Warn("failed to send sync-chunk, keeping progress for a resumed retry")
			return
		}
		chunksSent++

		// Progress heartbeat every 10 chunks when there's enough of them to
		// matter, per spec.md §4.7. The requester only logs it
		// (HandleProgress); its deadline is reset by chunks, not by this.
		if total > 10 && chunksSent%10 == 0 {
			prog, perr := transport.Encode(transport.KindSyncProgress, transport.SyncProgress{
				RequestID: req.RequestID, ChunksSoFar: idx + 1, TotalChunks: total,
			})
			if perr == nil {
				pctx, pcancel := context.WithTimeout(ctx, 10*time.Second)
				_ = sess.Send(pctx, prog)
				pcancel()
			}
		}
	}

	doneEnv, err := transport.Encode(transport.KindSyncComplete, transport.SyncComplete{RequestID: req.RequestID})
	if err != nil {
		return
	}
	sendCtx2, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	_ = sess.Send(sendCtx2, doneEnv)
}

// StateOf reports the current sync state for a peer, used by diagnostics.
func (e *Engine) StateOf(addr string) State {
	st := e.stateFor(addr)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}
