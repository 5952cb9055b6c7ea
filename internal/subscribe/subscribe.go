// Package subscribe implements the SubscriptionManager (C4): prefix-keyed
// fan-out of commit notifications to local watchers, with copy-on-write
// dispatch so notification never blocks registration or unsubscription.
//
// Grounded on the teacher's internal/cluster/membership.go, whose
// Membership type holds a mutex-guarded map and a copy-on-write broadcast
// to all registered watchers on every membership change — the same shape
// generalized here from "all watchers see every change" to "watchers see
// only commits under their subscribed prefix".
package subscribe

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gossipkv/internal/store"
)

var log = logrus.WithField("component", "subscribe")

// Event is delivered to a subscriber on every commit under its prefix.
type Event struct {
	Path   string
	Record store.Record
}

// Handler receives Events. Handlers run synchronously, one after another,
// on the goroutine that calls Notify; a slow handler delays every later
// matching subscriber, whatever its prefix, and the caller of Notify.
type Handler func(Event)

type subscription struct {
	id      uint64
	prefix  string
	handler Handler
}

// Manager is the SubscriptionManager: a registry of (prefix, handler) pairs
// dispatched in registration order whenever a matching path commits.
type Manager struct {
	mu   sync.RWMutex
	subs []*subscription
	next uint64
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

// ID identifies one subscription for Unsubscribe.
type ID uint64

// Subscribe registers handler to be called for every commit whose path is
// prefix or lies under it ("" subscribes to everything). Returns an ID
// accepted by Unsubscribe.
func (m *Manager) Subscribe(prefix string, handler Handler) ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	id := m.next
	sub := &subscription{id: id, prefix: prefix, handler: handler}

	// Copy-on-write: never mutate the slice readers might be iterating.
	next := make([]*subscription, len(m.subs), len(m.subs)+1)
	copy(next, m.subs)
	next = append(next, sub)
	m.subs = next

	return ID(id)
}

// Unsubscribe removes a subscription. Idempotent: unsubscribing an unknown
// or already-removed ID is a silent no-op, matching spec.md §4.4.
func (m *Manager) Unsubscribe(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, s := range m.subs {
		if s.id == uint64(id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	next := make([]*subscription, 0, len(m.subs)-1)
	next = append(next, m.subs[:idx]...)
	next = append(next, m.subs[idx+1:]...)
	m.subs = next
}

// Count reports the number of live subscriptions, for diagnostics/metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// dispatched counts the total number of Event deliveries, exposed through
// DispatchedCount.
var dispatched uint64

// DispatchedCount returns the lifetime number of delivered events.
func DispatchedCount() uint64 {
	return atomic.LoadUint64(&dispatched)
}

// Notify delivers (path, rec) to every subscriber whose prefix matches
// path. It takes a snapshot of the dispatch table under the read lock and
// then calls handlers outside the lock, so a handler that re-subscribes or
// unsubscribes does not deadlock.
func (m *Manager) Notify(path string, rec store.Record) {
	m.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, s := range m.subs {
		if store.HasPrefix(path, s.prefix) {
			matched = append(matched, s)
		}
	}
	m.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	ev := Event{Path: path, Record: rec}
	for _, s := range matched {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.WithField("path", path).Warnf("subscriber handler panicked: %v", p)
				}
			}()
			s.handler(ev)
		}()
		atomic.AddUint64(&dispatched, 1)
	}
}
