// Package clock implements the causal-history layer: vector clocks and the
// globally unique message ids used to tag commits and tie-break concurrent
// writes.
//
// Big idea (carried over from the teacher's store/vector_clock.go):
//
// Each path stores a map:
//
//	nodeID → counter
//
// Every time a node commits a change to a path, it increments its own
// counter. Comparing two clocks tells us whether one causally precedes the
// other, or whether they were written independently (concurrent) and need a
// tie-break.
package clock

import (
	"maps"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "clock")

var (
	mergeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gossipkv_clock_merges_total",
		Help: "Total number of vector clock merges performed.",
	})
	concurrentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gossipkv_clock_concurrent_total",
		Help: "Total number of comparisons that resolved to Concurrent.",
	})
	coercedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gossipkv_clock_malformed_entries_coerced_total",
		Help: "Total number of malformed vector clock entries coerced to zero.",
	})
)

// Relation describes how two vector clocks relate to each other.
type Relation int

const (
	// Before means the clock being compared causally precedes the other.
	Before Relation = iota
	// After means the clock being compared causally follows the other.
	After
	// Concurrent means neither clock dominates — a true conflict.
	Concurrent
	// Identical means both clocks are exactly equal.
	Identical
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	case Identical:
		return "Identical"
	default:
		return "Unknown"
	}
}

// Clock is a mapping from NodeId (an opaque string, nominally 16 hex chars)
// to a non-negative logical counter. A missing key is treated as 0.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// sanitize returns a copy of vc without the entries whose node id is empty,
// logging each one it drops. Counters are uint64, so a negative value can
// never reach this point and no counter value is rewritten.
func sanitize(vc Clock) Clock {
	out := make(Clock, len(vc))
	for node, cnt := range vc {
		if node == "" {
			coercedTotal.Inc()
			log.WithField("reason", "empty-node-id").Warn("dropping malformed vector clock entry")
			continue
		}
		out[node] = cnt
	}
	return out
}

// Increment returns a new clock with node's counter incremented by one. The
// receiver is left untouched.
func (vc Clock) Increment(node string) Clock {
	next := vc.Copy()
	next[node] = next[node] + 1
	return next
}

// Copy returns a deep copy of vc. Maps are reference types in Go, so callers
// that want to mutate a clock independently of a stored Record must copy
// first.
func (vc Clock) Copy() Clock {
	c := make(Clock, len(vc))
	maps.Copy(c, vc)
	return c
}

// Compare determines how vc relates to other. A nil clock on either side is
// treated as the zero clock (every counter 0), exactly like an empty one: a
// non-empty vc compares After a nil other, and two nil/empty clocks are
// Identical. A nil clock never makes the result Concurrent by itself.
func (vc Clock) Compare(other Clock) Relation {
	vc = sanitize(vc)
	other = sanitize(other)

	vcDominates := false
	otherDominates := false

	for node, cnt := range vc {
		if cnt > other[node] {
			vcDominates = true
		} else if cnt < other[node] {
			otherDominates = true
		}
	}
	for node, cnt := range other {
		if _, ok := vc[node]; !ok && cnt > 0 {
			otherDominates = true
		}
	}

	switch {
	case !vcDominates && !otherDominates:
		return Identical
	case vcDominates && !otherDominates:
		return After
	case !vcDominates && otherDominates:
		return Before
	default:
		concurrentTotal.Inc()
		return Concurrent
	}
}

// Dominates is a convenience for Compare(other) being After or Identical.
func (vc Clock) Dominates(other Clock) bool {
	rel := vc.Compare(other)
	return rel == After || rel == Identical
}

// Merge returns the per-node maximum of vc and other — the smallest clock
// that dominates both. Merge is commutative and associative.
func (vc Clock) Merge(other Clock) Clock {
	mergeTotal.Inc()
	merged := vc.Copy()
	for node, cnt := range other {
		if cnt > merged[node] {
			merged[node] = cnt
		}
	}
	return merged
}

// Tag identifies one side of a deterministic tie-break: the pair
// (originId, msgId) that accompanies every Record.
type Tag struct {
	Origin string
	MsgID  string
}

// Less reports whether t sorts strictly before other under the
// deterministic tie-break ordering: lexicographic on (Origin, MsgID).
func (t Tag) Less(other Tag) bool {
	if t.Origin != other.Origin {
		return t.Origin < other.Origin
	}
	return t.MsgID < other.MsgID
}

// DeterministicWinner picks the side whose tag sorts lexicographically
// greater, for use only when Compare reports Concurrent. The result is
// total and stable: calling this with the arguments swapped always agrees.
func DeterministicWinner(selfTag, otherTag Tag) Tag {
	if otherTag.Less(selfTag) {
		return selfTag
	}
	if selfTag.Less(otherTag) {
		return otherTag
	}
	// Identical tags: nothing to choose between, return self for stability.
	return selfTag
}

// sortedNodes returns a clock's node ids in sorted order, for deterministic
// iteration (e.g. for logging or hashing).
func sortedNodes(vc Clock) []string {
	nodes := make([]string, 0, len(vc))
	for n := range vc {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
