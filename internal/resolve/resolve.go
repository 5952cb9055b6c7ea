// Package resolve implements the per-path conflict resolver (C3): a
// pluggable-strategy table keyed by path prefix, applied to a pair of
// Records to produce the single surviving merged Record.
//
// The teacher has no equivalent of this component — its store.ApplyRemote
// hard-codes one strategy (vector-clock causality + last-write-wins on
// concurrent). That hard-coded strategy is the seed for Strategy
// "last-write-wins" below; everything else (the prefix table, merge-fields,
// custom resolvers, first-write-wins) generalizes it per spec.md §4.3.
package resolve

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"gossipkv/internal/clock"
	"gossipkv/internal/store"
)

var log = logrus.WithField("component", "resolve")

// Strategy names a conflict-resolution algorithm.
type Strategy string

const (
	VectorDominance Strategy = "vector-dominance"
	LastWriteWins   Strategy = "last-write-wins"
	FirstWriteWins  Strategy = "first-write-wins"
	MergeFields     Strategy = "merge-fields"
	Custom          Strategy = "custom"
)

// CustomFunc resolves a conflict for one path using application logic. The
// resolver still enforces that the returned Record's VectorClock equals the
// merge of the two inputs; a mismatch is corrected, not trusted.
type CustomFunc func(path string, local, remote store.Record) store.Record

// ErrUnknownStrategy is a fatal configuration error raised at construction
// when a prefix names a strategy the resolver does not recognize.
type ErrUnknownStrategy struct{ Name Strategy }

func (e *ErrUnknownStrategy) Error() string {
	return fmt.Sprintf("resolve: unknown conflict strategy %q", e.Name)
}

type prefixRule struct {
	prefix   string
	strategy Strategy
	custom   CustomFunc
}

// Resolver applies the configured strategy table to pairs of Records.
type Resolver struct {
	defaultStrategy Strategy
	rules           []prefixRule
}

// New constructs a Resolver with defaultStrategy as the fallback when no
// prefix rule matches. Returns an error if defaultStrategy is unknown.
func New(defaultStrategy Strategy) (*Resolver, error) {
	if !validStrategy(defaultStrategy) {
		return nil, &ErrUnknownStrategy{Name: defaultStrategy}
	}
	return &Resolver{defaultStrategy: defaultStrategy}, nil
}

func validStrategy(s Strategy) bool {
	switch s {
	case VectorDominance, LastWriteWins, FirstWriteWins, MergeFields, Custom:
		return true
	default:
		return false
	}
}

// SetStrategy registers strategy for every path under prefix (and prefix
// itself). strategy must not be Custom — use SetCustomResolver for that.
func (r *Resolver) SetStrategy(prefix string, strategy Strategy) error {
	if strategy == Custom {
		return fmt.Errorf("resolve: use SetCustomResolver to register a custom strategy for %q", prefix)
	}
	if !validStrategy(strategy) {
		return &ErrUnknownStrategy{Name: strategy}
	}
	r.replaceRule(prefix, prefixRule{prefix: prefix, strategy: strategy})
	return nil
}

// SetCustomResolver registers fn as the strategy for every path under prefix.
func (r *Resolver) SetCustomResolver(prefix string, fn CustomFunc) {
	r.replaceRule(prefix, prefixRule{prefix: prefix, strategy: Custom, custom: fn})
}

func (r *Resolver) replaceRule(prefix string, rule prefixRule) {
	for i, existing := range r.rules {
		if existing.prefix == prefix {
			r.rules[i] = rule
			return
		}
	}
	r.rules = append(r.rules, rule)
}

// ruleFor returns the longest-matching prefix rule for path, or the zero
// rule (meaning: use the default strategy) if none match.
func (r *Resolver) ruleFor(path string) (prefixRule, bool) {
	var best prefixRule
	found := false
	for _, rule := range r.rules {
		if !store.HasPrefix(path, rule.prefix) {
			continue
		}
		if !found || len(rule.prefix) > len(best.prefix) {
			best = rule
			found = true
		}
	}
	return best, found
}

// Resolve applies the configured strategy for path to local and remote and
// returns the surviving Record. When the two clocks differ, Resolve(p, L, R)
// and Resolve(p, R, L) agree on the surviving payload and merged clock
// (spec.md §8 property 2). On Identical clocks the record passed as local
// is kept, and a custom function chooses the payload itself.
func (r *Resolver) Resolve(path string, local, remote store.Record) store.Record {
	rule, ok := r.ruleFor(path)
	strategy := r.defaultStrategy
	var custom CustomFunc
	if ok {
		strategy = rule.strategy
		custom = rule.custom
	}

	switch strategy {
	case VectorDominance:
		return r.resolveVectorDominance(local, remote)
	case LastWriteWins:
		return r.resolveLastWriteWins(local, remote)
	case FirstWriteWins:
		return r.resolveFirstWriteWins(local, remote)
	case MergeFields:
		return r.resolveMergeFields(path, local, remote)
	case Custom:
		return r.resolveCustom(path, local, remote, custom)
	default:
		// Unreachable given validStrategy checks at registration time, but
		// fall back safely rather than panic if it ever is.
		return r.resolveVectorDominance(local, remote)
	}
}

func mergedClock(local, remote store.Record) clock.Clock {
	return local.VectorClock.Merge(remote.VectorClock)
}

func (r *Resolver) resolveVectorDominance(local, remote store.Record) store.Record {
	merged := mergedClock(local, remote)
	switch local.VectorClock.Compare(remote.VectorClock) {
	case clock.Identical:
		return withClock(local, merged)
	case clock.After:
		return withClock(local, merged)
	case clock.Before:
		return withClock(remote, merged)
	default: // Concurrent
		winner := clock.DeterministicWinner(local.Tag(), remote.Tag())
		return withClock(pick(local, remote, winner), merged)
	}
}

func (r *Resolver) resolveLastWriteWins(local, remote store.Record) store.Record {
	merged := mergedClock(local, remote)
	switch local.VectorClock.Compare(remote.VectorClock) {
	case clock.Identical:
		return withClock(local, merged)
	case clock.After:
		return withClock(local, merged)
	case clock.Before:
		return withClock(remote, merged)
	default: // Concurrent: higher timestamp wins, tie-break on (origin, msgId).
		if local.Timestamp.After(remote.Timestamp) {
			return withClock(local, merged)
		}
		if remote.Timestamp.After(local.Timestamp) {
			return withClock(remote, merged)
		}
		winner := clock.DeterministicWinner(local.Tag(), remote.Tag())
		return withClock(pick(local, remote, winner), merged)
	}
}

func (r *Resolver) resolveFirstWriteWins(local, remote store.Record) store.Record {
	merged := mergedClock(local, remote)
	switch local.VectorClock.Compare(remote.VectorClock) {
	case clock.Identical:
		return withClock(local, merged)
	case clock.After:
		return withClock(local, merged)
	case clock.Before:
		return withClock(remote, merged)
	default: // Concurrent: lower timestamp wins, reverse tie-break.
		if local.Timestamp.Before(remote.Timestamp) {
			return withClock(local, merged)
		}
		if remote.Timestamp.Before(local.Timestamp) {
			return withClock(remote, merged)
		}
		// Reverse of the usual deterministic winner: pick the lexicographically
		// SMALLER tag, per spec.md §9's fixed tie-break for first-write-wins.
		winner := clock.DeterministicWinner(local.Tag(), remote.Tag())
		loser := local.Tag()
		if winner == local.Tag() {
			loser = remote.Tag()
		}
		return withClock(pick(local, remote, loser), merged)
	}
}

// resolveMergeFields applies when both payloads are maps: a recursive field
// union, falling back to the DEFAULT strategy for scalar conflicts — the
// teacher's (distilled-from) behavior keeps this fallback on the default
// strategy rather than the path's own strategy; spec.md §9 documents this
// as intentional, not an oversight.
func (r *Resolver) resolveMergeFields(path string, local, remote store.Record) store.Record {
	merged := mergedClock(local, remote)

	localMap, localOK := local.Value.(map[string]any)
	remoteMap, remoteOK := remote.Value.(map[string]any)

	if local.Deleted || remote.Deleted || !localOK || !remoteOK {
		// A tombstone or a non-map payload can't be field-merged; fall back
		// to vector-dominance so deletions still win only when they
		// causally dominate (spec.md §4.3 tombstone rule).
		return r.resolveVectorDominance(local, remote)
	}

	mergedValue := mergeMaps(path, localMap, remoteMap, r.defaultStrategy, local, remote)
	winnerTag := clock.DeterministicWinner(local.Tag(), remote.Tag())
	base := pick(local, remote, winnerTag)
	base.Value = mergedValue
	base.VectorClock = merged
	return base
}

func mergeMaps(path string, a, b map[string]any, fallback Strategy, localRec, remoteRec store.Record) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, rv := range b {
		lv, inA := a[k]
		if !inA {
			out[k] = rv
			continue
		}
		lMap, lIsMap := lv.(map[string]any)
		rMap, rIsMap := rv.(map[string]any)
		if lIsMap && rIsMap {
			out[k] = mergeMaps(path+"/"+k, lMap, rMap, fallback, localRec, remoteRec)
			continue
		}
		// Scalars (or a map-vs-non-map mismatch, which is non-mergeable):
		// fall back to the per-path default strategy's winner for this field.
		out[k] = scalarWinner(fallback, lv, rv, localRec, remoteRec)
	}
	return out
}

// scalarWinner picks between two conflicting scalar field values (arrays and
// scalars are never element-merged) by which side's whole record wins: the
// causally later record's value, or the local one on Identical clocks. On
// Concurrent clocks last-/first-write-wins compare timestamps first, and
// otherwise the lexicographically greater (origin, msgId) tag wins.
func scalarWinner(fallback Strategy, lv, rv any, localRec, remoteRec store.Record) any {
	switch localRec.VectorClock.Compare(remoteRec.VectorClock) {
	case clock.Identical, clock.After:
		return lv
	case clock.Before:
		return rv
	}
	switch fallback {
	case FirstWriteWins:
		if localRec.Timestamp.Before(remoteRec.Timestamp) {
			return lv
		}
		if remoteRec.Timestamp.Before(localRec.Timestamp) {
			return rv
		}
	case LastWriteWins:
		if localRec.Timestamp.After(remoteRec.Timestamp) {
			return lv
		}
		if remoteRec.Timestamp.After(localRec.Timestamp) {
			return rv
		}
	}
	winner := clock.DeterministicWinner(localRec.Tag(), remoteRec.Tag())
	if winner == localRec.Tag() {
		return lv
	}
	return rv
}

func (r *Resolver) resolveCustom(path string, local, remote store.Record, fn CustomFunc) store.Record {
	merged := mergedClock(local, remote)
	if fn == nil {
		log.WithField("path", path).Warn("no custom resolver registered; falling back to vector-dominance")
		return r.resolveVectorDominance(local, remote)
	}

	result := func() (rec store.Record, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("custom resolver panicked: %v", p)
			}
		}()
		return fn(path, local, remote), nil
	}
	rec, err := result()
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("custom resolver failed; falling back to vector-dominance")
		return r.resolveVectorDominance(local, remote)
	}

	// Enforce the merge invariant regardless of what the custom function
	// returned.
	rec.VectorClock = merged
	return rec
}

func withClock(rec store.Record, merged clock.Clock) store.Record {
	rec.VectorClock = merged
	return rec
}

func pick(local, remote store.Record, winner clock.Tag) store.Record {
	if winner == local.Tag() {
		return local
	}
	if winner == remote.Tag() {
		return remote
	}
	return local
}

// PrefixDepth reports how many "/"-separated segments a prefix has (0 for
// the empty prefix).
func PrefixDepth(prefix string) int {
	if prefix == "" {
		return 0
	}
	return strings.Count(prefix, "/") + 1
}
