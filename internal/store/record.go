package store

import (
	"time"

	"gossipkv/internal/clock"
)

// Value is any JSON-shaped payload: string, float64, bool, nil,
// map[string]any, or []any — exactly the tree encoding/json produces when
// decoding into `any`. The sentinel nil means tombstone for delete
// operations.
type Value = any

// Record is the unit stored against a path.
type Record struct {
	Value       Value          `json:"value"`
	VectorClock clock.Clock    `json:"vectorClock"`
	Origin      string         `json:"origin"`
	Timestamp   time.Time      `json:"timestamp"`
	MsgID       clock.MessageID `json:"msgId"`
	Deleted     bool           `json:"deleted"`
}

// Tag returns the (origin, msgId) pair used for deterministic tie-break.
func (r Record) Tag() clock.Tag {
	return clock.Tag{Origin: r.Origin, MsgID: string(r.MsgID)}
}

// Metadata is the subset of a Record that the metadata table tracks: it is
// always kept in lock-step with the stored Record for the same path.
type Metadata struct {
	VectorClock clock.Clock `json:"vectorClock"`
	Timestamp   time.Time   `json:"timestamp"`
	Origin      string      `json:"origin"`
	Deleted     bool        `json:"deleted"`
}

func metadataOf(r Record) Metadata {
	return Metadata{
		VectorClock: r.VectorClock,
		Timestamp:   r.Timestamp,
		Origin:      r.Origin,
		Deleted:     r.Deleted,
	}
}

// PathRecord pairs a path with its Record, the unit scan/allSince iterate over.
type PathRecord struct {
	Path   string
	Record Record
}
