// Package transport defines the peer-to-peer wire protocol and the
// Transport abstraction peer sessions exchange messages over. The teacher's
// inter-node communication (internal/cluster/replicator.go) is one-shot
// request/response HTTP calls issued by a coordinator; broadcast and
// anti-entropy both need unsolicited, bidirectional, long-lived
// connections, so the wire layer here is a persistent duplex stream
// (gorilla/websocket, wired in conn.go) carrying the envelope types below
// instead of replicator.go's QuorumRequest/QuorumResponse pair.
package transport

import (
	"encoding/json"
	"fmt"

	"gossipkv/internal/clock"
	"gossipkv/internal/store"
)

// Kind identifies the payload carried by an Envelope.
type Kind string

const (
	KindHello        Kind = "hello"
	KindPut          Kind = "put"
	KindBroadcast    Kind = "broadcast"
	KindSyncRequest  Kind = "sync-request"
	KindSyncResponse Kind = "sync-response"
	KindSyncChunk    Kind = "sync-chunk"
	KindSyncProgress Kind = "sync-progress"
	KindSyncComplete Kind = "sync-complete"
	KindSyncAck      Kind = "sync-ack"
)

// Envelope is the single wire frame type; Payload is re-marshaled into the
// concrete type named by Kind.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed payload into an Envelope ready to send.
func Encode(kind Kind, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: data}, nil
}

// Decode unmarshals env.Payload into out.
func Decode(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("transport: decode %s payload: %w", env.Kind, err)
	}
	return nil
}

// Hello is the first message exchanged on every new connection, used to
// arbitrate simultaneous-dial per spec.md §4.5.
type Hello struct {
	NodeID      string `json:"nodeId"`
	ListenAddr  string `json:"listenAddr"`
	ProtocolVer int    `json:"protocolVersion"`
}

// Broadcast carries one replicated write for forwarding/application.
type Broadcast struct {
	MsgID      clock.MessageID `json:"msgId"`
	Path       string          `json:"path"`
	Record     store.Record    `json:"record"`
	HopBudget  int             `json:"hopBudget"`
	OriginNode string          `json:"originNode"`
}

// SyncRequest begins (or resumes) an anti-entropy pull. PeerClock is the
// requester's summary of what it already has; Paths restricts to a subset
// (empty means full sync). ResumeToken, if non-empty, must be a value the
// peer previously handed back on a SyncChunk.ResumeTok from an attempt
// that got interrupted; the peer uses it to look up its cached backlog for
// that attempt and continue from the chunk it left off on instead of
// recomputing (and resending) the whole backlog.
type SyncRequest struct {
	RequestID   string      `json:"requestId"`
	PeerClock   clock.Clock `json:"peerClock"`
	Paths       []string    `json:"paths,omitempty"`
	ResumeToken string      `json:"resumeToken,omitempty"`
}

// SyncResponse acknowledges a SyncRequest and announces how many chunks
// will follow.
type SyncResponse struct {
	RequestID   string `json:"requestId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
}

// SyncChunk carries one batch of records in a multi-chunk sync response.
// ResumeTok is the value the requester should echo back as a future
// SyncRequest's ResumeToken if this attempt is interrupted before
// SyncComplete, so the peer can pick up after the last chunk actually
// delivered instead of restarting the whole sync.
type SyncChunk struct {
	RequestID string             `json:"requestId"`
	Index     int                `json:"index"`
	Records   []store.PathRecord `json:"records"`
	ResumeTok string             `json:"resumeToken"`
}

// SyncProgress is an optional periodic progress report a sender may emit
// between chunks. The receiver only logs it; it does not extend the
// receiver's timeout.
type SyncProgress struct {
	RequestID    string `json:"requestId"`
	ChunksSoFar  int    `json:"chunksSoFar"`
	TotalChunks  int    `json:"totalChunks"`
}

// SyncComplete marks the end of a successful sync.
type SyncComplete struct {
	RequestID string `json:"requestId"`
}

// SyncAck is a generic per-chunk acknowledgement, letting the sender pace
// itself to the receiver rather than flooding a slow link.
type SyncAck struct {
	RequestID string `json:"requestId"`
	Index     int    `json:"index"`
}
