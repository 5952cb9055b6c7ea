package clock

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// MessageID is a globally unique id used to de-duplicate forwarded messages
// and to break ties between concurrent records: "{originId}:{monotonicCounter}:{randomSuffix}".
type MessageID string

// IDGenerator produces unique MessageIDs for one node. It is safe for
// concurrent use.
type IDGenerator struct {
	nodeID  string
	counter uint64
}

// NewIDGenerator returns a generator that stamps every id with nodeID.
func NewIDGenerator(nodeID string) *IDGenerator {
	return &IDGenerator{nodeID: nodeID}
}

// Next returns the next MessageID for this node.
func (g *IDGenerator) Next() MessageID {
	n := atomic.AddUint64(&g.counter, 1)
	suffix := uuid.New().String()[:8]
	return MessageID(fmt.Sprintf("%s:%d:%s", g.nodeID, n, suffix))
}

// NextRequestID returns a sync requestId in the same shape as a MessageID;
// the wire protocol treats them as distinct string namespaces but the
// generation scheme is identical.
func (g *IDGenerator) NextRequestID() string {
	return string(g.Next())
}
