package cluster

import "sync"

// PeerInfo is what the Directory remembers about a peer once it has
// completed a handshake at least once.
type PeerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Directory tracks every peer this node has successfully handshaken with,
// feeding the Ring so preference ranking reflects the CURRENT peer set
// rather than only the statically-configured one.
//
// Adapted from the teacher's internal/cluster/membership.go Membership
// type: Join/Leave become Observe/Forget, node.IsAlive drops out (liveness
// here is PeerSession.State(), owned by the peer package, not duplicated
// here), and ReplicaNodes drops out along with the sharding model it served.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo // keyed by ID
	ring  *Ring
}

// NewDirectory creates an empty Directory backed by a fresh Ring.
func NewDirectory(vnodes int) *Directory {
	return &Directory{peers: make(map[string]PeerInfo), ring: NewRing(vnodes)}
}

// Observe records (or refreshes) a peer's identity, called whenever a
// PeerSession completes its handshake.
func (d *Directory) Observe(id, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, existed := d.peers[id]; !existed {
		d.ring.AddPeer(id)
	}
	d.peers[id] = PeerInfo{ID: id, Address: address}
}

// Forget removes a peer from the Directory and its Ring. The Node never
// calls it, so a peer stays known once observed, even after its session
// closes.
func (d *Directory) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[id]; !ok {
		return
	}
	delete(d.peers, id)
	d.ring.RemovePeer(id)
}

// All returns every known peer.
func (d *Directory) All() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// RankAddresses returns the known peer addresses in preference order for
// path: a stable, load-spread contact order rather than map iteration
// order. The sync engine's sweep does not use it.
func (d *Directory) RankAddresses(path string) []string {
	d.mu.RLock()
	byID := make(map[string]string, len(d.peers))
	for id, p := range d.peers {
		byID[id] = p.Address
	}
	d.mu.RUnlock()

	ranked := d.ring.Rank(path)
	out := make([]string, 0, len(ranked))
	for _, id := range ranked {
		if addr, ok := byID[id]; ok {
			out = append(out, addr)
		}
	}
	return out
}
