package cluster

import "testing"

func TestRankIncludesEveryPeerExactlyOnce(t *testing.T) {
	r := NewRing(10)
	r.AddPeer("a")
	r.AddPeer("b")
	r.AddPeer("c")

	ranked := r.Rank("some/path")
	if len(ranked) != 3 {
		t.Fatalf("expected 3 peers in the ranking, got %d", len(ranked))
	}
	seen := map[string]bool{}
	for _, id := range ranked {
		if seen[id] {
			t.Fatalf("peer %s appeared twice in %v", id, ranked)
		}
		seen[id] = true
	}
}

func TestRankIsDeterministicForTheSamePath(t *testing.T) {
	r := NewRing(10)
	r.AddPeer("a")
	r.AddPeer("b")
	r.AddPeer("c")

	first := r.Rank("fixed/path")
	second := r.Rank("fixed/path")
	if len(first) != len(second) {
		t.Fatalf("ranking length changed across calls: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("ranking order changed across calls: %v vs %v", first, second)
		}
	}
}

func TestRemovePeerDropsItFromRanking(t *testing.T) {
	r := NewRing(10)
	r.AddPeer("a")
	r.AddPeer("b")
	r.RemovePeer("a")

	for _, id := range r.Rank("x") {
		if id == "a" {
			t.Fatal("expected removed peer to be absent from the ranking")
		}
	}
}

func TestRankOnEmptyRingReturnsNil(t *testing.T) {
	r := NewRing(10)
	if got := r.Rank("x"); got != nil {
		t.Fatalf("expected nil for an empty ring, got %v", got)
	}
}

func TestDirectoryObserveThenAll(t *testing.T) {
	d := NewDirectory(10)
	d.Observe("n1", "host1:8080")
	d.Observe("n2", "host2:8080")

	all := d.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 known peers, got %d", len(all))
	}
}

func TestDirectoryObserveIsIdempotentForRingMembership(t *testing.T) {
	d := NewDirectory(10)
	d.Observe("n1", "host1:8080")
	d.Observe("n1", "host1-updated:8080") // reconnect with a new address

	all := d.All()
	if len(all) != 1 || all[0].Address != "host1-updated:8080" {
		t.Fatalf("expected the address to refresh in-place, got %v", all)
	}
}

func TestDirectoryForgetRemovesPeer(t *testing.T) {
	d := NewDirectory(10)
	d.Observe("n1", "host1:8080")
	d.Forget("n1")

	if all := d.All(); len(all) != 0 {
		t.Fatalf("expected no known peers after Forget, got %v", all)
	}
}

func TestRankAddressesResolvesIDsToAddresses(t *testing.T) {
	d := NewDirectory(10)
	d.Observe("n1", "host1:8080")
	d.Observe("n2", "host2:8080")

	addrs := d.RankAddresses("some/path")
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %v", addrs)
	}
	for _, a := range addrs {
		if a != "host1:8080" && a != "host2:8080" {
			t.Fatalf("unexpected address in ranking: %s", a)
		}
	}
}
