package availability

import "testing"

type fakePeers struct {
	known map[string]bool
	auth  map[string]bool
}

func (f *fakePeers) IsKnown(nodeId string) bool         { return f.known[nodeId] }
func (f *fakePeers) IsAuthenticated(nodeId string) bool { return f.auth[nodeId] }

func TestAdvertiseRetract(t *testing.T) {
	idx := New(nil)
	idx.Advertise("file-1", "node-a")
	idx.Advertise("file-1", "node-b")

	peers := idx.PeersWith("file-1")
	if len(peers) != 2 {
		t.Fatalf("PeersWith = %v, want 2 entries", peers)
	}

	idx.Retract("file-1", "node-a")
	peers = idx.PeersWith("file-1")
	if len(peers) != 1 || peers[0] != "node-b" {
		t.Fatalf("after retract, PeersWith = %v, want [node-b]", peers)
	}
}

func TestPeersWithFiltersUnauthenticated(t *testing.T) {
	fp := &fakePeers{known: map[string]bool{"node-a": true}, auth: map[string]bool{}}
	idx := New(fp)
	idx.Advertise("file-1", "node-a")

	if peers := idx.PeersWith("file-1"); len(peers) != 0 {
		t.Fatalf("expected unauthenticated peer filtered out, got %v", peers)
	}

	fp.auth["node-a"] = true
	if peers := idx.PeersWith("file-1"); len(peers) != 1 {
		t.Fatalf("expected authenticated peer present, got %v", peers)
	}
}

func TestRemovePeerCascades(t *testing.T) {
	idx := New(nil)
	idx.Advertise("file-1", "node-a")
	idx.Advertise("file-2", "node-a")
	idx.Advertise("file-1", "node-b")

	idx.RemovePeer("node-a")

	if peers := idx.PeersWith("file-1"); len(peers) != 1 || peers[0] != "node-b" {
		t.Fatalf("PeersWith(file-1) = %v, want [node-b]", peers)
	}
	if peers := idx.PeersWith("file-2"); len(peers) != 0 {
		t.Fatalf("PeersWith(file-2) = %v, want empty after peer removal", peers)
	}
	if files := idx.FilesOf("node-a"); len(files) != 0 {
		t.Fatalf("FilesOf(node-a) = %v, want empty after removal", files)
	}
}

func TestFloodPolicyRespectsTTL(t *testing.T) {
	var p FloodPolicy
	if out := p.Forward(0, []string{"a", "b"}); len(out) != 0 {
		t.Fatalf("ttl=0 should forward to nobody, got %v", out)
	}
	if out := p.Forward(3, []string{"a", "b"}); len(out) != 2 {
		t.Fatalf("ttl=3 should forward to all candidates, got %v", out)
	}
}
