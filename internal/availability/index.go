// Package availability implements the AvailabilityIndex (spec §4.5): the
// FileId -> set<NodeId> mapping of which peers advertise which files,
// updated by broadcast ingest and local advertisement.
package availability

import "sync"

// KnownPeers reports whether a NodeId is a currently known peer, and
// whether it is authenticated. The index uses IsAuthenticated to filter
// peersWith() to authenticated peers only. Advertise does not call
// IsKnown; entries for a peer that goes away are removed through
// RemovePeer.
type KnownPeers interface {
	IsKnown(nodeId string) bool
	IsAuthenticated(nodeId string) bool
}

// Index is the default AvailabilityIndex implementation: a
// FileId -> set<NodeId> map guarded by a single mutex (writes serialize;
// the externally observable behavior is a sequentially consistent log of
// advertise/retract events, per spec §5).
type Index struct {
	mu    sync.RWMutex
	files map[string]map[string]struct{} // fileId -> set(nodeId)
	nodes map[string]map[string]struct{} // nodeId -> set(fileId), for filesOf and peer-removal cascade

	peers KnownPeers
}

// New builds an empty Index. peers is consulted by PeersWith to filter
// results to currently authenticated peers, and may be nil in tests that
// don't need that filter (PeersWith then returns the raw advertised set).
func New(peers KnownPeers) *Index {
	return &Index{
		files: make(map[string]map[string]struct{}),
		nodes: make(map[string]map[string]struct{}),
		peers: peers,
	}
}

// Advertise records that nodeId has fileId available.
func (idx *Index) Advertise(fileId, nodeId string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.files[fileId] == nil {
		idx.files[fileId] = make(map[string]struct{})
	}
	idx.files[fileId][nodeId] = struct{}{}
	if idx.nodes[nodeId] == nil {
		idx.nodes[nodeId] = make(map[string]struct{})
	}
	idx.nodes[nodeId][fileId] = struct{}{}
}

// Retract removes the (fileId, nodeId) entry.
func (idx *Index) Retract(fileId, nodeId string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.retractLocked(fileId, nodeId)
}

func (idx *Index) retractLocked(fileId, nodeId string) {
	if set, ok := idx.files[fileId]; ok {
		delete(set, nodeId)
		if len(set) == 0 {
			delete(idx.files, fileId)
		}
	}
	if set, ok := idx.nodes[nodeId]; ok {
		delete(set, fileId)
		if len(set) == 0 {
			delete(idx.nodes, nodeId)
		}
	}
}

// PeersWith returns the set of NodeIds advertising fileId, filtered to
// currently authenticated peers when a KnownPeers was supplied.
func (idx *Index) PeersWith(fileId string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.files[fileId]
	out := make([]string, 0, len(set))
	for nodeId := range set {
		if idx.peers != nil && !idx.peers.IsAuthenticated(nodeId) {
			continue
		}
		out = append(out, nodeId)
	}
	return out
}

// FilesOf returns the set of FileIds advertised by nodeId.
func (idx *Index) FilesOf(nodeId string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.nodes[nodeId]
	out := make([]string, 0, len(set))
	for fileId := range set {
		out = append(out, fileId)
	}
	return out
}

// RemovePeer cascades a PeerRecord's removal: every (fileId, nodeId)
// entry involving nodeId is dropped, satisfying invariant 5.
func (idx *Index) RemovePeer(nodeId string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for fileId := range idx.nodes[nodeId] {
		idx.retractLocked(fileId, nodeId)
	}
	delete(idx.nodes, nodeId)
}
