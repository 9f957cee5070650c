package cluster

import (
	"sort"
	"sync"
	"time"
)

// Node is an admitted peer and the link it was admitted on.
type Node struct {
	ID         string
	Address    string
	AdmittedAt time.Time

	handler *Handler
}

// Outbound reports whether this node dialed the link.
func (n *Node) Outbound() bool { return n.handler.conn.Outbound() }

// NodeSet is the live membership of the cluster as seen by one node.
// All mutations go through its lock.
type NodeSet struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewNodeSet creates an empty set.
func NewNodeSet() *NodeSet {
	return &NodeSet{nodes: make(map[string]*Node)}
}

// Add inserts n. When a node with the same ID is present, keep decides which
// one stays: it receives the present node and n and returns true to keep n.
// It returns whether n was added and the node it displaced, if any.
func (s *NodeSet) Add(n *Node, keep func(present, candidate *Node) bool) (bool, *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present, ok := s.nodes[n.ID]
	if !ok {
		s.nodes[n.ID] = n
		return true, nil
	}
	if present == n {
		return false, nil
	}
	if keep != nil && !keep(present, n) {
		return false, nil
	}
	s.nodes[n.ID] = n
	return true, present
}

// RemoveIf removes n only if it is still the member registered under its ID.
func (s *NodeSet) RemoveIf(n *Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if present, ok := s.nodes[n.ID]; ok && present == n {
		delete(s.nodes, n.ID)
		return true
	}
	return false
}

// Get returns the member with the given ID.
func (s *NodeSet) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// HasAddress reports whether a member advertised address.
func (s *NodeSet) HasAddress(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Address == address {
			return true
		}
	}
	return false
}

// List returns the members ordered by ID.
func (s *NodeSet) List() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of members.
func (s *NodeSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
