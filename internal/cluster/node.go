// Package cluster manages the replicated database cluster behind the
// gateway: bring-up, health convergence, primary discovery and failover
// injection. The cluster itself is a black box reached through a container
// runtime and per-node writability checks.
package cluster

import (
	"fmt"
	"sync"
)

// Role is a node's position in the replication topology. Roles are derived
// from live writability checks and never persisted; every discovery pass
// re-evaluates them.
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "unknown"
	}
}

// Node is one cluster member. Name doubles as the container name for the
// runtime's stop/start operations. Identity is (Host, DataPort).
type Node struct {
	Name        string
	Host        string
	DataPort    int
	ControlPort int
	Role        Role
}

// Addr returns the node's data-plane address.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.DataPort)
}

// Topology counts nodes per role from one discovery pass.
type Topology struct {
	Primaries int
	Replicas  int
	Unknown   int
}

// State holds the configured node list in insertion order, which fixes the
// iteration order during discovery, plus a cached primary reference that is
// invalidated on every failover trigger.
type State struct {
	mu      sync.RWMutex
	nodes   []Node
	primary *Node
}

// NewState builds cluster state from the configured node list.
func NewState(nodes []Node) *State {
	s := &State{nodes: make([]Node, len(nodes))}
	copy(s.nodes, nodes)
	return s
}

// Nodes returns a copy of the node list in configured order.
func (s *State) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Len returns the configured node count.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// SetRole updates the derived role of the named node.
func (s *State) SetRole(name string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if s.nodes[i].Name == name {
			s.nodes[i].Role = role
			return
		}
	}
}

// Primary returns the cached primary, or nil when none has been resolved
// since the last invalidation.
func (s *State) Primary() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.primary == nil {
		return nil
	}
	n := *s.primary
	return &n
}

// SetPrimary caches the resolved primary.
func (s *State) SetPrimary(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = &n
}

// InvalidatePrimary drops the cached primary, forcing the next lookup to
// re-discover.
func (s *State) InvalidatePrimary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = nil
}

// Topology tallies current roles.
func (s *State) Topology() Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t Topology
	for _, n := range s.nodes {
		switch n.Role {
		case RolePrimary:
			t.Primaries++
		case RoleReplica:
			t.Replicas++
		default:
			t.Unknown++
		}
	}
	return t
}
