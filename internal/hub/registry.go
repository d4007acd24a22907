package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/basket/flotilla/internal/protocol"
)

// Registry is the map of node id to live connection. It is the single shared
// mutable structure of the hub: registration inserts or replaces, teardown
// removes only if the departing connection is still the current one, so a
// reconnect racing the old session's cleanup never loses the new binding.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*NodeConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*NodeConn)}
}

// Bind installs conn as the live connection for its node id and returns the
// connection it replaced, if any. Callers close the returned connection; the
// map swap already happened, so nothing routes to it anymore.
func (r *Registry) Bind(conn *NodeConn) *NodeConn {
	r.mu.Lock()
	prev := r.conns[conn.NodeID()]
	r.conns[conn.NodeID()] = conn
	r.mu.Unlock()
	if prev == conn {
		return nil
	}
	return prev
}

// Release removes conn if it is still the current binding for its node id.
// Returns false when a newer connection has already replaced it.
func (r *Registry) Release(conn *NodeConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conn.NodeID()] != conn {
		return false
	}
	delete(r.conns, conn.NodeID())
	return true
}

// Get returns the live connection for a node id.
func (r *Registry) Get(nodeID string) (*NodeConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[nodeID]
	return conn, ok
}

// Connected reports whether the node currently holds a live connection.
func (r *Registry) Connected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[nodeID]
	return ok
}

// DefaultNode picks the earliest-connected node, breaking ties by id so
// untargeted submissions route deterministically.
func (r *Registry) DefaultNode() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *NodeConn
	for _, conn := range r.conns {
		if best == nil {
			best = conn
			continue
		}
		switch {
		case conn.ConnectedAt().Before(best.ConnectedAt()):
			best = conn
		case conn.ConnectedAt().Equal(best.ConnectedAt()) && conn.NodeID() < best.NodeID():
			best = conn
		}
	}
	if best == nil {
		return "", false
	}
	return best.NodeID(), true
}

// Snapshot returns the current connections, ordered by node id. The slice is
// a copy; connections may be unbound by the time the caller uses them.
func (r *Registry) Snapshot() []*NodeConn {
	r.mu.RLock()
	out := make([]*NodeConn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID() < out[j].NodeID() })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AssignTask forwards a task to the named node's live connection.
func (r *Registry) AssignTask(ctx context.Context, nodeID string, params protocol.TaskAssignParams) error {
	conn, ok := r.Get(nodeID)
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}
	return conn.AssignTask(ctx, params)
}

// StopTask forwards a stop request to the named node's live connection.
func (r *Registry) StopTask(ctx context.Context, nodeID string, params protocol.TaskStopParams) error {
	conn, ok := r.Get(nodeID)
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}
	return conn.StopTask(ctx, params)
}

// PushJob forwards a job record to the named node.
func (r *Registry) PushJob(ctx context.Context, nodeID string, job protocol.Job) error {
	conn, ok := r.Get(nodeID)
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}
	return conn.PushJob(ctx, job)
}

// PushConfig forwards runtime settings to the named node.
func (r *Registry) PushConfig(ctx context.Context, nodeID string, settings map[string]string) error {
	conn, ok := r.Get(nodeID)
	if !ok {
		return fmt.Errorf("node %s not connected", nodeID)
	}
	return conn.PushConfig(ctx, settings)
}

// BroadcastConfig pushes settings to every connected node, best effort.
// Returns the ids that failed.
func (r *Registry) BroadcastConfig(ctx context.Context, settings map[string]string) []string {
	var failed []string
	for _, conn := range r.Snapshot() {
		if err := conn.PushConfig(ctx, settings); err != nil {
			failed = append(failed, conn.NodeID())
		}
	}
	return failed
}
