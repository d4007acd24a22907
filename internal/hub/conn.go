package hub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/flotilla/internal/protocol"
)

// callTimeout bounds every hub-initiated RPC. Nodes ack pushes immediately
// and run the work async, so a slow answer means a sick connection.
const callTimeout = 15 * time.Second

// NodeConn is one live node session: the duplex peer plus the liveness state
// the watchdog sweeps. All methods are safe for concurrent use.
type NodeConn struct {
	nodeID      string
	name        string
	connectedAt time.Time
	peer        *protocol.Peer

	lastBeat atomic.Int64 // unix nanos of the newest heartbeat
}

func NewNodeConn(nodeID, name string, connectedAt time.Time, peer *protocol.Peer) *NodeConn {
	nc := &NodeConn{
		nodeID:      nodeID,
		name:        name,
		connectedAt: connectedAt,
		peer:        peer,
	}
	// The handshake counts as the first sign of life.
	nc.lastBeat.Store(connectedAt.UnixNano())
	return nc
}

func (nc *NodeConn) NodeID() string         { return nc.nodeID }
func (nc *NodeConn) Name() string           { return nc.name }
func (nc *NodeConn) ConnectedAt() time.Time { return nc.connectedAt }

// TouchHeartbeat records a heartbeat arrival.
func (nc *NodeConn) TouchHeartbeat() {
	nc.lastBeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns when the node last proved liveness.
func (nc *NodeConn) LastHeartbeat() time.Time {
	return time.Unix(0, nc.lastBeat.Load())
}

// AssignTask pushes a task to the node and waits for its ack. A transport
// failure or an explicit rejection both fail the assignment.
func (nc *NodeConn) AssignTask(ctx context.Context, params protocol.TaskAssignParams) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var res protocol.TaskAssignResult
	if err := nc.peer.Call(ctx, protocol.MethodTaskAssign, params, &res); err != nil {
		return fmt.Errorf("assign %s: %w", params.TaskID, err)
	}
	if !res.Accepted {
		reason := res.Reason
		if reason == "" {
			reason = "rejected"
		}
		return fmt.Errorf("assign %s: node %s: %s", params.TaskID, nc.nodeID, reason)
	}
	return nil
}

// StopTask forwards a stop request. The node answering accepted=false just
// means it no longer tracks the task, which is not a failure for the hub.
func (nc *NodeConn) StopTask(ctx context.Context, params protocol.TaskStopParams) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var res protocol.TaskStopResult
	if err := nc.peer.Call(ctx, protocol.MethodTaskStop, params, &res); err != nil {
		return fmt.Errorf("stop %s: %w", params.TaskID, err)
	}
	return nil
}

// PushJob sends a job record for the node to persist and reload.
func (nc *NodeConn) PushJob(ctx context.Context, job protocol.Job) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var res protocol.OKResult
	if err := nc.peer.Call(ctx, protocol.MethodJobPush, protocol.JobPushParams{Job: job}, &res); err != nil {
		return fmt.Errorf("push job %q: %w", job.Name, err)
	}
	if !res.OK {
		return fmt.Errorf("push job %q: node %s refused it", job.Name, nc.nodeID)
	}
	return nil
}

// PushConfig sends runtime settings the node applies without restarting.
func (nc *NodeConn) PushConfig(ctx context.Context, settings map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	var res protocol.OKResult
	if err := nc.peer.Call(ctx, protocol.MethodConfigPush, protocol.ConfigPushParams{Settings: settings}, &res); err != nil {
		return fmt.Errorf("push config: %w", err)
	}
	return nil
}

// Close tears down the underlying socket. Safe to call more than once.
func (nc *NodeConn) Close(status websocket.StatusCode, reason string) {
	_ = nc.peer.Close(status, reason)
}
