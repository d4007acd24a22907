// Package node is the agent side of the fleet: a connection controller that
// keeps one duplex link to the hub alive, and an agent that executes the
// work pushed over it.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/flotilla/internal/protocol"
)

// State is the controller's connection lifecycle phase.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateReconnecting   State = "reconnecting"
)

// ErrNotConnected is returned for outbound calls while the link is down.
// Callers decide whether to drop or retry; the controller never queues.
var ErrNotConnected = errors.New("node: not connected to hub")

// PushKind discriminates the inbound push variants.
type PushKind string

const (
	PushTaskAssign PushKind = "task.assign"
	PushTaskStop   PushKind = "task.stop"
	PushJob        PushKind = "job.push"
	PushConfig     PushKind = "config.push"
)

// Push is one hub-initiated instruction, surfaced on the controller's event
// channel. Exactly one payload field is set, matching Kind.
type Push struct {
	Kind     PushKind
	Assign   *protocol.TaskAssignParams
	Stop     *protocol.TaskStopParams
	Job      *protocol.Job
	Settings map[string]string
}

// ControllerConfig carries the identity and timing a controller runs with.
type ControllerConfig struct {
	HubURL       string
	Token        string
	NodeID       string
	Name         string
	Platform     string
	Version      string
	Capabilities []string

	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration

	// Snapshot supplies the heartbeat body: running task ids plus a fresh
	// resource sample. Called from the controller's run loop.
	Snapshot func() protocol.HeartbeatParams

	Logger *slog.Logger
}

// Controller maintains the node's connection to the hub: dial, authenticate,
// heartbeat, reconnect forever on a fixed interval. It performs no task
// logic; hub pushes surface on Pushes() for the hosting process to consume.
type Controller struct {
	cfg    ControllerConfig
	logger *slog.Logger
	pushes chan Push

	mu    sync.Mutex
	state State
	peer  *protocol.Peer

	// dial is swapped by tests to fail or redirect connections.
	dial func(ctx context.Context) (*websocket.Conn, error)
}

func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	c := &Controller{
		cfg:    cfg,
		logger: logger,
		pushes: make(chan Push, 32),
		state:  StateIdle,
	}
	c.dial = c.dialHub
	return c
}

// Pushes is the stream of hub-initiated instructions. The channel is never
// closed; consumers stop with their own context.
func (c *Controller) Pushes() <-chan Push { return c.pushes }

// State reports the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) currentPeer() *protocol.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return nil
	}
	return c.peer
}

// Run drives the connection until ctx ends. Every failure path waits the
// fixed reconnect interval and tries again; there is no backoff and no
// attempt limit.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateIdle)
			return err
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return ctx.Err()
		}
		c.logger.Warn("hub session ended", "error", err,
			"retry_in", c.cfg.ReconnectInterval)
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// session runs one connect→authenticate→active cycle and returns when the
// link drops.
func (c *Controller) session(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.setState(StateAuthenticating)
	if err := c.hello(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return err
	}

	peer := protocol.NewPeer(conn, c.handle)
	c.mu.Lock()
	c.peer = peer
	c.state = StateActive
	c.mu.Unlock()
	c.logger.Info("connected to hub", "node_id", c.cfg.NodeID, "hub_url", c.cfg.HubURL)

	serveErr := make(chan error, 1)
	go func() { serveErr <- peer.Serve(ctx) }()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		c.peer = nil
		c.mu.Unlock()
		peer.Close(websocket.StatusNormalClosure, "session over")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serveErr:
			return fmt.Errorf("transport: %w", err)
		case <-ticker.C:
			if err := c.heartbeat(ctx, peer); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (c *Controller) dialHub(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.HubURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}},
	})
	return conn, err
}

// hello authenticates on the fresh transport. The hub requires it as the
// first frame, before the peer loop starts.
func (c *Controller) hello(ctx context.Context, conn *websocket.Conn) error {
	frame, err := protocol.NewRequest(1, protocol.MethodHello, protocol.HelloParams{
		NodeID:       c.cfg.NodeID,
		Token:        c.cfg.Token,
		Name:         c.cfg.Name,
		Platform:     c.cfg.Platform,
		Version:      c.cfg.Version,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("build hello: %w", err)
	}

	helloCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := wsjson.Write(helloCtx, conn, frame); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	var resp protocol.Frame
	if err := wsjson.Read(helloCtx, conn, &resp); err != nil {
		return fmt.Errorf("read hello response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("hello rejected: %w", resp.Error)
	}
	return nil
}

func (c *Controller) heartbeat(ctx context.Context, peer *protocol.Peer) error {
	var params protocol.HeartbeatParams
	if c.cfg.Snapshot != nil {
		params = c.cfg.Snapshot()
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var res protocol.OKResult
	return peer.Call(callCtx, protocol.MethodHeartbeat, params, &res)
}

// handle turns hub requests into pushes. Replies are sent before the
// consumer acts: accepted means enqueued, not completed.
func (c *Controller) handle(_ context.Context, frame *protocol.Frame) *protocol.Frame {
	switch frame.Method {
	case protocol.MethodTaskAssign:
		var params protocol.TaskAssignParams
		if err := unmarshalParams(frame, &params); err != nil {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, err.Error())
		}
		if !c.enqueue(Push{Kind: PushTaskAssign, Assign: &params}) {
			return mustResult(frame.ID, protocol.TaskAssignResult{Accepted: false, Reason: "push queue full"})
		}
		return mustResult(frame.ID, protocol.TaskAssignResult{Accepted: true})

	case protocol.MethodTaskStop:
		var params protocol.TaskStopParams
		if err := unmarshalParams(frame, &params); err != nil {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, err.Error())
		}
		accepted := c.enqueue(Push{Kind: PushTaskStop, Stop: &params})
		return mustResult(frame.ID, protocol.TaskStopResult{Accepted: accepted})

	case protocol.MethodJobPush:
		var params protocol.JobPushParams
		if err := unmarshalParams(frame, &params); err != nil {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, err.Error())
		}
		c.enqueue(Push{Kind: PushJob, Job: &params.Job})
		return mustResult(frame.ID, protocol.OKResult{OK: true})

	case protocol.MethodConfigPush:
		var params protocol.ConfigPushParams
		if err := unmarshalParams(frame, &params); err != nil {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, err.Error())
		}
		c.enqueue(Push{Kind: PushConfig, Settings: params.Settings})
		return mustResult(frame.ID, protocol.OKResult{OK: true})
	}

	if frame.IsRequest() {
		return protocol.NewError(frame.ID, protocol.CodeMethodNotFound, "unknown method "+frame.Method)
	}
	return nil
}

func (c *Controller) enqueue(p Push) bool {
	select {
	case c.pushes <- p:
		return true
	default:
		c.logger.Error("push queue full, dropping", "kind", p.Kind)
		return false
	}
}

// TaskUpdate reports task progress to the hub. The returned accepted flag is
// false when the hub has discarded the task (already terminal); the caller
// should drop its local state for it.
func (c *Controller) TaskUpdate(ctx context.Context, params protocol.TaskUpdateParams) (bool, error) {
	peer := c.currentPeer()
	if peer == nil {
		return false, ErrNotConnected
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var res protocol.TaskUpdateResult
	if err := peer.Call(callCtx, protocol.MethodTaskUpdate, params, &res); err != nil {
		return false, err
	}
	return res.Accepted, nil
}

// ReportJobs tells the hub which jobs this node's scheduler has loaded.
func (c *Controller) ReportJobs(ctx context.Context, jobs []protocol.JobSummary) error {
	peer := c.currentPeer()
	if peer == nil {
		return ErrNotConnected
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var res protocol.OKResult
	return peer.Call(callCtx, protocol.MethodJobsReport, protocol.JobsReportParams{Jobs: jobs}, &res)
}

func unmarshalParams(frame *protocol.Frame, v any) error {
	if len(frame.Params) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(frame.Params, v)
}

func mustResult(id json.RawMessage, result any) *protocol.Frame {
	frame, err := protocol.NewResult(id, result)
	if err != nil {
		return protocol.NewError(id, protocol.CodeInternalError, "encode result")
	}
	return frame
}
