// Package dispatch owns the task lifecycle: submission, routing to a live
// node connection, status updates flowing back from nodes, and the
// stop/follow-up operations built on top. It is the single write path for
// task state; the hub API and channel gateway are thin callers.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/otel"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/store"
)

// Routing failures surface as sentinel errors so callers can map them to
// their own status codes.
var (
	ErrNoNodes      = errors.New("no nodes connected")
	ErrNodeNotFound = errors.New("node not connected")
	ErrTaskNotFound = errors.New("task not found")
	ErrEmptyGoal    = errors.New("task goal must not be empty")
	ErrEmptyMessage = errors.New("message must not be empty")
)

// NodeDirectory is the live-connection view the dispatcher routes through.
// The hub registry implements it; tests substitute fakes.
type NodeDirectory interface {
	// Connected reports whether the node currently holds a live connection.
	Connected(nodeID string) bool
	// DefaultNode returns the earliest-connected node, if any.
	DefaultNode() (string, bool)
	// AssignTask forwards a task to the node and waits for its ack.
	AssignTask(ctx context.Context, nodeID string, params protocol.TaskAssignParams) error
	// StopTask forwards a stop request; delivery is best effort.
	StopTask(ctx context.Context, nodeID string, params protocol.TaskStopParams) error
}

// Config holds the dependencies for the dispatcher.
type Config struct {
	Store   *store.Store
	Nodes   NodeDirectory
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics // optional
}

// Dispatcher routes submitted work to node connections and records every
// state change in the store.
type Dispatcher struct {
	store   *store.Store
	nodes   NodeDirectory
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   cfg.Store,
		nodes:   cfg.Nodes,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// SubmitRequest describes one task submission.
type SubmitRequest struct {
	NodeID          string // empty routes to the default node
	Goal            string
	Model           string
	Origin          store.TaskOrigin
	ConversationKey string
	Context         json.RawMessage
}

// SubmitTask creates a pending task and forwards it to the target node.
// Routing fails fast: an explicit target that is not connected, or an empty
// registry for untargeted submissions, returns an error without creating
// anything. A forward failure after creation transitions the task to error
// so the record reflects what happened.
func (d *Dispatcher) SubmitTask(ctx context.Context, req SubmitRequest) (*store.Task, error) {
	if req.Goal == "" {
		return nil, ErrEmptyGoal
	}

	nodeID := req.NodeID
	if nodeID == "" {
		def, ok := d.nodes.DefaultNode()
		if !ok {
			return nil, ErrNoNodes
		}
		nodeID = def
	} else if !d.nodes.Connected(nodeID) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	task := &store.Task{
		ID:              uuid.NewString(),
		NodeID:          nodeID,
		Goal:            req.Goal,
		Model:           req.Model,
		Origin:          req.Origin,
		ConversationKey: req.ConversationKey,
		Status:          store.TaskStatusPending,
		Context:         req.Context,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if d.metrics != nil {
		d.metrics.TasksSubmitted.Add(ctx, 1)
	}
	d.publishTask(bus.TopicTaskCreated, task)
	d.logger.Info("task submitted",
		"task_id", task.ID, "node_id", nodeID, "origin", task.Origin)

	var turns []protocol.Message
	if len(req.Context) > 0 {
		// Unparsable stored context assigns the task without history rather
		// than blocking it.
		_ = json.Unmarshal(req.Context, &turns)
	}
	assign := protocol.TaskAssignParams{
		TaskID:  task.ID,
		Goal:    req.Goal,
		Model:   req.Model,
		Context: turns,
	}
	if err := d.nodes.AssignTask(ctx, nodeID, assign); err != nil {
		reason := fmt.Sprintf("assign failed: %v", err)
		d.failTask(ctx, task, reason)
		return nil, fmt.Errorf("assign task %s to node %s: %w", task.ID, nodeID, err)
	}
	return task, nil
}

// failTask moves a task to error after a forwarding failure; the transition
// itself is best effort because the task may have raced to terminal already.
func (d *Dispatcher) failTask(ctx context.Context, task *store.Task, reason string) {
	applied, err := d.store.TransitionTask(ctx, task.ID, store.TaskStatusError, store.TransitionUpdate{
		Error: &reason,
	})
	if err != nil {
		d.logger.Error("mark task failed", "task_id", task.ID, "error", err)
		return
	}
	if applied {
		task.Status = store.TaskStatusError
		task.Error = reason
		d.publishTask(bus.TopicTaskStatusPrefix+string(store.TaskStatusError), task)
	}
}

// SendMessage continues a conversation: it starts a follow-up task on the
// same node, carrying the prior task's turns as accumulated context.
func (d *Dispatcher) SendMessage(ctx context.Context, taskID, message string) (*store.Task, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	prior, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}

	return d.SubmitTask(ctx, SubmitRequest{
		NodeID:          prior.NodeID,
		Goal:            message,
		Model:           prior.Model,
		Origin:          prior.Origin,
		ConversationKey: prior.ConversationKey,
		Context:         accumulateContext(prior),
	})
}

// accumulateContext extends the prior task's context with its own exchange:
// the goal as a user turn and the best available output as the reply.
func accumulateContext(prior *store.Task) json.RawMessage {
	var msgs []protocol.Message
	if len(prior.Context) > 0 {
		// Unparsable context starts the successor fresh rather than
		// failing the whole message.
		_ = json.Unmarshal(prior.Context, &msgs)
	}
	msgs = append(msgs, protocol.Message{Role: "user", Content: prior.Goal})
	switch {
	case prior.Result != "":
		msgs = append(msgs, protocol.Message{Role: "assistant", Content: prior.Result})
	case prior.PartialText != "":
		msgs = append(msgs, protocol.Message{Role: "assistant", Content: prior.PartialText})
	}
	out, err := json.Marshal(msgs)
	if err != nil {
		return nil
	}
	return out
}

// StopTask marks a task stopped and forwards the stop to its node without
// waiting for the node to comply. Stopping an already-terminal task is a
// no-op that still succeeds.
func (d *Dispatcher) StopTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Status.Terminal() {
		return task, nil
	}

	applied, err := d.store.TransitionTask(ctx, taskID, store.TaskStatusStopped, store.TransitionUpdate{})
	if err != nil {
		return nil, fmt.Errorf("stop task: %w", err)
	}
	if !applied {
		// Raced to terminal between the read and the update.
		return d.store.GetTask(ctx, taskID)
	}

	task.Status = store.TaskStatusStopped
	d.publishTask(bus.TopicTaskStatusPrefix+string(store.TaskStatusStopped), task)
	d.observeDuration(ctx, task)
	d.logger.Info("task stopped", "task_id", taskID, "node_id", task.NodeID)

	// The node cannot be force-killed; the stop propagates asynchronously
	// and any late terminal report is ignored by monotonicity.
	if task.NodeID != "" && d.nodes.Connected(task.NodeID) {
		nodeID := task.NodeID
		go func() {
			fwdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.nodes.StopTask(fwdCtx, nodeID, protocol.TaskStopParams{TaskID: taskID}); err != nil {
				d.logger.Warn("forward stop failed", "task_id", taskID, "node_id", nodeID, "error", err)
			}
		}()
	}
	return task, nil
}

// HandleUpdate applies a task.update reported by a node. The returned flag
// tells the node whether the update took effect; false means it was ignored
// (unknown task without a goal, wrong node, or a non-forward transition).
func (d *Dispatcher) HandleUpdate(ctx context.Context, nodeID string, p protocol.TaskUpdateParams) (bool, error) {
	task, err := d.store.GetTask(ctx, p.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		if p.Goal == "" {
			d.logger.Warn("update for unknown task ignored", "task_id", p.TaskID, "node_id", nodeID)
			return false, nil
		}
		return d.adoptNodeTask(ctx, nodeID, p)
	}
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}

	if task.NodeID != "" && task.NodeID != nodeID {
		d.logger.Warn("update from wrong node ignored",
			"task_id", p.TaskID, "owner", task.NodeID, "sender", nodeID)
		return false, nil
	}

	accepted := false
	if p.PartialText != "" {
		applied, err := d.store.UpdateTaskOutput(ctx, p.TaskID, p.PartialText)
		if err != nil {
			return false, fmt.Errorf("update output: %w", err)
		}
		if applied {
			accepted = true
			if d.bus != nil {
				d.bus.Publish(bus.TopicTaskOutput, bus.TaskOutputEvent{
					TaskID:      p.TaskID,
					NodeID:      nodeID,
					PartialText: p.PartialText,
				})
			}
		}
	}

	if p.Status != "" && p.Status != string(task.Status) {
		if !store.ValidTaskStatus(p.Status) {
			d.logger.Warn("update with invalid status ignored",
				"task_id", p.TaskID, "status", p.Status, "node_id", nodeID)
			return accepted, nil
		}
		applied, err := d.applyTransition(ctx, task, store.TaskStatus(p.Status), p)
		if err != nil {
			return accepted, err
		}
		accepted = accepted || applied
	}
	return accepted, nil
}

// adoptNodeTask records a task the node started on its own (a local
// scheduled job): the first update carrying the goal creates the record.
func (d *Dispatcher) adoptNodeTask(ctx context.Context, nodeID string, p protocol.TaskUpdateParams) (bool, error) {
	task := &store.Task{
		ID:     p.TaskID,
		NodeID: nodeID,
		Goal:   p.Goal,
		Origin: store.TaskOriginNode,
		Status: store.TaskStatusRunning,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return false, fmt.Errorf("adopt node task: %w", err)
	}
	d.publishTask(bus.TopicTaskCreated, task)
	d.logger.Info("adopted node-originated task", "task_id", p.TaskID, "node_id", nodeID)

	if p.Status != "" && p.Status != string(store.TaskStatusRunning) && store.ValidTaskStatus(p.Status) {
		if _, err := d.applyTransition(ctx, task, store.TaskStatus(p.Status), p); err != nil {
			return true, err
		}
	}
	if p.PartialText != "" {
		if _, err := d.store.UpdateTaskOutput(ctx, p.TaskID, p.PartialText); err != nil {
			return true, fmt.Errorf("update output: %w", err)
		}
	}
	return true, nil
}

func (d *Dispatcher) applyTransition(ctx context.Context, task *store.Task, to store.TaskStatus, p protocol.TaskUpdateParams) (bool, error) {
	upd := store.TransitionUpdate{}
	if p.PartialText != "" {
		upd.PartialText = &p.PartialText
	}
	if p.Result != "" {
		upd.Result = &p.Result
	}
	if p.Error != "" {
		upd.Error = &p.Error
	}

	applied, err := d.store.TransitionTask(ctx, task.ID, to, upd)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	if !applied {
		d.logger.Debug("transition ignored",
			"task_id", task.ID, "from", task.Status, "to", to)
		return false, nil
	}

	task.Status = to
	if p.Result != "" {
		task.Result = p.Result
	}
	if p.Error != "" {
		task.Error = p.Error
	}
	d.publishTask(bus.TopicTaskStatusPrefix+string(to), task)
	if to.Terminal() {
		d.observeDuration(ctx, task)
	}
	d.logger.Info("task status", "task_id", task.ID, "status", to, "node_id", task.NodeID)
	return true, nil
}

func (d *Dispatcher) publishTask(topic string, task *store.Task) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(topic, bus.TaskEvent{
		TaskID:          task.ID,
		NodeID:          task.NodeID,
		Status:          string(task.Status),
		Origin:          string(task.Origin),
		ConversationKey: task.ConversationKey,
		Result:          task.Result,
		Error:           task.Error,
	})
}

func (d *Dispatcher) observeDuration(ctx context.Context, task *store.Task) {
	if d.metrics == nil || task.CreatedAt.IsZero() {
		return
	}
	d.metrics.TaskDuration.Record(ctx, time.Since(task.CreatedAt).Seconds())
}

// GetTask returns one task by id.
func (d *Dispatcher) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, err
}

// ListTasks returns recent tasks, optionally filtered by status.
func (d *Dispatcher) ListTasks(ctx context.Context, limit int, status store.TaskStatus) ([]store.Task, error) {
	return d.store.ListTasks(ctx, limit, status)
}

// ListEvents returns the merged activity+system stream after the cursor.
// sinceID refines the bound for pollers that track the composite (At, ID)
// cursor; zero means timestamp-only.
func (d *Dispatcher) ListEvents(ctx context.Context, limit int, since time.Time, sinceID int64) ([]store.Event, error) {
	return d.store.ListEvents(ctx, limit, since, sinceID)
}

// SubmitJob lets a scheduler fire through the dispatcher. Jobs without a
// target node route to the default node like any other submission.
func (d *Dispatcher) SubmitJob(ctx context.Context, job protocol.Job) (string, error) {
	task, err := d.SubmitTask(ctx, SubmitRequest{
		NodeID:          job.NodeID,
		Goal:            job.Prompt,
		Model:           job.Model,
		Origin:          store.TaskOriginSchedule,
		ConversationKey: "job:" + job.Name,
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// TaskLive reports whether a previously submitted task is still pending or
// running. Unknown tasks count as not live.
func (d *Dispatcher) TaskLive(ctx context.Context, taskID string) (bool, error) {
	task, err := d.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !task.Status.Terminal(), nil
}
