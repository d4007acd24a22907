package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/flotilla/internal/jobstore"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/scheduler"
	"github.com/basket/flotilla/internal/store"
)

// AgentConfig wires an agent's collaborators.
type AgentConfig struct {
	Controller *Controller
	Executor   Executor
	Jobs       *jobstore.Store      // nil disables the local scheduler
	Scheduler  *scheduler.Scheduler // nil disables the local scheduler
	Logger     *slog.Logger
}

// Agent hosts the execution side of a node: it consumes the controller's
// push stream, runs tasks through the executor, keeps the local job
// scheduler fed, and reports everything back over the controller.
type Agent struct {
	controller *Controller
	executor   Executor
	jobs       *jobstore.Store
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
	startedAt  time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewAgent(cfg AgentConfig) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		controller: cfg.Controller,
		executor:   cfg.Executor,
		jobs:       cfg.Jobs,
		scheduler:  cfg.Scheduler,
		logger:     logger,
		startedAt:  time.Now(),
		running:    make(map[string]context.CancelFunc),
	}
}

// Snapshot is the controller's heartbeat supplier.
func (a *Agent) Snapshot() protocol.HeartbeatParams {
	return protocol.HeartbeatParams{
		RunningTaskIDs: a.runningIDs(),
		Metrics:        Sample(a.startedAt),
	}
}

func (a *Agent) runningIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.running) == 0 {
		return nil
	}
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	return ids
}

// Run consumes hub pushes until ctx ends. It also loads the local job set
// once at startup so node-scheduled jobs fire without hub involvement.
func (a *Agent) Run(ctx context.Context) error {
	if a.jobs != nil && a.scheduler != nil {
		jobs, err := a.jobs.Load()
		if err != nil {
			a.logger.Warn("some local jobs skipped", "error", err)
		}
		a.scheduler.Reload(jobs)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case push := <-a.controller.Pushes():
			a.handlePush(ctx, push)
		}
	}
}

func (a *Agent) handlePush(ctx context.Context, push Push) {
	switch push.Kind {
	case PushTaskAssign:
		a.startTask(ctx, *push.Assign)
	case PushTaskStop:
		a.stopTask(push.Stop.TaskID)
	case PushJob:
		a.installJob(ctx, *push.Job)
	case PushConfig:
		a.logger.Info("config push applied", "settings", len(push.Settings))
	}
}

// startTask runs one assignment in its own goroutine. The running update
// goes out first so the hub's record leaves pending promptly.
func (a *Agent) startTask(ctx context.Context, assign protocol.TaskAssignParams) {
	a.mu.Lock()
	if _, exists := a.running[assign.TaskID]; exists {
		a.mu.Unlock()
		a.logger.Warn("duplicate assignment ignored", "task_id", assign.TaskID)
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	a.running[assign.TaskID] = cancel
	a.mu.Unlock()

	a.logger.Info("task accepted", "task_id", assign.TaskID)
	a.report(protocol.TaskUpdateParams{
		TaskID: assign.TaskID,
		Status: string(store.TaskStatusRunning),
	})
	go a.runTask(taskCtx, assign)
}

func (a *Agent) runTask(ctx context.Context, assign protocol.TaskAssignParams) {
	defer a.forget(assign.TaskID)

	output, err := a.executor.Execute(ctx, ExecRequest{
		TaskID:  assign.TaskID,
		Goal:    assign.Goal,
		Model:   assign.Model,
		Context: assign.Context,
	}, func(snapshot string) {
		a.report(protocol.TaskUpdateParams{
			TaskID:      assign.TaskID,
			PartialText: snapshot,
		})
	})

	switch {
	case errors.Is(err, context.Canceled):
		a.report(protocol.TaskUpdateParams{
			TaskID: assign.TaskID,
			Status: string(store.TaskStatusStopped),
			Result: output,
		})
	case err != nil:
		a.report(protocol.TaskUpdateParams{
			TaskID: assign.TaskID,
			Status: string(store.TaskStatusError),
			Error:  err.Error(),
			Result: output,
		})
	default:
		a.report(protocol.TaskUpdateParams{
			TaskID: assign.TaskID,
			Status: string(store.TaskStatusCompleted),
			Result: output,
		})
	}
}

func (a *Agent) stopTask(taskID string) {
	a.mu.Lock()
	cancel, ok := a.running[taskID]
	a.mu.Unlock()
	if !ok {
		a.logger.Info("stop for task not running here", "task_id", taskID)
		return
	}
	a.logger.Info("stopping task", "task_id", taskID)
	cancel()
}

func (a *Agent) forget(taskID string) {
	a.mu.Lock()
	if cancel, ok := a.running[taskID]; ok {
		cancel()
		delete(a.running, taskID)
	}
	a.mu.Unlock()
}

// report ships a task update and logs rather than fails when the link is
// down; monotonicity on the hub makes a lost update safe to drop.
func (a *Agent) report(params protocol.TaskUpdateParams) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted, err := a.controller.TaskUpdate(ctx, params)
	if err != nil {
		a.logger.Warn("task update not delivered",
			"task_id", params.TaskID, "status", params.Status, "error", err)
		return
	}
	if !accepted && params.Status != "" {
		a.logger.Info("task update discarded by hub, dropping local state",
			"task_id", params.TaskID, "status", params.Status)
		a.stopTask(params.TaskID)
	}
}

// installJob persists a pushed job, reloads the local scheduler, and
// re-reports the loaded set so the hub's view stays current.
func (a *Agent) installJob(ctx context.Context, job protocol.Job) {
	if a.jobs == nil || a.scheduler == nil {
		a.logger.Warn("job push ignored, local scheduler disabled", "job", job.Name)
		return
	}
	if err := a.jobs.Put(job); err != nil {
		a.logger.Error("persist pushed job", "job", job.Name, "error", err)
		return
	}
	jobs, err := a.jobs.Load()
	if err != nil {
		a.logger.Warn("some local jobs skipped", "error", err)
	}
	a.scheduler.Reload(jobs)

	if err := a.controller.ReportJobs(ctx, a.scheduler.Jobs()); err != nil {
		a.logger.Warn("jobs report not delivered", "error", err)
	}
	a.logger.Info("job installed", "job", job.Name)
}

// SubmitJob fires a locally scheduled job: the task is minted here and
// becomes visible fleet-wide through its first update, which carries the
// goal. Implements the scheduler's submitter seam.
func (a *Agent) SubmitJob(ctx context.Context, job protocol.Job) (string, error) {
	taskID := uuid.NewString()

	a.mu.Lock()
	taskCtx, cancel := context.WithCancel(context.Background())
	a.running[taskID] = cancel
	a.mu.Unlock()

	a.report(protocol.TaskUpdateParams{
		TaskID: taskID,
		Status: string(store.TaskStatusRunning),
		Goal:   job.Prompt,
	})

	go a.runTask(taskCtx, protocol.TaskAssignParams{
		TaskID: taskID,
		Goal:   job.Prompt,
		Model:  job.Model,
	})
	return taskID, nil
}

// TaskLive reports whether a task is still executing here. Implements the
// scheduler's overlap guard.
func (a *Agent) TaskLive(_ context.Context, taskID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.running[taskID]
	return ok, nil
}

// EnsureNodeID returns the stable node identity, minting and persisting one
// under homeDir on first run.
func EnsureNodeID(homeDir, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path := filepath.Join(homeDir, "node_id")
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist node id: %w", err)
	}
	return id, nil
}
