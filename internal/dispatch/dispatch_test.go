package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/dispatch"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/store"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "flotilla.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeNodes struct {
	mu        sync.Mutex
	connected map[string]bool
	def       string
	assigns   []protocol.TaskAssignParams
	assignTo  []string
	assignErr error
	stops     []protocol.TaskStopParams
}

func newFakeNodes(def string, connected ...string) *fakeNodes {
	f := &fakeNodes{def: def, connected: map[string]bool{}}
	for _, id := range connected {
		f.connected[id] = true
	}
	return f
}

func (f *fakeNodes) Connected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[nodeID]
}

func (f *fakeNodes) DefaultNode() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.def, f.def != ""
}

func (f *fakeNodes) AssignTask(_ context.Context, nodeID string, params protocol.TaskAssignParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigns = append(f.assigns, params)
	f.assignTo = append(f.assignTo, nodeID)
	return nil
}

func (f *fakeNodes) StopTask(_ context.Context, _ string, params protocol.TaskStopParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, params)
	return nil
}

func (f *fakeNodes) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func newDispatcher(t *testing.T, nodes dispatch.NodeDirectory) (*dispatch.Dispatcher, *store.Store, *bus.Bus) {
	t.Helper()
	st := openTestStore(t)
	b := bus.New()
	d := dispatch.New(dispatch.Config{Store: st, Nodes: nodes, Bus: b})
	return d, st, b
}

func TestSubmitTask_RoutesToDefaultNode(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, b := newDispatcher(t, nodes)

	sub := b.Subscribe(bus.TopicTaskCreated)
	defer b.Unsubscribe(sub)

	task, err := d.SubmitTask(context.Background(), dispatch.SubmitRequest{
		Goal:   "summarize the logs",
		Origin: store.TaskOriginAPI,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.NodeID != "node-a" {
		t.Fatalf("expected default node routing, got %q", task.NodeID)
	}
	if task.Status != store.TaskStatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if len(nodes.assigns) != 1 || nodes.assigns[0].TaskID != task.ID || nodes.assigns[0].Goal != "summarize the logs" {
		t.Fatalf("unexpected assign params: %+v", nodes.assigns)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.TaskEvent)
		if payload.TaskID != task.ID {
			t.Fatalf("unexpected task created event: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("missing task created event")
	}
}

func TestSubmitTask_ExplicitNodeNotConnected(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, st, _ := newDispatcher(t, nodes)

	_, err := d.SubmitTask(context.Background(), dispatch.SubmitRequest{
		NodeID: "node-gone",
		Goal:   "do something",
	})
	if !errors.Is(err, dispatch.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}

	tasks, err := st.ListTasks(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("fail-fast routing must not create tasks, got %d", len(tasks))
	}
}

func TestSubmitTask_NoNodesConnected(t *testing.T) {
	nodes := newFakeNodes("")
	d, _, _ := newDispatcher(t, nodes)

	_, err := d.SubmitTask(context.Background(), dispatch.SubmitRequest{Goal: "anything"})
	if !errors.Is(err, dispatch.ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
}

func TestSubmitTask_EmptyGoalRejected(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, _ := newDispatcher(t, nodes)

	if _, err := d.SubmitTask(context.Background(), dispatch.SubmitRequest{}); !errors.Is(err, dispatch.ErrEmptyGoal) {
		t.Fatalf("expected ErrEmptyGoal, got %v", err)
	}
}

func TestSubmitTask_AssignFailureMarksTaskError(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	nodes.assignErr = errors.New("write timeout")
	d, st, _ := newDispatcher(t, nodes)

	_, err := d.SubmitTask(context.Background(), dispatch.SubmitRequest{Goal: "doomed"})
	if err == nil {
		t.Fatalf("expected assign failure to surface")
	}

	tasks, err := st.ListTasks(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the failed task to be recorded, got %d", len(tasks))
	}
	if tasks[0].Status != store.TaskStatusError {
		t.Fatalf("expected error status, got %s", tasks[0].Status)
	}
	if !strings.Contains(tasks[0].Error, "write timeout") {
		t.Fatalf("expected error text to carry the cause, got %q", tasks[0].Error)
	}
}

func TestHandleUpdate_LifecycleAndMonotonicity(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, st, _ := newDispatcher(t, nodes)
	ctx := context.Background()

	task, err := d.SubmitTask(ctx, dispatch.SubmitRequest{Goal: "count to ten"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	accepted, err := d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: task.ID, Status: "running",
	})
	if err != nil || !accepted {
		t.Fatalf("running update: accepted=%v err=%v", accepted, err)
	}

	accepted, err = d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: task.ID, PartialText: "one two",
	})
	if err != nil || !accepted {
		t.Fatalf("output update: accepted=%v err=%v", accepted, err)
	}

	accepted, err = d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: task.ID, Status: "completed", Result: "one..ten",
	})
	if err != nil || !accepted {
		t.Fatalf("terminal update: accepted=%v err=%v", accepted, err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCompleted || got.Result != "one..ten" {
		t.Fatalf("unexpected final state: %+v", got)
	}
	if got.PartialText != "one two" {
		t.Fatalf("expected partial text preserved, got %q", got.PartialText)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}

	// A late error report must not reopen the terminal task.
	accepted, err = d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: task.ID, Status: "error", Error: "too late",
	})
	if err != nil {
		t.Fatalf("late update: %v", err)
	}
	if accepted {
		t.Fatalf("late update must be ignored")
	}
	got, _ = st.GetTask(ctx, task.ID)
	if got.Status != store.TaskStatusCompleted || got.Error != "" {
		t.Fatalf("terminal state mutated by late update: %+v", got)
	}
}

func TestHandleUpdate_WrongNodeIgnored(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, st, _ := newDispatcher(t, nodes)
	ctx := context.Background()

	task, err := d.SubmitTask(ctx, dispatch.SubmitRequest{Goal: "guarded"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	accepted, err := d.HandleUpdate(ctx, "node-imposter", protocol.TaskUpdateParams{
		TaskID: task.ID, Status: "completed",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if accepted {
		t.Fatalf("update from non-owner node must be ignored")
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskStatusPending {
		t.Fatalf("status changed by wrong node: %s", got.Status)
	}
}

func TestHandleUpdate_AdoptsNodeOriginatedTask(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, st, _ := newDispatcher(t, nodes)
	ctx := context.Background()

	accepted, err := d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: "n1-task-7",
		Status: "running",
		Goal:   "local nightly job",
	})
	if err != nil || !accepted {
		t.Fatalf("adopt: accepted=%v err=%v", accepted, err)
	}

	got, err := st.GetTask(ctx, "n1-task-7")
	if err != nil {
		t.Fatalf("get adopted task: %v", err)
	}
	if got.Origin != store.TaskOriginNode || got.NodeID != "node-a" || got.Status != store.TaskStatusRunning {
		t.Fatalf("unexpected adopted task: %+v", got)
	}

	// Terminal report for the adopted task completes it normally.
	accepted, err = d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: "n1-task-7", Status: "completed", Result: "done",
	})
	if err != nil || !accepted {
		t.Fatalf("terminal adopt update: accepted=%v err=%v", accepted, err)
	}
}

func TestHandleUpdate_UnknownTaskWithoutGoalIgnored(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, _ := newDispatcher(t, nodes)

	accepted, err := d.HandleUpdate(context.Background(), "node-a", protocol.TaskUpdateParams{
		TaskID: "never-seen", Status: "completed",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if accepted {
		t.Fatalf("unknown task without goal must be ignored")
	}
}

func TestStopTask_OptimisticIdempotentAndForwarded(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, st, _ := newDispatcher(t, nodes)
	ctx := context.Background()

	task, err := d.SubmitTask(ctx, dispatch.SubmitRequest{Goal: "long running"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	stopped, err := d.StopTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != store.TaskStatusStopped {
		t.Fatalf("expected optimistic stopped status, got %s", stopped.Status)
	}
	waitFor(t, 2*time.Second, func() bool { return nodes.stopCount() == 1 })

	// Second stop is a no-op that still succeeds.
	again, err := d.StopTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if again.Status != store.TaskStatusStopped {
		t.Fatalf("expected stopped, got %s", again.Status)
	}

	// A late completion from the node is ignored.
	accepted, err := d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: task.ID, Status: "completed", Result: "finished anyway",
	})
	if err != nil {
		t.Fatalf("late completion: %v", err)
	}
	if accepted {
		t.Fatalf("late completion after stop must be ignored")
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskStatusStopped {
		t.Fatalf("stop overridden by late completion: %s", got.Status)
	}
}

func TestStopTask_UnknownTask(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, _ := newDispatcher(t, nodes)

	if _, err := d.StopTask(context.Background(), "missing"); !errors.Is(err, dispatch.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSendMessage_SuccessorCarriesConversation(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, _ := newDispatcher(t, nodes)
	ctx := context.Background()

	first, err := d.SubmitTask(ctx, dispatch.SubmitRequest{
		Goal:            "what is the capital of France?",
		Origin:          store.TaskOriginChannel,
		ConversationKey: "telegram:42",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: first.ID, Status: "completed", Result: "Paris",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	follow, err := d.SendMessage(ctx, first.ID, "and its population?")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if follow.ID == first.ID {
		t.Fatalf("follow-up must be a new task")
	}
	if follow.NodeID != first.NodeID {
		t.Fatalf("follow-up must stay on the same node")
	}
	if follow.ConversationKey != "telegram:42" {
		t.Fatalf("conversation key lost: %q", follow.ConversationKey)
	}

	var msgs []protocol.Message
	if err := json.Unmarshal(follow.Context, &msgs); err != nil {
		t.Fatalf("decode context: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 accumulated turns, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "what is the capital of France?" {
		t.Fatalf("unexpected first turn: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Paris" {
		t.Fatalf("unexpected second turn: %+v", msgs[1])
	}
}

func TestSendMessage_UnknownTask(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, _ := newDispatcher(t, nodes)

	if _, err := d.SendMessage(context.Background(), "missing", "hi"); !errors.Is(err, dispatch.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSubmitJobAndTaskLive(t *testing.T) {
	nodes := newFakeNodes("node-a", "node-a")
	d, _, _ := newDispatcher(t, nodes)
	ctx := context.Background()

	taskID, err := d.SubmitJob(ctx, protocol.Job{
		Name:     "nightly",
		Schedule: "0 2 * * *",
		Prompt:   "run the report",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}

	task, err := d.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Origin != store.TaskOriginSchedule || task.ConversationKey != "job:nightly" {
		t.Fatalf("unexpected job task: %+v", task)
	}

	live, err := d.TaskLive(ctx, taskID)
	if err != nil || !live {
		t.Fatalf("expected live task, got live=%v err=%v", live, err)
	}

	if _, err := d.HandleUpdate(ctx, "node-a", protocol.TaskUpdateParams{
		TaskID: taskID, Status: "completed",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	live, err = d.TaskLive(ctx, taskID)
	if err != nil || live {
		t.Fatalf("expected finished task not live, got live=%v err=%v", live, err)
	}

	live, err = d.TaskLive(ctx, "never-existed")
	if err != nil || live {
		t.Fatalf("unknown task must not be live, got live=%v err=%v", live, err)
	}
}
