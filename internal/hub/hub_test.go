package hub_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/dispatch"
	"github.com/basket/flotilla/internal/hub"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/store"
)

const hubTestToken = "hub-test-token"

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

type testHub struct {
	server     *hub.Server
	ts         *httptest.Server
	store      *store.Store
	registry   *hub.Registry
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus
}

func newTestHub(t *testing.T, mutate func(*hub.Config)) *testHub {
	t.Helper()
	st := openTestStore(t)
	b := bus.New()
	reg := hub.NewRegistry()
	d := dispatch.New(dispatch.Config{Store: st, Nodes: reg, Bus: b})
	cfg := hub.Config{
		Store:      st,
		Registry:   reg,
		Dispatcher: d,
		Bus:        b,
		AuthToken:  hubTestToken,
		// Keep the watchdog inert unless a test opts in.
		StaleAfter:       time.Minute,
		WatchdogInterval: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := hub.New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testHub{server: srv, ts: ts, store: st, registry: reg, dispatcher: d, bus: b}
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):] + "/ws/node"
}

// fakeNode speaks the node side of the wire: it dials, handshakes, then
// serves hub pushes while letting tests issue node-initiated calls.
type fakeNode struct {
	peer     *protocol.Peer
	assigns  chan protocol.TaskAssignParams
	stops    chan protocol.TaskStopParams
	jobs     chan protocol.Job
	settings chan map[string]string
	done     chan error
}

func dialFakeNode(t *testing.T, baseURL, token, nodeID, name string) *fakeNode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(baseURL), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	helloFrame, err := protocol.NewRequest(1, protocol.MethodHello, protocol.HelloParams{
		NodeID: nodeID,
		Token:  token,
		Name:   name,
	})
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	if err := wsjson.Write(ctx, conn, helloFrame); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var resp protocol.Frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read hello response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("hello rejected: %v", resp.Error)
	}

	f := &fakeNode{
		assigns:  make(chan protocol.TaskAssignParams, 8),
		stops:    make(chan protocol.TaskStopParams, 8),
		jobs:     make(chan protocol.Job, 8),
		settings: make(chan map[string]string, 8),
		done:     make(chan error, 1),
	}
	f.peer = protocol.NewPeer(conn, f.handle)
	go func() { f.done <- f.peer.Serve(context.Background()) }()
	t.Cleanup(func() { _ = f.peer.Close(websocket.StatusNormalClosure, "test done") })
	return f
}

func (f *fakeNode) handle(_ context.Context, frame *protocol.Frame) *protocol.Frame {
	switch frame.Method {
	case protocol.MethodTaskAssign:
		var p protocol.TaskAssignParams
		_ = json.Unmarshal(frame.Params, &p)
		f.assigns <- p
		res, _ := protocol.NewResult(frame.ID, protocol.TaskAssignResult{Accepted: true})
		return res
	case protocol.MethodTaskStop:
		var p protocol.TaskStopParams
		_ = json.Unmarshal(frame.Params, &p)
		f.stops <- p
		res, _ := protocol.NewResult(frame.ID, protocol.TaskStopResult{Accepted: true})
		return res
	case protocol.MethodJobPush:
		var p protocol.JobPushParams
		_ = json.Unmarshal(frame.Params, &p)
		f.jobs <- p.Job
		res, _ := protocol.NewResult(frame.ID, protocol.OKResult{OK: true})
		return res
	case protocol.MethodConfigPush:
		var p protocol.ConfigPushParams
		_ = json.Unmarshal(frame.Params, &p)
		f.settings <- p.Settings
		res, _ := protocol.NewResult(frame.ID, protocol.OKResult{OK: true})
		return res
	default:
		return protocol.NewError(frame.ID, protocol.CodeMethodNotFound, "unexpected push: "+frame.Method)
	}
}

func (f *fakeNode) heartbeat(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var res protocol.OKResult
	if err := f.peer.Call(ctx, protocol.MethodHeartbeat, protocol.HeartbeatParams{
		Metrics: protocol.ResourceSnapshot{CPUCount: 4, Goroutines: 12},
	}, &res); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !res.OK {
		t.Fatalf("heartbeat not acknowledged")
	}
}

func (f *fakeNode) updateTask(t *testing.T, params protocol.TaskUpdateParams) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var res protocol.TaskUpdateResult
	if err := f.peer.Call(ctx, protocol.MethodTaskUpdate, params, &res); err != nil {
		t.Fatalf("task update: %v", err)
	}
	return res.Accepted
}

func (f *fakeNode) reportJobs(t *testing.T, jobs []protocol.JobSummary) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var res protocol.OKResult
	if err := f.peer.Call(ctx, protocol.MethodJobsReport, protocol.JobsReportParams{Jobs: jobs}, &res); err != nil {
		t.Fatalf("jobs report: %v", err)
	}
}

func apiDo(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestRegistry_BindReleaseAndDefault(t *testing.T) {
	reg := hub.NewRegistry()
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	a := hub.NewNodeConn("node-a", "alpha", t0, nil)
	b := hub.NewNodeConn("node-b", "beta", t0.Add(time.Second), nil)
	if prev := reg.Bind(a); prev != nil {
		t.Fatalf("fresh bind returned prev")
	}
	if prev := reg.Bind(b); prev != nil {
		t.Fatalf("fresh bind returned prev")
	}

	if id, ok := reg.DefaultNode(); !ok || id != "node-a" {
		t.Fatalf("expected earliest-connected default, got %q ok=%v", id, ok)
	}

	// Same connection time falls back to the lower id.
	c := hub.NewNodeConn("node-0", "zero", t0, nil)
	reg.Bind(c)
	if id, _ := reg.DefaultNode(); id != "node-0" {
		t.Fatalf("expected id tie-break, got %q", id)
	}
	if !reg.Release(c) {
		t.Fatalf("release of current binding failed")
	}

	// A reconnect replaces the binding; the old session's release is a no-op.
	a2 := hub.NewNodeConn("node-a", "alpha", t0.Add(2*time.Second), nil)
	if prev := reg.Bind(a2); prev != a {
		t.Fatalf("expected superseded connection back, got %v", prev)
	}
	if reg.Release(a) {
		t.Fatalf("stale release must not unbind the new connection")
	}
	if !reg.Connected("node-a") {
		t.Fatalf("node-a lost its binding to a stale release")
	}
	if !reg.Release(a2) {
		t.Fatalf("current release failed")
	}
	if reg.Connected("node-a") {
		t.Fatalf("node-a still bound after release")
	}
}

func TestHub_RejectsUnauthenticatedUpgrade(t *testing.T) {
	th := newTestHub(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(th.ts.URL), nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHub_HandshakeGate(t *testing.T) {
	th := newTestHub(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// First frame must be node.hello.
	conn, _, err := websocket.Dial(ctx, wsURL(th.ts.URL), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + hubTestToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	frame, _ := protocol.NewRequest(1, protocol.MethodHeartbeat, protocol.HeartbeatParams{})
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != protocol.CodeHandshakeRequired {
		t.Fatalf("expected handshake-required error, got %+v", resp)
	}

	// Hello with a bad token is rejected even though the upgrade passed.
	conn2, _, err := websocket.Dial(ctx, wsURL(th.ts.URL), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + hubTestToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close(websocket.StatusNormalClosure, "done")
	hello, _ := protocol.NewRequest(1, protocol.MethodHello, protocol.HelloParams{
		NodeID: "node-x", Token: "wrong", Name: "x",
	})
	if err := wsjson.Write(ctx, conn2, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var resp2 protocol.Frame
	if err := wsjson.Read(ctx, conn2, &resp2); err != nil {
		t.Fatalf("read hello response: %v", err)
	}
	if resp2.Error == nil || resp2.Error.Code != protocol.CodeAuthFailed {
		t.Fatalf("expected auth-failed error, got %+v", resp2)
	}

	// Nothing above may have created node records.
	nodes, err := th.store.ListNodes(context.Background())
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("rejected handshakes created node records: %+v", nodes)
	}
}

func TestHub_NodeSessionLifecycle(t *testing.T) {
	th := newTestHub(t, nil)
	ctx := context.Background()

	node := dialFakeNode(t, th.ts.URL, hubTestToken, "node-a", "alpha")

	waitFor(t, 2*time.Second, func() bool { return th.registry.Connected("node-a") })
	rec, err := th.store.GetNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if rec.Status != store.NodeStatusConnected || rec.Name != "alpha" {
		t.Fatalf("unexpected node record: %+v", rec)
	}

	node.heartbeat(t)
	waitFor(t, 2*time.Second, func() bool {
		rec, err := th.store.GetNode(ctx, "node-a")
		return err == nil && len(rec.Metrics) > 2
	})

	// Submit through the dispatcher; the fake node must receive the assign.
	task, err := th.dispatcher.SubmitTask(ctx, dispatch.SubmitRequest{Goal: "ping"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case got := <-node.assigns:
		if got.TaskID != task.ID || got.Goal != "ping" {
			t.Fatalf("unexpected assign: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("assign never reached the node")
	}

	// Status updates flow back through the session handler.
	if !node.updateTask(t, protocol.TaskUpdateParams{TaskID: task.ID, Status: "running"}) {
		t.Fatalf("running update rejected")
	}
	if !node.updateTask(t, protocol.TaskUpdateParams{TaskID: task.ID, Status: "completed", Result: "pong"}) {
		t.Fatalf("completed update rejected")
	}
	got, err := th.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusCompleted || got.Result != "pong" {
		t.Fatalf("unexpected task state: %+v", got)
	}

	node.reportJobs(t, []protocol.JobSummary{{Name: "nightly", Schedule: "0 2 * * *", Enabled: true}})
	waitFor(t, 2*time.Second, func() bool {
		rec, err := th.store.GetNode(ctx, "node-a")
		return err == nil && bytes.Contains(rec.ReportedJobs, []byte("nightly"))
	})

	// Closing the socket ends the session and flips the record.
	_ = node.peer.Close(websocket.StatusNormalClosure, "shutting down")
	waitFor(t, 2*time.Second, func() bool {
		rec, err := th.store.GetNode(ctx, "node-a")
		return err == nil && rec.Status == store.NodeStatusDisconnected
	})
	if th.registry.Connected("node-a") {
		t.Fatalf("registry still holds the closed connection")
	}
}

func TestHub_SecondHandshakeSupersedesFirst(t *testing.T) {
	th := newTestHub(t, nil)

	first := dialFakeNode(t, th.ts.URL, hubTestToken, "node-a", "alpha")
	waitFor(t, 2*time.Second, func() bool { return th.registry.Connected("node-a") })

	second := dialFakeNode(t, th.ts.URL, hubTestToken, "node-a", "alpha")

	// The first session must be closed by the hub.
	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("first connection was not closed")
	}

	// The node stays connected throughout: the replacement session owns it.
	if !th.registry.Connected("node-a") {
		t.Fatalf("node lost its binding during supersede")
	}
	rec, err := th.store.GetNode(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if rec.Status != store.NodeStatusConnected {
		t.Fatalf("node flipped to %s during supersede", rec.Status)
	}

	// Assignments route to the second session.
	task, err := th.dispatcher.SubmitTask(context.Background(), dispatch.SubmitRequest{Goal: "after supersede"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case got := <-second.assigns:
		if got.TaskID != task.ID {
			t.Fatalf("unexpected assign: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("assign never reached the new session")
	}
}

func TestHub_WatchdogSweepsStaleNode(t *testing.T) {
	th := newTestHub(t, func(cfg *hub.Config) {
		cfg.StaleAfter = 150 * time.Millisecond
		cfg.WatchdogInterval = 25 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	th.server.StartWatchdog(ctx)

	node := dialFakeNode(t, th.ts.URL, hubTestToken, "node-quiet", "quiet")
	waitFor(t, 2*time.Second, func() bool { return th.registry.Connected("node-quiet") })

	// No heartbeats: the watchdog must force-disconnect.
	waitFor(t, 3*time.Second, func() bool {
		rec, err := th.store.GetNode(context.Background(), "node-quiet")
		return err == nil && rec.Status == store.NodeStatusDisconnected
	})
	if th.registry.Connected("node-quiet") {
		t.Fatalf("stale node still bound")
	}
	select {
	case <-node.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stale node socket was not closed")
	}
}

func TestHub_RESTTaskFlow(t *testing.T) {
	th := newTestHub(t, nil)

	// No nodes connected: fail fast with 503.
	resp := apiDo(t, http.MethodPost, th.ts.URL+"/api/tasks", hubTestToken, map[string]any{"goal": "early"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with empty fleet, got %d", resp.StatusCode)
	}

	node := dialFakeNode(t, th.ts.URL, hubTestToken, "node-a", "alpha")
	waitFor(t, 2*time.Second, func() bool { return th.registry.Connected("node-a") })

	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/tasks", hubTestToken, map[string]any{"goal": "via rest"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	task := decodeBody[store.Task](t, resp)
	if task.NodeID != "node-a" || task.Status != store.TaskStatusPending {
		t.Fatalf("unexpected task: %+v", task)
	}
	<-node.assigns

	resp = apiDo(t, http.MethodGet, th.ts.URL+"/api/tasks/"+task.ID, hubTestToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/tasks/"+task.ID+"/stop", hubTestToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", resp.StatusCode)
	}
	stopped := decodeBody[store.Task](t, resp)
	if stopped.Status != store.TaskStatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}

	// Unknown target: 404, and no task row is created for it.
	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/tasks", hubTestToken, map[string]any{
		"goal": "nope", "node_id": "ghost",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown node, got %d", resp.StatusCode)
	}

	// Missing bearer token.
	resp = apiDo(t, http.MethodGet, th.ts.URL+"/api/tasks", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestHub_EventCursorNeverRereads(t *testing.T) {
	th := newTestHub(t, nil)
	node := dialFakeNode(t, th.ts.URL, hubTestToken, "node-a", "alpha")
	waitFor(t, 2*time.Second, func() bool { return th.registry.Connected("node-a") })

	task, err := th.dispatcher.SubmitTask(context.Background(), dispatch.SubmitRequest{Goal: "one"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-node.assigns
	node.updateTask(t, protocol.TaskUpdateParams{TaskID: task.ID, Status: "running"})

	resp := apiDo(t, http.MethodGet, th.ts.URL+"/api/events?limit=100", hubTestToken, nil)
	page := decodeBody[struct {
		Events []store.Event `json:"events"`
	}](t, resp)
	if len(page.Events) == 0 {
		t.Fatalf("expected events")
	}
	cursor := page.Events[len(page.Events)-1].At

	// Nothing new: polling after the cursor returns nothing.
	url := fmt.Sprintf("%s/api/events?since=%d", th.ts.URL, cursor.UnixNano())
	resp = apiDo(t, http.MethodGet, url, hubTestToken, nil)
	again := decodeBody[struct {
		Events []store.Event `json:"events"`
	}](t, resp)
	if len(again.Events) != 0 {
		t.Fatalf("cursor re-read %d events", len(again.Events))
	}

	// The composite form with since_id is accepted and equally exclusive.
	last := page.Events[len(page.Events)-1]
	composite := fmt.Sprintf("%s/api/events?since=%d&since_id=%d", th.ts.URL, last.At.UnixNano(), last.ID)
	resp = apiDo(t, http.MethodGet, composite, hubTestToken, nil)
	tied := decodeBody[struct {
		Events []store.Event `json:"events"`
	}](t, resp)
	if len(tied.Events) != 0 {
		t.Fatalf("composite cursor re-read %d events", len(tied.Events))
	}

	// New activity lands after the cursor.
	node.updateTask(t, protocol.TaskUpdateParams{TaskID: task.ID, Status: "completed", Result: "done"})
	waitFor(t, 2*time.Second, func() bool {
		resp := apiDo(t, http.MethodGet, url, hubTestToken, nil)
		page := decodeBody[struct {
			Events []store.Event `json:"events"`
		}](t, resp)
		for _, ev := range page.Events {
			if !ev.At.After(cursor) {
				t.Fatalf("event at %v not after cursor %v", ev.At, cursor)
			}
		}
		return len(page.Events) > 0
	})
}

func TestHub_NodeSnapshotAndPushes(t *testing.T) {
	th := newTestHub(t, nil)
	node := dialFakeNode(t, th.ts.URL, hubTestToken, "node-a", "alpha")
	waitFor(t, 2*time.Second, func() bool { return th.registry.Connected("node-a") })

	task, err := th.dispatcher.SubmitTask(context.Background(), dispatch.SubmitRequest{Goal: "busy"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-node.assigns
	node.updateTask(t, protocol.TaskUpdateParams{TaskID: task.ID, Status: "running"})

	resp := apiDo(t, http.MethodGet, th.ts.URL+"/api/nodes/node-a", hubTestToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	snap := decodeBody[struct {
		Connected      bool       `json:"connected"`
		Node           store.Node `json:"node"`
		RunningTaskIDs []string   `json:"running_task_ids"`
	}](t, resp)
	if !snap.Connected || snap.Node.ID != "node-a" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.RunningTaskIDs) != 1 || snap.RunningTaskIDs[0] != task.ID {
		t.Fatalf("expected the running task in the snapshot, got %+v", snap.RunningTaskIDs)
	}

	// Push a job record down to the node.
	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/nodes/node-a/jobs", hubTestToken, protocol.Job{
		Name: "nightly", Schedule: "0 2 * * *", Prompt: "run it", Enabled: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push job: expected 200, got %d", resp.StatusCode)
	}
	select {
	case job := <-node.jobs:
		if job.Name != "nightly" {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job push never arrived")
	}

	// A push body without an enabled field means enabled, same as a job
	// definition file without one; explicit false is preserved.
	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/nodes/node-a/jobs", hubTestToken, map[string]string{
		"name": "weekly", "schedule": "0 3 * * 1", "prompt": "run weekly",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push job without enabled: expected 200, got %d", resp.StatusCode)
	}
	select {
	case job := <-node.jobs:
		if !job.Enabled {
			t.Fatalf("job pushed without an enabled field arrived disabled: %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job push never arrived")
	}
	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/nodes/node-a/jobs", hubTestToken, map[string]any{
		"name": "paused", "schedule": "0 4 * * *", "prompt": "later", "enabled": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push disabled job: expected 200, got %d", resp.StatusCode)
	}
	select {
	case job := <-node.jobs:
		if job.Enabled {
			t.Fatalf("explicitly disabled job arrived enabled: %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job push never arrived")
	}

	// Bad cron never leaves the hub.
	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/nodes/node-a/jobs", hubTestToken, protocol.Job{
		Name: "broken", Schedule: "not cron", Prompt: "x",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid schedule, got %d", resp.StatusCode)
	}

	// Config push.
	resp = apiDo(t, http.MethodPost, th.ts.URL+"/api/nodes/node-a/config", hubTestToken, map[string]any{
		"settings": map[string]string{"log_level": "debug"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push config: expected 200, got %d", resp.StatusCode)
	}
	select {
	case settings := <-node.settings:
		if settings["log_level"] != "debug" {
			t.Fatalf("unexpected settings: %+v", settings)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("config push never arrived")
	}
}

func TestHub_HealthAndMetricsEndpoints(t *testing.T) {
	th := newTestHub(t, nil)

	resp, err := http.Get(th.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(th.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp2.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp2.Body)
	if !bytes.Contains(buf.Bytes(), []byte("flotilla_nodes_connected")) {
		t.Fatalf("metrics exposition missing gauges: %s", buf.String())
	}

	// Authenticated summary.
	resp3 := apiDo(t, http.MethodGet, th.ts.URL+"/api/health", hubTestToken, nil)
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("api health: expected 200, got %d", resp3.StatusCode)
	}
}
