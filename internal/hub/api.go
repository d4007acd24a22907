package hub

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/basket/flotilla/internal/dispatch"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/scheduler"
	"github.com/basket/flotilla/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDispatchError maps the dispatcher's sentinels onto HTTP statuses so
// callers can tell routing failures from server faults.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrEmptyGoal), errors.Is(err, dispatch.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrTaskNotFound), errors.Is(err, dispatch.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNoNodes):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	nodes, err := s.cfg.Store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleNodeByID serves /api/nodes/{id} (observability snapshot) plus the
// push endpoints /api/nodes/{id}/jobs and /api/nodes/{id}/config.
func (s *Server) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	nodeID, sub, _ := strings.Cut(rest, "/")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node id required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.nodeSnapshot(w, r, nodeID)
	case sub == "jobs" && r.Method == http.MethodPost:
		s.pushNodeJob(w, r, nodeID)
	case sub == "config" && r.Method == http.MethodPost:
		s.pushNodeConfig(w, r, nodeID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) nodeSnapshot(w http.ResponseWriter, r *http.Request, nodeID string) {
	node, err := s.cfg.Store.GetNode(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	running, err := s.cfg.Store.RunningTaskIDs(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":             node,
		"connected":        s.cfg.Registry.Connected(nodeID),
		"running_task_ids": running,
	})
}

// pushNodeJob validates a job record and forwards it over the node's
// connection; the node persists it, reloads, and re-reports.
func (s *Server) pushNodeJob(w http.ResponseWriter, r *http.Request, nodeID string) {
	// Enabled defaults to true when the field is absent; a bare-bones push
	// body must produce a job that actually fires.
	var body struct {
		protocol.Job
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job body")
		return
	}
	job := body.Job
	job.Enabled = body.Enabled == nil || *body.Enabled
	if job.Name == "" || job.Schedule == "" || job.Prompt == "" {
		writeError(w, http.StatusBadRequest, "job requires name, schedule, and prompt")
		return
	}
	if _, err := scheduler.NextRunTime(job.Schedule, time.Now()); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid schedule %q: %v", job.Schedule, err))
		return
	}
	if !s.cfg.Registry.Connected(nodeID) {
		writeError(w, http.StatusNotFound, "node not connected")
		return
	}
	if err := s.cfg.Registry.PushJob(r.Context(), nodeID, job); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Info("job pushed to node", "node_id", nodeID, "job", job.Name)
	writeJSON(w, http.StatusOK, map[string]any{"pushed": true, "job": job.Name})
}

func (s *Server) pushNodeConfig(w http.ResponseWriter, r *http.Request, nodeID string) {
	var body struct {
		Settings map[string]string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Settings) == 0 {
		writeError(w, http.StatusBadRequest, "settings map required")
		return
	}
	if !s.cfg.Registry.Connected(nodeID) {
		writeError(w, http.StatusNotFound, "node not connected")
		return
	}
	if err := s.cfg.Registry.PushConfig(r.Context(), nodeID, body.Settings); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Info("config pushed to node", "node_id", nodeID, "keys", len(body.Settings))
	writeJSON(w, http.StatusOK, map[string]any{"pushed": true})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		status := store.TaskStatus(r.URL.Query().Get("status"))
		if status != "" && !store.ValidTaskStatus(string(status)) {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		tasks, err := s.cfg.Dispatcher.ListTasks(r.Context(), limit, status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})

	case http.MethodPost:
		var body struct {
			Goal    string          `json:"goal"`
			NodeID  string          `json:"node_id"`
			Model   string          `json:"model"`
			Context json.RawMessage `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid task body")
			return
		}
		task, err := s.cfg.Dispatcher.SubmitTask(r.Context(), dispatch.SubmitRequest{
			NodeID:  body.NodeID,
			Goal:    body.Goal,
			Model:   body.Model,
			Origin:  store.TaskOriginAPI,
			Context: body.Context,
		})
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskByID serves /api/tasks/{id} plus the /messages and /stop verbs.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		task, err := s.cfg.Dispatcher.GetTask(r.Context(), taskID)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case sub == "messages" && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid message body")
			return
		}
		task, err := s.cfg.Dispatcher.SendMessage(r.Context(), taskID, body.Message)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)

	case sub == "stop" && r.Method == http.MethodPost:
		task, err := s.cfg.Dispatcher.StopTask(r.Context(), taskID)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC3339 or unix nanoseconds")
		return
	}
	// since_id tightens the cursor to (at, id) so ties on one nanosecond
	// never straddle a page boundary unseen.
	var sinceID int64
	if v := r.URL.Query().Get("since_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since_id must be a non-negative integer")
			return
		}
		sinceID = n
	}
	events, err := s.cfg.Dispatcher.ListEvents(r.Context(), limit, since, sinceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// parseSince accepts either a unix-nanosecond integer (what pollers echo
// back from Event.At) or an RFC3339 timestamp.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(0, ns), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// handleJobs returns the hub-loaded schedules plus each node's most recent
// reported set, so one call shows the whole fleet's job picture.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var hubJobs []protocol.JobSummary
	if s.cfg.Scheduler != nil {
		hubJobs = s.cfg.Scheduler.Jobs()
	}

	nodes, err := s.cfg.Store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reported := make(map[string]json.RawMessage, len(nodes))
	for _, node := range nodes {
		if len(node.ReportedJobs) > 0 && string(node.ReportedJobs) != "[]" {
			reported[node.ID] = node.ReportedJobs
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  hubJobs,
		"nodes": reported,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	counts, err := s.cfg.Store.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":         true,
		"nodes":           counts.Nodes,
		"nodes_connected": s.cfg.Registry.Count(),
		"tasks":           counts.Tasks,
		"tasks_running":   counts.TasksRunning,
		"events":          counts.Events,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"config_hash":     s.cfg.ConfigFingerprint,
	})
}

// handleHealthz is the unauthenticated liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Summary(r.Context())
	dbOK := err == nil
	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"nodes_connected": counts.NodesConnected,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleMetrics is the Prometheus-style text exposition. Gauges come from
// the store summary and the live registry; process stats from runtime.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Summary(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP flotilla_nodes_connected Nodes with a live connection.\n")
	fmt.Fprintf(w, "# TYPE flotilla_nodes_connected gauge\n")
	fmt.Fprintf(w, "flotilla_nodes_connected %d\n", s.cfg.Registry.Count())
	fmt.Fprintf(w, "# HELP flotilla_nodes_total Nodes ever registered.\n")
	fmt.Fprintf(w, "# TYPE flotilla_nodes_total gauge\n")
	fmt.Fprintf(w, "flotilla_nodes_total %d\n", counts.Nodes)
	fmt.Fprintf(w, "# HELP flotilla_tasks_running Tasks currently pending or running.\n")
	fmt.Fprintf(w, "# TYPE flotilla_tasks_running gauge\n")
	fmt.Fprintf(w, "flotilla_tasks_running %d\n", counts.TasksRunning)
	fmt.Fprintf(w, "# HELP flotilla_tasks_total Tasks ever submitted.\n")
	fmt.Fprintf(w, "# TYPE flotilla_tasks_total counter\n")
	fmt.Fprintf(w, "flotilla_tasks_total %d\n", counts.Tasks)
	fmt.Fprintf(w, "# HELP flotilla_events_total Rows in the event log.\n")
	fmt.Fprintf(w, "# TYPE flotilla_events_total counter\n")
	fmt.Fprintf(w, "flotilla_events_total %d\n", counts.Events)
	fmt.Fprintf(w, "# HELP flotilla_uptime_seconds Hub process uptime.\n")
	fmt.Fprintf(w, "# TYPE flotilla_uptime_seconds gauge\n")
	fmt.Fprintf(w, "flotilla_uptime_seconds %d\n", int64(time.Since(s.startedAt).Seconds()))
	fmt.Fprintf(w, "# HELP flotilla_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE flotilla_alloc_bytes gauge\n")
	fmt.Fprintf(w, "flotilla_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "# HELP flotilla_goroutines Current goroutine count.\n")
	fmt.Fprintf(w, "# TYPE flotilla_goroutines gauge\n")
	fmt.Fprintf(w, "flotilla_goroutines %d\n", runtime.NumGoroutine())
}
