// Package protocol defines the wire contract for the hub <-> node duplex
// session. Both sides exchange JSON-RPC 2.0 frames over a single WebSocket:
// the node issues requests (hello, heartbeat, task updates, job reports) and
// the hub pushes its own (task assignment, stop, job push, config push).
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const JSONRPCVersion = "2.0"

// Methods initiated by the node.
const (
	MethodHello      = "node.hello"
	MethodHeartbeat  = "node.heartbeat"
	MethodTaskUpdate = "task.update"
	MethodJobsReport = "jobs.report"
)

// Methods initiated by the hub.
const (
	MethodTaskAssign = "task.assign"
	MethodTaskStop   = "task.stop"
	MethodJobPush    = "job.push"
	MethodConfigPush = "config.push"
)

// JSON-RPC standard error codes plus application codes in the 1000 range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603

	CodeAuthFailed        = 1001
	CodeHandshakeRequired = 1002
	CodeNodeNotFound      = 1003
	CodeNoNodesConnected  = 1004
	CodeTaskNotFound      = 1005
	CodeJobInvalid        = 1006
)

// Frame is a single JSON-RPC message. A frame with a non-empty Method is a
// request (or a notification when ID is absent); otherwise it is a response
// correlated by ID.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the frame expects a response.
func (f *Frame) IsRequest() bool { return f.Method != "" && len(f.ID) > 0 }

// IsNotification reports whether the frame is a fire-and-forget request.
func (f *Frame) IsNotification() bool { return f.Method != "" && len(f.ID) == 0 }

// IDInt64 parses the frame id as an integer. Peer-generated ids are always
// integers; string ids from the remote side are echoed back verbatim.
func (f *Frame) IDInt64() (int64, bool) {
	if len(f.ID) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(f.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Error is a JSON-RPC error object. It implements error so callers can
// surface remote failures directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame with the given integer id.
func NewRequest(id int64, method string, params any) (*Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Frame{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a request frame without an id.
func NewNotification(method string, params any) (*Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Frame{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResult builds a success response echoing the request id.
func NewResult(id json.RawMessage, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Frame{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewError builds an error response echoing the request id.
func NewError(id json.RawMessage, code int, message string) *Frame {
	return &Frame{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// HelloParams is the authentication handshake. It must be the first frame a
// node sends after the transport opens; the token is verified again here even
// though the HTTP upgrade already carried it, so transports that cannot set
// headers still authenticate.
type HelloParams struct {
	NodeID       string   `json:"node_id"`
	Token        string   `json:"token"`
	Name         string   `json:"name"`
	Platform     string   `json:"platform,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type HelloResult struct {
	OK         bool      `json:"ok"`
	ServerTime time.Time `json:"server_time"`
}

// ResourceSnapshot is the machine/process metrics block carried by every
// heartbeat and surfaced in node observability queries.
type ResourceSnapshot struct {
	CPUCount   int     `json:"cpu_count"`
	Goroutines int     `json:"goroutines"`
	MemAllocMB float64 `json:"mem_alloc_mb"`
	MemSysMB   float64 `json:"mem_sys_mb"`
	UptimeSec  int64   `json:"uptime_sec"`
	Load1      float64 `json:"load1,omitempty"`
}

type HeartbeatParams struct {
	RunningTaskIDs []string          `json:"running_task_ids,omitempty"`
	Metrics        ResourceSnapshot  `json:"metrics"`
	Skills         map[string]string `json:"skills,omitempty"`
}

// Message is one prior conversation turn carried for multi-turn continuity.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TaskUpdateParams reports task progress from the owning node. Status is
// empty for pure output-chunk updates. Goal is set only on the first update
// of a node-originated task (local scheduled jobs) so the hub can create the
// record.
type TaskUpdateParams struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status,omitempty"`
	PartialText string `json:"partial_text,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Goal        string `json:"goal,omitempty"`
}

// TaskUpdateResult carries Accepted=false when the hub ignored the update
// (unknown task without a goal, or a task already in a terminal state), which
// tells the node it can drop its local state for that task.
type TaskUpdateResult struct {
	Accepted bool `json:"accepted"`
}

type TaskAssignParams struct {
	TaskID  string    `json:"task_id"`
	Goal    string    `json:"goal"`
	Model   string    `json:"model,omitempty"`
	Context []Message `json:"context,omitempty"`
}

type TaskAssignResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type TaskStopParams struct {
	TaskID string `json:"task_id"`
}

type TaskStopResult struct {
	Accepted bool `json:"accepted"`
}

// Job is the wire shape of a declarative scheduled-job record.
type Job struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type JobPushParams struct {
	Job Job `json:"job"`
}

// JobSummary is one entry of a node's loaded-job report.
type JobSummary struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	Description string    `json:"description,omitempty"`
	NextRun     time.Time `json:"next_run,omitzero"`
	Enabled     bool      `json:"enabled"`
}

type JobsReportParams struct {
	Jobs []JobSummary `json:"jobs"`
}

type ConfigPushParams struct {
	Settings map[string]string `json:"settings"`
}

type OKResult struct {
	OK bool `json:"ok"`
}
