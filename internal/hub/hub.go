// Package hub is the coordinator's serving layer: the node WebSocket
// endpoint with its handshake gate, the REST query surface, and the
// heartbeat watchdog. Task semantics live in dispatch; this package owns
// transport, auth, and node session lifecycle.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/config"
	"github.com/basket/flotilla/internal/dispatch"
	"github.com/basket/flotilla/internal/jobstore"
	"github.com/basket/flotilla/internal/otel"
	"github.com/basket/flotilla/internal/protocol"
	"github.com/basket/flotilla/internal/scheduler"
	"github.com/basket/flotilla/internal/store"
)

// helloTimeout is how long a fresh connection gets to send node.hello before
// the hub hangs up.
const helloTimeout = 10 * time.Second

type Config struct {
	Store      *store.Store
	Registry   *Registry
	Dispatcher *dispatch.Dispatcher
	Bus        *bus.Bus
	Jobs       *jobstore.Store      // hub-side job records, may be nil
	Scheduler  *scheduler.Scheduler // hub-side schedule view, may be nil
	Logger     *slog.Logger
	Metrics    *otel.Metrics // optional

	AuthToken string

	// AllowOrigins is the Origin allowlist for browser WebSocket upgrades.
	// Empty means same-origin only.
	AllowOrigins []string

	// Hooks is the channel gateway's webhook handler, mounted under /hooks/.
	// Nil when no channel adapter is configured.
	Hooks http.Handler

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is the active config hash surfaced by /api/health.
	ConfigFingerprint string

	// StaleAfter and WatchdogInterval drive the heartbeat sweep.
	StaleAfter       time.Duration
	WatchdogInterval time.Duration
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 15 * time.Second
	}
	return &Server{cfg: cfg, logger: logger, startedAt: time.Now()}
}

// Handler builds the full HTTP surface. Webhook routes carry their own
// platform verification plus the shared rate limiter; everything under /api/
// authorizes per handler like the node endpoint does.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/node", s.handleNodeWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/nodes/", s.handleNodeByID)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/health", s.handleHealth)

	if s.cfg.Hooks != nil {
		limiter := NewRateLimitMiddleware(s.cfg.RateLimit, s.cfg.Metrics)
		mux.Handle("/hooks/", limiter.Wrap(s.cfg.Hooks))
	}

	return NewCORSMiddleware(s.cfg.AllowOrigins)(mux)
}

// StartWatchdog launches the stale-heartbeat sweep. It stops when ctx ends.
func (s *Server) StartWatchdog(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepStale(ctx)
			}
		}
	}()
}

// sweepStale force-disconnects nodes whose heartbeat went quiet. The socket
// close also ends the session's read loop, whose teardown then finds the
// binding already released and does nothing further.
func (s *Server) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	for _, conn := range s.cfg.Registry.Snapshot() {
		if conn.LastHeartbeat().After(cutoff) {
			continue
		}
		nodeID := conn.NodeID()
		s.logger.Warn("node heartbeat stale, disconnecting",
			"node_id", nodeID, "last_heartbeat", conn.LastHeartbeat())
		if s.cfg.Registry.Release(conn) {
			s.markDisconnected(ctx, conn, "heartbeat stale", bus.TopicNodeStale)
		}
		conn.Close(websocket.StatusPolicyViolation, "heartbeat stale")
	}
}

// markDisconnected records the store transition and emits the events exactly
// once per live session, guarded by MarkNodeDisconnected's applied flag.
func (s *Server) markDisconnected(ctx context.Context, conn *NodeConn, reason, topic string) {
	became, err := s.cfg.Store.MarkNodeDisconnected(ctx, conn.NodeID(), time.Now())
	if err != nil {
		s.logger.Error("mark node disconnected", "node_id", conn.NodeID(), "error", err)
		return
	}
	if !became {
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.NodesConnected.Add(ctx, -1)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, bus.NodeEvent{
			NodeID: conn.NodeID(),
			Name:   conn.Name(),
			Reason: reason,
		})
	}
	if err := s.cfg.Store.AppendSystemEvent(ctx, "hub", "warn",
		"node disconnected: "+reason, map[string]any{"node_id": conn.NodeID()}); err != nil {
		s.logger.Error("append disconnect event", "node_id", conn.NodeID(), "error", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return tokenEqual(token, s.cfg.AuthToken)
}

func tokenEqual(candidate, want string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1
}

// handleNodeWS runs one node session end to end: upgrade, handshake gate,
// registry bind, serve loop, teardown.
func (s *Server) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	hello, helloID, err := s.awaitHello(r.Context(), wsConn)
	if err != nil {
		s.logger.Warn("node handshake rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	now := time.Now()
	ident := store.NodeIdentity{
		ID:           hello.NodeID,
		Name:         hello.Name,
		Platform:     hello.Platform,
		Version:      hello.Version,
		Capabilities: hello.Capabilities,
	}
	if err := s.cfg.Store.UpsertNodeConnected(r.Context(), ident, now); err != nil {
		s.logger.Error("upsert node", "node_id", hello.NodeID, "error", err)
		_ = wsjson.Write(r.Context(), wsConn, protocol.NewError(helloID, protocol.CodeInternalError, "registration failed"))
		_ = wsConn.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	var conn *NodeConn
	peer := protocol.NewPeer(wsConn, func(ctx context.Context, frame *protocol.Frame) *protocol.Frame {
		return s.handleNodeFrame(ctx, conn, frame)
	})
	conn = NewNodeConn(hello.NodeID, hello.Name, now, peer)

	if prev := s.cfg.Registry.Bind(conn); prev != nil {
		// Split-brain guard: the old socket must die before assignments can
		// race onto it. The map swap already routed everything here.
		s.logger.Warn("superseding existing node connection", "node_id", hello.NodeID)
		prev.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	} else {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.NodesConnected.Add(r.Context(), 1)
		}
	}

	result, err := protocol.NewResult(helloID, protocol.HelloResult{OK: true, ServerTime: now.UTC()})
	if err == nil {
		err = peer.Reply(r.Context(), result)
	}
	if err != nil {
		s.logger.Error("hello reply", "node_id", hello.NodeID, "error", err)
		s.teardown(conn)
		return
	}

	s.logger.Info("node connected",
		"node_id", hello.NodeID, "name", hello.Name, "platform", hello.Platform, "version", hello.Version)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicNodeConnected, bus.NodeEvent{NodeID: hello.NodeID, Name: hello.Name})
	}
	if err := s.cfg.Store.AppendSystemEvent(r.Context(), "hub", "info",
		"node connected", map[string]any{"node_id": hello.NodeID, "name": hello.Name}); err != nil {
		s.logger.Error("append connect event", "node_id", hello.NodeID, "error", err)
	}

	err = peer.Serve(r.Context())
	s.logger.Info("node session ended", "node_id", hello.NodeID, "reason", err)
	s.teardown(conn)
}

// teardown releases the binding and records the disconnect, but only when
// this session is still the current one for its node id.
func (s *Server) teardown(conn *NodeConn) {
	conn.Close(websocket.StatusNormalClosure, "bye")
	if !s.cfg.Registry.Release(conn) {
		return
	}
	// The request context is gone by now.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.markDisconnected(ctx, conn, "connection closed", bus.TopicNodeDisconnected)
}

// awaitHello enforces the handshake gate: the first frame must be a
// node.hello request with the right token, inside helloTimeout. Anything
// else closes the socket without creating state.
func (s *Server) awaitHello(ctx context.Context, wsConn *websocket.Conn) (*protocol.HelloParams, json.RawMessage, error) {
	readCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var frame protocol.Frame
	if err := wsjson.Read(readCtx, wsConn, &frame); err != nil {
		_ = wsConn.Close(websocket.StatusProtocolError, "handshake timeout")
		return nil, nil, errors.New("no handshake frame")
	}
	if frame.Method != protocol.MethodHello || !frame.IsRequest() {
		_ = wsjson.Write(ctx, wsConn, protocol.NewError(frame.ID, protocol.CodeHandshakeRequired, "node.hello must be the first request"))
		_ = wsConn.Close(websocket.StatusProtocolError, "handshake required")
		return nil, nil, errors.New("first frame was not node.hello")
	}

	var hello protocol.HelloParams
	if err := json.Unmarshal(frame.Params, &hello); err != nil {
		_ = wsjson.Write(ctx, wsConn, protocol.NewError(frame.ID, protocol.CodeInvalidRequest, "invalid hello params"))
		_ = wsConn.Close(websocket.StatusProtocolError, "invalid hello")
		return nil, nil, errors.New("malformed hello params")
	}
	if hello.NodeID == "" {
		_ = wsjson.Write(ctx, wsConn, protocol.NewError(frame.ID, protocol.CodeInvalidRequest, "node_id required"))
		_ = wsConn.Close(websocket.StatusProtocolError, "node_id required")
		return nil, nil, errors.New("hello without node_id")
	}
	// The upgrade already proved the token, but the handshake repeats it for
	// transports that cannot set headers.
	if !tokenEqual(hello.Token, s.cfg.AuthToken) {
		_ = wsjson.Write(ctx, wsConn, protocol.NewError(frame.ID, protocol.CodeAuthFailed, "auth failed"))
		_ = wsConn.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, nil, errors.New("hello token mismatch")
	}
	return &hello, frame.ID, nil
}

// handleNodeFrame serves the node-initiated methods on an established
// session. It runs on the session's read loop.
func (s *Server) handleNodeFrame(ctx context.Context, conn *NodeConn, frame *protocol.Frame) *protocol.Frame {
	switch frame.Method {
	case protocol.MethodHeartbeat:
		var p protocol.HeartbeatParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, "invalid heartbeat params")
		}
		conn.TouchHeartbeat()
		metricsJSON, _ := json.Marshal(p.Metrics)
		skillsJSON, _ := json.Marshal(p.Skills)
		if err := s.cfg.Store.TouchNodeHeartbeat(ctx, conn.NodeID(), string(metricsJSON), string(skillsJSON), time.Now()); err != nil {
			s.logger.Error("record heartbeat", "node_id", conn.NodeID(), "error", err)
			return protocol.NewError(frame.ID, protocol.CodeInternalError, "heartbeat not recorded")
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HeartbeatsTotal.Add(ctx, 1)
		}
		return mustResult(frame.ID, protocol.OKResult{OK: true})

	case protocol.MethodTaskUpdate:
		var p protocol.TaskUpdateParams
		if err := json.Unmarshal(frame.Params, &p); err != nil || p.TaskID == "" {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, "invalid task.update params")
		}
		accepted, err := s.cfg.Dispatcher.HandleUpdate(ctx, conn.NodeID(), p)
		if err != nil {
			s.logger.Error("task update", "task_id", p.TaskID, "node_id", conn.NodeID(), "error", err)
			return protocol.NewError(frame.ID, protocol.CodeInternalError, "update not recorded")
		}
		return mustResult(frame.ID, protocol.TaskUpdateResult{Accepted: accepted})

	case protocol.MethodJobsReport:
		var p protocol.JobsReportParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, "invalid jobs.report params")
		}
		jobsJSON, err := json.Marshal(p.Jobs)
		if err == nil {
			err = s.cfg.Store.SetNodeReportedJobs(ctx, conn.NodeID(), string(jobsJSON))
		}
		if err != nil {
			s.logger.Error("record jobs report", "node_id", conn.NodeID(), "error", err)
			return protocol.NewError(frame.ID, protocol.CodeInternalError, "report not recorded")
		}
		return mustResult(frame.ID, protocol.OKResult{OK: true})

	case protocol.MethodHello:
		return protocol.NewError(frame.ID, protocol.CodeInvalidRequest, "handshake already completed")

	default:
		return protocol.NewError(frame.ID, protocol.CodeMethodNotFound, "method not found: "+frame.Method)
	}
}

func mustResult(id json.RawMessage, result any) *protocol.Frame {
	frame, err := protocol.NewResult(id, result)
	if err != nil {
		return protocol.NewError(id, protocol.CodeInternalError, "encode result")
	}
	return frame
}
