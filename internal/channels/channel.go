// Package channels is the webhook gateway for external messaging platforms.
// Each adapter verifies inbound requests with its platform's scheme,
// normalizes them into one message shape, and the gateway turns them into
// task submissions. Replies ride back through the adapter once a task
// reaches a terminal state.
package channels

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/dispatch"
	"github.com/basket/flotilla/internal/otel"
	"github.com/basket/flotilla/internal/store"
)

// maxWebhookBody bounds inbound payload size (256 KiB).
const maxWebhookBody = 1 << 18

// Message is one normalized inbound platform event.
type Message struct {
	Channel        string
	SenderID       string
	Text           string
	ConversationID string
	RawPayloadRef  string
}

// Inbound is what an adapter extracted from one verified request. A zero
// value means the request was valid but carried nothing to route (platform
// pings, edits, bot echoes). Ack, when set, becomes the response body the
// platform expects (Slack's url_verification challenge).
type Inbound struct {
	Msg       *Message
	Interrupt bool
	Ack       []byte
	AckType   string
}

// VerifyError rejects a request at the adapter boundary with the status
// code the platform expects for failed verification.
type VerifyError struct {
	Status int
	Reason string
}

func (e *VerifyError) Error() string { return e.Reason }

// Adapter is one platform integration. Verify must reject anything
// inauthentic before Normalize parses further.
type Adapter interface {
	Name() string
	Verify(r *http.Request, body []byte) *VerifyError
	Normalize(r *http.Request, body []byte) (Inbound, error)
	// Reply delivers text back to the platform conversation.
	Reply(ctx context.Context, conversationID, text string) error
}

// Dispatcher is the slice of the task dispatcher the gateway drives.
type Dispatcher interface {
	SubmitTask(ctx context.Context, req dispatch.SubmitRequest) (*store.Task, error)
	SendMessage(ctx context.Context, taskID, message string) (*store.Task, error)
	StopTask(ctx context.Context, taskID string) (*store.Task, error)
}

// ConversationIndex resolves tasks by continuity key. The sqlite store
// implements it. Routing follows the newest task regardless of status;
// interrupts need the newest task that is still live.
type ConversationIndex interface {
	LatestTaskForConversation(ctx context.Context, conversationKey string) (*store.Task, error)
	LatestLiveTaskForConversation(ctx context.Context, conversationKey string) (*store.Task, error)
}

type Config struct {
	Adapters      []Adapter
	Dispatcher    Dispatcher
	Conversations ConversationIndex
	Events        EventSink // optional
	Bus           *bus.Bus  // optional
	Logger        *slog.Logger
	Metrics       *otel.Metrics // optional
}

// EventSink records gateway occurrences in the system event stream.
type EventSink interface {
	AppendSystemEvent(ctx context.Context, component, level, message string, metadata map[string]any) error
}

// Gateway mounts one webhook endpoint per adapter and routes verified
// messages into the dispatcher. Webhooks are acknowledged before the
// dispatched work runs; the platform never waits on a node.
type Gateway struct {
	adapters      map[string]Adapter
	dispatcher    Dispatcher
	conversations ConversationIndex
	events        EventSink
	bus           *bus.Bus
	logger        *slog.Logger
	metrics       *otel.Metrics
}

func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := make(map[string]Adapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Name()] = a
	}
	return &Gateway{
		adapters:      adapters,
		dispatcher:    cfg.Dispatcher,
		conversations: cfg.Conversations,
		events:        cfg.Events,
		bus:           cfg.Bus,
		logger:        logger,
		metrics:       cfg.Metrics,
	}
}

// Handler serves /hooks/<adapter>. Registered on the hub mux under /hooks/.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	for name, adapter := range g.adapters {
		mux.HandleFunc("/hooks/"+name, g.endpoint(adapter))
	}
	return mux
}

// AdapterNames lists the configured adapters, for startup logging.
func (g *Gateway) AdapterNames() []string {
	names := make([]string, 0, len(g.adapters))
	for name := range g.adapters {
		names = append(names, name)
	}
	return names
}

func (g *Gateway) endpoint(adapter Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if verr := adapter.Verify(r, body); verr != nil {
			g.reject(r.Context(), adapter.Name(), verr.Reason)
			http.Error(w, verr.Reason, verr.Status)
			return
		}

		inbound, err := adapter.Normalize(r, body)
		if err != nil {
			g.logger.Warn("webhook payload not normalized",
				"channel", adapter.Name(), "error", err)
			// Verified but unparsable: ack so the platform stops retrying.
			w.WriteHeader(http.StatusOK)
			return
		}

		if len(inbound.Ack) > 0 {
			if inbound.AckType != "" {
				w.Header().Set("Content-Type", inbound.AckType)
			}
			_, _ = w.Write(inbound.Ack)
			return
		}
		// Ack before routing: the platform must never wait on dispatch.
		w.WriteHeader(http.StatusOK)

		if inbound.Msg == nil {
			return
		}
		msg := *inbound.Msg
		if inbound.Interrupt {
			go g.HandleInterrupt(context.Background(), adapter, msg)
			return
		}
		go g.RouteMessage(context.Background(), adapter, msg)
	}
}

// reject records one failed verification everywhere it is observable.
func (g *Gateway) reject(ctx context.Context, channel, reason string) {
	g.logger.Warn("webhook verification failed", "channel", channel, "reason", reason)
	if g.metrics != nil {
		g.metrics.WebhookRejects.Add(ctx, 1)
	}
	if g.bus != nil {
		g.bus.Publish(bus.TopicChannelRejected, bus.ChannelRejectedEvent{
			Channel: channel,
			Reason:  reason,
		})
	}
	if g.events != nil {
		if err := g.events.AppendSystemEvent(ctx, "gateway", "warn",
			"webhook verification failed", map[string]any{"channel": channel, "reason": reason}); err != nil {
			g.logger.Error("append rejection event", "channel", channel, "error", err)
		}
	}
}

// ConversationKey builds the continuity key a channel message maps to.
func ConversationKey(channel, conversationID string) string {
	return channel + ":" + conversationID
}

// RouteMessage turns one normalized message into a task submission. A prior
// task under the same conversation key makes this a follow-up on the same
// node; otherwise a fresh task starts on the default node.
func (g *Gateway) RouteMessage(ctx context.Context, adapter Adapter, msg Message) {
	key := ConversationKey(msg.Channel, msg.ConversationID)

	prior, err := g.conversations.LatestTaskForConversation(ctx, key)
	switch {
	case err == nil:
		task, serr := g.dispatcher.SendMessage(ctx, prior.ID, msg.Text)
		if serr != nil {
			g.routeFailed(ctx, adapter, msg, serr)
			return
		}
		g.logger.Info("channel message continued conversation",
			"channel", msg.Channel, "conversation", msg.ConversationID, "task_id", task.ID)
	case errors.Is(err, sql.ErrNoRows):
		task, serr := g.dispatcher.SubmitTask(ctx, dispatch.SubmitRequest{
			Goal:            msg.Text,
			Origin:          store.TaskOriginChannel,
			ConversationKey: key,
		})
		if serr != nil {
			g.routeFailed(ctx, adapter, msg, serr)
			return
		}
		g.logger.Info("channel message started task",
			"channel", msg.Channel, "conversation", msg.ConversationID, "task_id", task.ID)
	default:
		g.routeFailed(ctx, adapter, msg, err)
	}
}

// routeFailed surfaces a routing failure to the sender instead of dropping
// it silently; chat users have no other way to see NoNodesConnected.
func (g *Gateway) routeFailed(ctx context.Context, adapter Adapter, msg Message, cause error) {
	g.logger.Error("channel message not routed",
		"channel", msg.Channel, "conversation", msg.ConversationID, "error", cause)
	if g.events != nil {
		_ = g.events.AppendSystemEvent(ctx, "gateway", "error",
			"channel message not routed", map[string]any{
				"channel": msg.Channel,
				"reason":  cause.Error(),
			})
	}
	if err := adapter.Reply(ctx, msg.ConversationID, "Could not start the task: "+cause.Error()); err != nil {
		g.logger.Warn("failure reply not delivered", "channel", msg.Channel, "error", err)
	}
}

// HandleInterrupt stops the conversation's currently live task. It resolves
// through the conversation key, never guessing at an arbitrary task. The
// lookup skips terminal tasks: a follow-up may already have finished while
// its predecessor keeps running, and the predecessor is what the sender
// wants stopped.
func (g *Gateway) HandleInterrupt(ctx context.Context, adapter Adapter, msg Message) {
	key := ConversationKey(msg.Channel, msg.ConversationID)

	task, err := g.conversations.LatestLiveTaskForConversation(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = adapter.Reply(ctx, msg.ConversationID, "Nothing is running in this conversation.")
			return
		}
		g.logger.Error("interrupt lookup failed", "channel", msg.Channel, "error", err)
		return
	}

	if _, err := g.dispatcher.StopTask(ctx, task.ID); err != nil {
		g.logger.Error("interrupt stop failed",
			"channel", msg.Channel, "task_id", task.ID, "error", err)
		_ = adapter.Reply(ctx, msg.ConversationID, "Stop failed: "+err.Error())
		return
	}
	g.logger.Info("channel interrupt stopped task",
		"channel", msg.Channel, "conversation", msg.ConversationID, "task_id", task.ID)
	_ = adapter.Reply(ctx, msg.ConversationID, "Stopped.")
}

// StartReplyLoop pushes terminal task results back to the conversation that
// started them. It subscribes to task status changes and returns when ctx
// ends.
func (g *Gateway) StartReplyLoop(ctx context.Context) {
	if g.bus == nil {
		return
	}
	sub := g.bus.Subscribe(bus.TopicTaskStatusPrefix)
	go func() {
		defer g.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				task, ok := ev.Payload.(bus.TaskEvent)
				if !ok || task.Origin != string(store.TaskOriginChannel) {
					continue
				}
				if !store.TaskStatus(task.Status).Terminal() {
					continue
				}
				g.deliverResult(ctx, task)
			}
		}
	}()
}

func (g *Gateway) deliverResult(ctx context.Context, task bus.TaskEvent) {
	channel, conversationID, ok := strings.Cut(task.ConversationKey, ":")
	if !ok {
		return
	}
	adapter, ok := g.adapters[channel]
	if !ok {
		return
	}

	var text string
	switch store.TaskStatus(task.Status) {
	case store.TaskStatusCompleted:
		text = task.Result
		if text == "" {
			text = "Done."
		}
	case store.TaskStatusError:
		text = "Task failed: " + task.Error
	case store.TaskStatusStopped:
		// The interrupt path already acknowledged the stop.
		return
	default:
		return
	}

	if err := adapter.Reply(ctx, conversationID, text); err != nil {
		g.logger.Warn("result reply not delivered",
			"channel", channel, "task_id", task.TaskID, "error", err)
		return
	}
	g.logger.Info("result delivered to channel",
		"channel", channel, "conversation", conversationID, "task_id", task.TaskID)
}

// BuildAdapters constructs the adapters whose credentials are present.
// A platform with no credentials simply does not start.
func BuildAdapters(telegram *TelegramAdapter, slack *SlackAdapter) []Adapter {
	var out []Adapter
	if telegram != nil {
		out = append(out, telegram)
	}
	if slack != nil {
		out = append(out, slack)
	}
	return out
}
