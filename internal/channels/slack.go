package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	slackSignatureHeader = "X-Slack-Signature"
	slackTimestampHeader = "X-Slack-Request-Timestamp"

	// slackSkewWindow rejects replayed deliveries: the signed timestamp must
	// be within this window of now.
	slackSkewWindow = 5 * time.Minute

	defaultSlackAPIBase = "https://slack.com/api"
)

// SlackAdapter receives Events API deliveries. Authenticity is the v0
// signing scheme: HMAC-SHA256 of "v0:<timestamp>:<body>" under the signing
// secret, carried in the signature header. The conversation id is the Slack
// channel id.
type SlackAdapter struct {
	signingSecret string
	botToken      string
	logger        *slog.Logger

	apiBase    string
	httpClient *http.Client
	now        func() time.Time
}

func NewSlackAdapter(signingSecret, botToken string, logger *slog.Logger) *SlackAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackAdapter{
		signingSecret: signingSecret,
		botToken:      botToken,
		logger:        logger,
		apiBase:       defaultSlackAPIBase,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		now:           time.Now,
	}
}

// SetAPIBase points Web API calls at a different base URL.
func (s *SlackAdapter) SetAPIBase(base string) {
	s.apiBase = strings.TrimRight(base, "/")
}

func (s *SlackAdapter) Name() string { return "slack" }

// Verify checks the v0 signature and the timestamp skew window. Slack
// treats any non-2xx as a failed delivery, which is exactly right for a
// forged request.
func (s *SlackAdapter) Verify(r *http.Request, body []byte) *VerifyError {
	if s.signingSecret == "" {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "signing secret not configured"}
	}
	ts := r.Header.Get(slackTimestampHeader)
	if ts == "" {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "missing timestamp header"}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "malformed timestamp header"}
	}
	if delta := s.now().Sub(time.Unix(unix, 0)); delta > slackSkewWindow || delta < -slackSkewWindow {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "timestamp outside skew window"}
	}

	want := slackSign(s.signingSecret, ts, body)
	got := r.Header.Get(slackSignatureHeader)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "signature mismatch"}
	}
	return nil
}

// slackSign computes the v0 request signature.
func slackSign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		EventTS string `json:"event_ts"`
	} `json:"event"`
	EventID string `json:"event_id"`
}

// Normalize handles the url_verification handshake and message events.
// Bot echoes and non-message events produce an empty Inbound.
func (s *SlackAdapter) Normalize(_ *http.Request, body []byte) (Inbound, error) {
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "url_verification":
		ack, err := json.Marshal(map[string]string{"challenge": env.Challenge})
		if err != nil {
			return Inbound{}, fmt.Errorf("encode challenge: %w", err)
		}
		return Inbound{Ack: ack, AckType: "application/json"}, nil

	case "event_callback":
		ev := env.Event
		if ev.Type != "message" || ev.Subtype != "" || ev.BotID != "" || ev.User == "" {
			return Inbound{}, nil
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return Inbound{}, nil
		}
		normalized := &Message{
			Channel:        s.Name(),
			SenderID:       ev.User,
			Text:           text,
			ConversationID: ev.Channel,
			RawPayloadRef:  env.EventID,
		}
		if isStopCommand(text) {
			return Inbound{Msg: normalized, Interrupt: true}, nil
		}
		return Inbound{Msg: normalized}, nil

	default:
		return Inbound{}, nil
	}
}

// Reply posts text to the channel via chat.postMessage.
func (s *SlackAdapter) Reply(ctx context.Context, conversationID, text string) error {
	if s.botToken == "" {
		return fmt.Errorf("slack bot token not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"channel": conversationID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode postMessage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build postMessage: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack postMessage: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&result); err != nil {
		return fmt.Errorf("decode postMessage response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack postMessage: %s", result.Error)
	}
	return nil
}
