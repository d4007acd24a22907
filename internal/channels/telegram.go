package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// secretTokenHeader carries the shared secret Telegram echoes back on every
// webhook delivery when the webhook was registered with one.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramAdapter receives bot updates in webhook mode. Authenticity rides
// on the secret token header; an optional sender allowlist narrows who may
// submit work. The conversation id is the chat id, so replies in the same
// chat continue the same task thread.
type TelegramAdapter struct {
	token         string
	webhookSecret string
	allowedIDs    map[int64]struct{}
	logger        *slog.Logger

	apiEndpoint string

	botMu sync.Mutex
	bot   *tgbotapi.BotAPI
}

func NewTelegramAdapter(token, webhookSecret string, allowedIDs []int64, logger *slog.Logger) *TelegramAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramAdapter{
		token:         token,
		webhookSecret: webhookSecret,
		allowedIDs:    allowed,
		logger:        logger,
		apiEndpoint:   tgbotapi.APIEndpoint,
	}
}

// SetAPIEndpoint points the Bot API client at a different base URL.
func (t *TelegramAdapter) SetAPIEndpoint(endpoint string) {
	t.apiEndpoint = endpoint
}

func (t *TelegramAdapter) Name() string { return "telegram" }

// Verify checks the webhook secret token. Telegram retries non-2xx
// deliveries, so a 401 both rejects and keeps the noise visible.
func (t *TelegramAdapter) Verify(r *http.Request, _ []byte) *VerifyError {
	if t.webhookSecret == "" {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "webhook secret not configured"}
	}
	got := r.Header.Get(secretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(t.webhookSecret)) != 1 {
		return &VerifyError{Status: http.StatusUnauthorized, Reason: "secret token mismatch"}
	}
	return nil
}

// Normalize extracts the message from a verified update. Non-message
// updates, empty texts, and disallowed senders produce an empty Inbound:
// Telegram gets its 200 and nothing is routed.
func (t *TelegramAdapter) Normalize(_ *http.Request, body []byte) (Inbound, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return Inbound{}, fmt.Errorf("decode update: %w", err)
	}
	msg := update.Message
	if msg == nil || msg.From == nil {
		return Inbound{}, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Inbound{}, nil
	}
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[msg.From.ID]; !ok {
			t.logger.Warn("telegram sender not allowed",
				"user_id", msg.From.ID, "user_name", msg.From.UserName)
			return Inbound{}, nil
		}
	}

	normalized := &Message{
		Channel:        t.Name(),
		SenderID:       strconv.FormatInt(msg.From.ID, 10),
		Text:           text,
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		RawPayloadRef:  strconv.Itoa(update.UpdateID),
	}
	if isStopCommand(text) {
		return Inbound{Msg: normalized, Interrupt: true}, nil
	}
	return Inbound{Msg: normalized}, nil
}

// Reply sends text back to the chat through the Bot API. The client is
// created on first use so webhook handling never depends on outbound
// connectivity to Telegram.
func (t *TelegramAdapter) Reply(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram conversation id %q: %w", conversationID, err)
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, chunk := range splitForTelegram(text) {
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *TelegramAdapter) client() (*tgbotapi.BotAPI, error) {
	t.botMu.Lock()
	defer t.botMu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.apiEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram client init: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// isStopCommand recognizes the interrupt forms a chat user types.
func isStopCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/stop", "stop", "/cancel":
		return true
	}
	return false
}

// telegramMessageLimit is the Bot API's maximum message length.
const telegramMessageLimit = 4096

func splitForTelegram(text string) []string {
	if len(text) <= telegramMessageLimit {
		return []string{text}
	}
	var chunks []string
	for len(text) > telegramMessageLimit {
		cut := telegramMessageLimit
		// Prefer a line break near the limit so code blocks stay readable.
		if idx := strings.LastIndex(text[:cut], "\n"); idx > telegramMessageLimit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
