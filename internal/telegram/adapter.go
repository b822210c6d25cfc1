package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/selecta/internal/chat"
	"github.com/user/selecta/internal/gateway"
	"github.com/user/selecta/internal/store"
	"github.com/user/selecta/internal/types"
	"github.com/user/selecta/internal/usage"
)

const (
	maxTelegramMessage = 4096

	// Prefix selects the Telegram delivery handler.
	Prefix = "telegram:"
)

// Gateway is the part of the gateway the adapter drives.
type Gateway interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
	Reset(ctx context.Context, key types.SessionKey, userID string) error
	Conversation(ctx context.Context, key types.SessionKey, userID string) (*chat.Conversation, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	gateway Gateway
	tokens  *usage.Estimator
}

// New creates a Telegram adapter. tokens may be nil.
func New(token string, gw Gateway, tokens *usage.Estimator) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:     bot,
		gateway: gw,
		tokens:  tokens,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends message to the chat named by a "telegram:<user>:<chat>" target.
func (a *Adapter) Deliver(_ context.Context, target, message string) error {
	chatID, err := parseChatID(target)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, message)
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	event := &types.InboundEvent{
		Source:     "telegram",
		SessionKey: buildSessionKey(msg.From.ID, msg.Chat.ID),
		UserID:     strconv.FormatInt(msg.From.ID, 10),
		Text:       msg.Text,
	}

	a.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	err := a.gateway.HandleInbound(ctx, event, gateway.WithOnComplete(func(response string) {
		if strings.TrimSpace(response) == "" {
			response = "No answer was produced for that question."
		}
		a.sendResponse(chatID, response)
	}))
	if err != nil {
		slog.Error("handle inbound error", "chat_id", chatID, "error", err)
		a.sendResponse(chatID, "Sorry, I could not queue your question.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildSessionKey(msg.From.ID, msg.Chat.ID)
	userID := strconv.FormatInt(msg.From.ID, 10)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Ask me a question about your data and I will query it for you.")

	case "new":
		if err := a.gateway.Reset(ctx, key, userID); err != nil {
			slog.Error("reset session", "session_key", string(key), "error", err)
			a.sendResponse(chatID, "Could not start a new session.")
			return
		}
		a.sendResponse(chatID, "Starting a new session. Previous conversation has been archived.")

	case "status":
		conv, err := a.gateway.Conversation(ctx, key, userID)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		snap := conv.Store().Snapshot()
		var totals *usage.Totals
		if a.tokens != nil {
			t := a.tokens.Conversation(snap.Messages)
			totals = &t
		}
		a.sendResponse(chatID, statusText(snap, totals))

	case "sql":
		conv, err := a.gateway.Conversation(ctx, key, userID)
		if err != nil {
			a.sendResponse(chatID, "Error fetching the last query.")
			return
		}
		a.sendResponse(chatID, sqlText(conv.Store().Snapshot()))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status, /sql")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message error", "chat_id", chatID, "error", err)
			}
		}
	}
}

func statusText(snap store.Snapshot, totals *usage.Totals) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nMessages: %d\nResults: %d", snap.SessionID, len(snap.Messages), len(snap.ResultHistory))
	if snap.IsStreaming {
		b.WriteString("\nAnswering: yes")
	}
	if snap.ActiveError != nil {
		fmt.Fprintf(&b, "\nLast error: %s", snap.ActiveError.Message)
	}
	if totals != nil {
		fmt.Fprintf(&b, "\nTokens: %d in, %d out (estimated)", totals.Input, totals.Output)
	}
	return b.String()
}

func sqlText(snap store.Snapshot) string {
	if snap.ActiveResult == nil || strings.TrimSpace(snap.ActiveResult.SQL) == "" {
		return "No query has been run in this session yet."
	}
	return "```sql\n" + strings.TrimSpace(snap.ActiveResult.SQL) + "\n```"
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

// parseChatID reads the chat id from the last segment of a Telegram target.
func parseChatID(target string) (int64, error) {
	rest := strings.TrimPrefix(target, Prefix)
	if rest == target || rest == "" {
		return 0, fmt.Errorf("not a telegram target: %s", target)
	}
	parts := strings.Split(rest, ":")
	chatID, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", target, err)
	}
	return chatID, nil
}
