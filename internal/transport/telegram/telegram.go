// Package telegram is the Telegram transport adapter: Bot API long
// polling for inbound updates, send/edit/typing for outbound.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// The "General" topic in forum supergroups has a fixed thread ID that
// the send/edit API rejects; it must be omitted from outbound params.
const generalTopicID = 1

// Receiver is the engine surface the adapter feeds.
type Receiver interface {
	ReceiveMessage(ctx context.Context, input transport.ParsedInput) (bool, error)
	ReceiveCallback(ctx context.Context, input transport.ParsedInput, data string) error
}

// Adapter connects to Telegram via long polling.
type Adapter struct {
	bot        *telego.Bot
	cfg        config.TelegramConfig
	receiver   Receiver
	admins     map[string]bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter. The bot token comes from config (env-loaded,
// never persisted).
func New(cfg config.TelegramConfig, receiver Receiver) (*Adapter, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	admins := make(map[string]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}

	return &Adapter{
		bot:      bot,
		cfg:      cfg,
		receiver: receiver,
		admins:   admins,
	}, nil
}

func (a *Adapter) Platform() string { return "telegram" }

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram.connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed")
					return
				}
				switch {
				case update.Message != nil:
					a.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					a.handleCallback(pollCtx, update.CallbackQuery)
				default:
					slog.Debug("telegram.update_skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutine to exit, so Telegram
// releases the getUpdates lock before a new instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.poll_exit_timeout")
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}

	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	threadID := 0
	if msg.Chat.IsForum {
		threadID = msg.MessageThreadID
		if threadID == 0 {
			threadID = generalTopicID
		}
	}

	input := transport.ParsedInput{
		Platform:  "telegram",
		Text:      text,
		UserID:    userID,
		ChatID:    chatID,
		Username:  msg.From.Username,
		RequestID: fmt.Sprintf("tg:%s:%d", chatID, msg.MessageID),
		IsAdmin:   a.admins[userID],
		Reply: session.ReplyContext{
			Platform: "telegram",
			ChatID:   chatID,
			ThreadID: threadID,
		},
		Meta: transport.Metadata{
			Telegram: &transport.TelegramMeta{
				MessageID:       msg.MessageID,
				MessageThreadID: threadID,
				ChatType:        msg.Chat.Type,
				LanguageCode:    msg.From.LanguageCode,
			},
		},
	}

	if _, err := a.receiver.ReceiveMessage(ctx, input); err != nil {
		slog.Error("telegram.receive_failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	// Ack first so the client stops its spinner even if handling fails.
	if err := a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: q.ID,
	}); err != nil {
		slog.Debug("telegram.callback_ack_failed", "error", err)
	}

	msg := q.Message
	if msg == nil {
		return
	}
	chatID := strconv.FormatInt(msg.GetChat().ID, 10)
	userID := strconv.FormatInt(q.From.ID, 10)

	input := transport.ParsedInput{
		Platform: "telegram",
		UserID:   userID,
		ChatID:   chatID,
		Username: q.From.Username,
		IsAdmin:  a.admins[userID],
		Reply: session.ReplyContext{
			Platform: "telegram",
			ChatID:   chatID,
		},
	}
	if err := a.receiver.ReceiveCallback(ctx, input, q.Data); err != nil {
		slog.Warn("telegram.callback_failed", "data", q.Data, "error", err)
	}
}

// Send posts a new message and returns its ref for later edits.
func (a *Adapter) Send(ctx context.Context, reply session.ReplyContext, text string) (session.MessageRef, error) {
	id, err := parseChatID(reply.ChatID)
	if err != nil {
		return session.MessageRef{}, transport.Permanent(fmt.Errorf("bad chat id %q: %w", reply.ChatID, err))
	}

	params := tu.Message(tu.ID(id), text)
	if tid := sendThreadID(reply.ThreadID); tid > 0 {
		params.MessageThreadID = tid
	}

	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return session.MessageRef{}, classify(err)
	}
	return session.MessageRef{
		ChatID:    reply.ChatID,
		MessageID: strconv.Itoa(sent.MessageID),
		ThreadID:  reply.ThreadID,
	}, nil
}

// Edit replaces the text of an already-sent message.
func (a *Adapter) Edit(ctx context.Context, ref session.MessageRef, text string) error {
	id, err := parseChatID(ref.ChatID)
	if err != nil {
		return transport.Permanent(fmt.Errorf("bad chat id %q: %w", ref.ChatID, err))
	}
	msgID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return transport.Permanent(fmt.Errorf("bad message id %q: %w", ref.MessageID, err))
	}

	_, err = a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		// Identical text is not a failure; the rendered state is current.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return classify(err)
	}
	return nil
}

// Typing shows the typing indicator. Best effort.
func (a *Adapter) Typing(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return transport.Permanent(fmt.Errorf("bad chat id %q: %w", chatID, err))
	}
	return a.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(id),
		Action: telego.ChatActionTyping,
	})
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func sendThreadID(threadID int) int {
	if threadID == generalTopicID {
		return 0
	}
	return threadID
}

// classify sorts Bot API failures into retryable and permanent.
// Auth and addressing problems will not fix themselves; everything
// else (flood control, network blips, deleted messages) is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "bot was blocked"),
		strings.Contains(s, "chat not found"),
		strings.Contains(s, "user is deactivated"):
		return transport.Permanent(err)
	default:
		return transport.Transient(err)
	}
}
