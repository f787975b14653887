// Package discord is the Discord transport adapter, connected through
// the gateway websocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// Discord rejects messages over 2000 characters.
const maxMessageLen = 2000

// Receiver is the engine surface the adapter feeds.
type Receiver interface {
	ReceiveMessage(ctx context.Context, input transport.ParsedInput) (bool, error)
}

// Adapter connects to Discord and bridges messages into the engine.
type Adapter struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	receiver  Receiver
	admins    map[string]bool
	botUserID string
}

func New(cfg config.DiscordConfig, receiver Receiver) (*Adapter, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	admins := make(map[string]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}

	return &Adapter{
		session:  s,
		cfg:      cfg,
		receiver: receiver,
		admins:   admins,
	}, nil
}

func (a *Adapter) Platform() string { return "discord" }

// Start opens the gateway connection and begins receiving events.
func (a *Adapter) Start(_ context.Context) error {
	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID

	slog.Info("discord.connected", "username", user.Username, "id", user.ID)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	return a.session.Close()
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	// In guild channels only respond when the bot is mentioned; strip
	// the mention so it doesn't leak into the conversation.
	if m.GuildID != "" {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == a.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, "<@"+a.botUserID+">", ""))
		if content == "" {
			return
		}
	}

	input := transport.ParsedInput{
		Platform:  "discord",
		Text:      content,
		UserID:    m.Author.ID,
		ChatID:    m.ChannelID,
		Username:  m.Author.Username,
		RequestID: "dc:" + m.ID,
		IsAdmin:   a.admins[m.Author.ID],
		Reply: session.ReplyContext{
			Platform: "discord",
			ChatID:   m.ChannelID,
		},
		Meta: transport.Metadata{
			Discord: &transport.DiscordMeta{
				MessageID: m.ID,
				GuildID:   m.GuildID,
				ChannelID: m.ChannelID,
			},
		},
	}

	if _, err := a.receiver.ReceiveMessage(context.Background(), input); err != nil {
		slog.Error("discord.receive_failed", "channel_id", m.ChannelID, "error", err)
	}
}

// Send posts a message, splitting on the 2000-character limit. The ref
// points at the first chunk so later edits replace the visible head.
func (a *Adapter) Send(_ context.Context, reply session.ReplyContext, text string) (session.MessageRef, error) {
	var ref session.MessageRef
	first := true
	for _, chunk := range splitMessage(text) {
		sent, err := a.session.ChannelMessageSend(reply.ChatID, chunk)
		if err != nil {
			return ref, classify(err)
		}
		if first {
			ref = session.MessageRef{ChatID: reply.ChatID, MessageID: sent.ID}
			first = false
		}
	}
	return ref, nil
}

// Edit replaces an already-sent message. Oversized content is cut at
// the platform limit; the engine sends full results as fresh messages.
func (a *Adapter) Edit(_ context.Context, ref session.MessageRef, text string) error {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	if _, err := a.session.ChannelMessageEdit(ref.ChatID, ref.MessageID, text); err != nil {
		return classify(err)
	}
	return nil
}

// Typing shows the typing indicator. Discord keeps it alive ~10s per
// call; the progress rotator re-triggers it on each rotation.
func (a *Adapter) Typing(_ context.Context, chatID string) error {
	return a.session.ChannelTyping(chatID)
}

// splitMessage chunks text at the platform limit, preferring newline
// boundaries in the back half of a chunk.
func splitMessage(content string) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxMessageLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxMessageLen
		if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 401, 403, 404:
			return transport.Permanent(err)
		}
	}
	return transport.Transient(err)
}
