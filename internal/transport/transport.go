// Package transport defines the capability set a chat platform adapter
// must provide: parse an inbound event into a ParsedInput, and send,
// edit, and show typing on a channel. Adapters live in subpackages
// (telegram, discord); the REST gateway acts as its own adapter.
package transport

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// ErrTransient marks retryable transport failures (network blip, edit
// of a deleted message). Everything else is treated as permanent.
var ErrTransient = errors.New("transport: transient failure")

// ErrPermanent marks non-retryable transport failures (bad credentials,
// chat not found). Surfaced to admins only.
var ErrPermanent = errors.New("transport: permanent failure")

// ParsedInput is one inbound user message, normalised across platforms.
type ParsedInput struct {
	Platform  string `json:"platform"`
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Username  string `json:"username,omitempty"`
	RequestID string `json:"request_id,omitempty"` // platform message/delivery ID, for dedup
	EventID   string `json:"event_id,omitempty"`   // observability correlation ID
	IsAdmin   bool   `json:"is_admin,omitempty"`

	// Reply is the opaque context needed to answer on the same channel.
	Reply session.ReplyContext `json:"reply,omitempty"`

	// Meta carries platform-specific fields as a tagged union: exactly
	// one member is set, discriminated by Platform.
	Meta Metadata `json:"meta,omitempty"`
}

// Metadata is the per-platform tagged union for ParsedInput.
type Metadata struct {
	Telegram *TelegramMeta `json:"telegram,omitempty"`
	Discord  *DiscordMeta  `json:"discord,omitempty"`
	REST     *RESTMeta     `json:"rest,omitempty"`
}

// TelegramMeta holds Telegram-only fields.
type TelegramMeta struct {
	MessageID       int    `json:"message_id"`
	MessageThreadID int    `json:"message_thread_id,omitempty"` // forum topic
	ChatType        string `json:"chat_type,omitempty"`         // "private", "group", "supergroup"
	LanguageCode    string `json:"language_code,omitempty"`
}

// DiscordMeta holds Discord-only fields.
type DiscordMeta struct {
	MessageID string `json:"message_id"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id"`
}

// RESTMeta holds fields for the HTTP gateway entry point.
type RESTMeta struct {
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// SessionKey derives the session identity from the input.
func (p ParsedInput) SessionKey() session.Key {
	return session.NewKey(p.Platform, p.UserID, p.ChatID)
}

// Transport is the outbound capability set for one platform.
type Transport interface {
	// Platform returns the adapter identifier ("telegram", "discord").
	Platform() string

	// Send posts a new message and returns a handle for later edits.
	Send(ctx context.Context, reply session.ReplyContext, text string) (session.MessageRef, error)

	// Edit replaces the text of a previously sent message. Adapters
	// without edit support return ErrTransient so callers fall back
	// to Send.
	Edit(ctx context.Context, ref session.MessageRef, text string) error

	// Typing shows the platform's typing indicator. Best effort.
	Typing(ctx context.Context, chatID string) error
}

// Transient wraps err as a retryable transport failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrTransient, err)
}

// Permanent wraps err as a non-retryable transport failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrPermanent, err)
}
