// Package session holds the durable per-conversation state: message
// history, the two-batch ingress queue, and the processed-request window.
//
// Session keys follow the canonical format:
//
//	{platform}:{userId}:{chatId}
//
// Examples:
//
//	telegram:386246614:386246614
//	discord:90314403:1134071
//	rest:api-user:thread-7
package session

import (
	"fmt"
	"strings"
)

// Key identifies one session: a (platform, user, chat) tuple. Exactly one
// actor owns the state for a given key at a time.
type Key struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
}

func NewKey(platform, userID, chatID string) Key {
	return Key{Platform: platform, UserID: userID, ChatID: chatID}
}

// String returns the canonical key form used for storage and locking.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Platform, k.UserID, k.ChatID)
}

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool {
	return k.Platform == "" && k.UserID == "" && k.ChatID == ""
}

// ParseKey parses a canonical key string. Chat IDs may themselves contain
// colons (forum topics), so only the first two separators split.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return Key{}, fmt.Errorf("invalid session key %q", s)
	}
	return Key{Platform: parts[0], UserID: parts[1], ChatID: parts[2]}, nil
}
