package gateway

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

// RESTTransport is the outbound adapter for sessions created through
// the HTTP API. There is no chat surface to post to, so deliveries go
// out on the websocket firehose instead.
type RESTTransport struct {
	server *Server
	nextID atomic.Int64
}

func NewRESTTransport(s *Server) *RESTTransport {
	return &RESTTransport{server: s}
}

func (t *RESTTransport) Platform() string { return "rest" }

func (t *RESTTransport) Send(_ context.Context, reply session.ReplyContext, text string) (session.MessageRef, error) {
	ref := session.MessageRef{
		ChatID:    reply.ChatID,
		MessageID: strconv.FormatInt(t.nextID.Add(1), 10),
	}
	t.server.Notify("message.outbound", "", map[string]any{
		"chat_id":    reply.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
	})
	return ref, nil
}

func (t *RESTTransport) Edit(_ context.Context, ref session.MessageRef, text string) error {
	t.server.Notify("message.edited", "", map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
	})
	return nil
}

func (t *RESTTransport) Typing(_ context.Context, _ string) error { return nil }
