package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

const helpText = `Commands:
/start — introduction
/help — this message
/clear — forget the conversation history
/recover — clear wedged batches, keep history
/debug — runtime state (admins only)`

// handleCommand intercepts slash commands before queueing. It returns
// handled=true when the command was answered directly. Unknown
// commands are rewritten to "name: args" and queued as ordinary text.
// /clear passes through unchanged: it must serialise behind any turn
// already in flight.
func (e *Engine) handleCommand(ctx context.Context, input transport.ParsedInput) (handled bool, rewritten string, err error) {
	name, args, _ := strings.Cut(strings.TrimPrefix(input.Text, "/"), " ")
	name = strings.ToLower(strings.TrimSpace(name))
	key := input.SessionKey()

	switch name {
	case "clear":
		return false, input.Text, nil

	case "start":
		e.sendReply(ctx, input, "Hi! Send me a message and I'll get to work. /help lists commands.")
		return true, "", nil

	case "help":
		e.sendReply(ctx, input, helpText)
		return true, "", nil

	case "recover":
		// The unconditional unwedge path: both batches go, history
		// stays. A delegated batch with a live heartbeat is not stuck
		// by the sweeper's definition, so this must not consult it.
		dropped := 0
		rerr := e.withSession(ctx, key, func(st *session.State) error {
			now := e.clk.Now()
			for _, b := range []*session.Batch{st.ActiveBatch, st.PendingBatch} {
				if b == nil {
					continue
				}
				dropped += len(b.PendingMessages)
				for _, m := range b.PendingMessages {
					e.recordEvent(ctx, store.Event{
						EventID:    m.EventID,
						SessionKey: key.String(),
						Status:     store.EventError,
						StartedAt:  m.Timestamp,
						Error:      "cleared by /recover",
					})
				}
				b.PushStage(session.StageFailed, now)
			}
			st.ActiveBatch = nil
			st.PendingBatch = nil
			return nil
		})
		e.alarms.Cancel(key.String())
		if rerr != nil {
			slog.Error("engine.recover_failed", "session", key, "error", rerr)
			e.sendReply(ctx, input, "Recovery failed, see logs.")
			return true, "", nil
		}
		if dropped == 0 {
			e.sendReply(ctx, input, "Nothing to recover; the session is idle.")
			return true, "", nil
		}
		e.sendReply(ctx, input, fmt.Sprintf("Cleared %d queued message(s). History kept.", dropped))
		return true, "", nil

	case "debug":
		if !input.IsAdmin {
			e.sendReply(ctx, input, "Sorry, /debug is restricted.")
			return true, "", nil
		}
		e.sendReply(ctx, input, e.DebugReport(ctx, key))
		return true, "", nil

	default:
		// "/todo buy milk" becomes "todo: buy milk" and flows through
		// the normal queue.
		text := name
		if args != "" {
			text = name + ": " + args
		}
		return false, text, nil
	}
}

func (e *Engine) sendReply(ctx context.Context, input transport.ParsedInput, text string) {
	reply := input.Reply
	if reply.Platform == "" {
		reply.Platform = input.Platform
	}
	if reply.ChatID == "" {
		reply.ChatID = input.ChatID
	}
	if _, err := e.transports.Send(ctx, reply, text); err != nil {
		slog.Warn("engine.command_reply_failed", "platform", input.Platform, "error", err)
	}
}

// DebugReport renders the session and runtime state for the /debug
// command and the gateway debug endpoint. The config dump is
// secret-free by construction.
func (e *Engine) DebugReport(ctx context.Context, key session.Key) string {
	var b strings.Builder

	snap, err := e.BatchState(ctx, key)
	if err != nil {
		fmt.Fprintf(&b, "batch state unavailable: %v\n", err)
	} else {
		fmt.Fprintf(&b, "session: %s\n", key)
		fmt.Fprintf(&b, "history: %d messages\n", snap.HistoryLen)
		fmt.Fprintf(&b, "active: %s (%d msgs, %d retries)\n", snap.ActiveStatus, snap.ActiveMessages, snap.RetryCount)
		fmt.Fprintf(&b, "pending: %d msgs\n", snap.PendingMessages)
		fmt.Fprintf(&b, "workflows: %d\n", snap.Workflows)
		fmt.Fprintf(&b, "alarm armed: %v\n", e.alarms.Armed(key.String()))
	}
	fmt.Fprintf(&b, "background failures: %d\n", e.BackgroundFailures())

	if dump, derr := e.cfg.MarshalForDump(); derr == nil {
		b.WriteString("\nconfig:\n")
		b.Write(dump)
	}
	return b.String()
}
