package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

func TestMemorySessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := session.NewKey("telegram", "7", "7")

	if _, err := m.Load(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load of missing key: err = %v, want ErrNotFound", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	state := session.NewState(key, now)
	state.AppendMessage(providers.Message{Role: "user", Content: "hello"}, 100)
	if err := m.Save(ctx, state); err != nil {
		t.Fatal(err)
	}

	loaded, err := m.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].Content != "hello" {
		t.Errorf("loaded messages = %+v", loaded.Messages)
	}

	// Mutating the loaded copy must not leak back into the store.
	loaded.Messages[0].Content = "tampered"
	again, _ := m.Load(ctx, key)
	if again.Messages[0].Content != "hello" {
		t.Error("store shares mutable state with callers")
	}

	keys, err := m.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Errorf("Keys = %v, err = %v", keys, err)
	}
}

func TestMemoryEventUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := m.UpsertEvent(ctx, Event{
		EventID:    "ev-1",
		SessionKey: "telegram:1:1",
		Status:     EventPending,
		StartedAt:  started,
	}); err != nil {
		t.Fatal(err)
	}

	completed := started.Add(2 * time.Second)
	if err := m.UpsertEvent(ctx, Event{
		EventID:     "ev-1",
		SessionKey:  "telegram:1:1",
		Status:      EventSuccess,
		CompletedAt: &completed,
		DurationMs:  2000,
		Response:    "done",
	}); err != nil {
		t.Fatal(err)
	}

	ev, ok := m.Event("ev-1")
	if !ok {
		t.Fatal("event missing")
	}
	if ev.Status != EventSuccess {
		t.Errorf("status = %q", ev.Status)
	}
	if !ev.StartedAt.Equal(started) {
		t.Error("upsert dropped StartedAt from the first write")
	}
	if ev.DurationMs != 2000 || ev.Response != "done" {
		t.Errorf("event = %+v", ev)
	}
}

func TestMemoryChatHistoryLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, role := range []string{"user", "assistant", "user", "assistant"} {
		if err := m.AppendChatMessage(ctx, ChatRecord{
			SessionKey: "k", Role: role, Content: role,
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := m.ChatHistory(ctx, "k", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("msgs = %+v, want last two oldest-first", msgs)
	}
}
