package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/engine"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

type fakeCore struct {
	received []transport.ParsedInput
	syncText string
	metadata map[string]string
	cleared  []session.Key
	failWith error
}

func (f *fakeCore) ReceiveMessage(_ context.Context, input transport.ParsedInput) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	f.received = append(f.received, input)
	return true, nil
}

func (f *fakeCore) HandleSync(_ context.Context, input transport.ParsedInput) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.received = append(f.received, input)
	return f.syncText, nil
}

func (f *fakeCore) BatchState(_ context.Context, key session.Key) (engine.BatchSnapshot, error) {
	return engine.BatchSnapshot{SessionKey: key.String(), ActiveStatus: session.BatchIdle}, nil
}

func (f *fakeCore) Metadata(context.Context, session.Key) (map[string]string, error) {
	return f.metadata, nil
}

func (f *fakeCore) SetMetadata(_ context.Context, _ session.Key, name, value string) error {
	if f.metadata == nil {
		f.metadata = map[string]string{}
	}
	f.metadata[name] = value
	return nil
}

func (f *fakeCore) ClearHistory(_ context.Context, key session.Key) error {
	f.cleared = append(f.cleared, key)
	return nil
}

func (f *fakeCore) ReceiveCallback(context.Context, transport.ParsedInput, string) error {
	return nil
}

func (f *fakeCore) DebugReport(context.Context, session.Key) string { return "session: test" }

func newTestServer(t *testing.T, token string) (*Server, *fakeCore) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = token
	core := &fakeCore{syncText: "pong"}
	return NewServer(cfg, core, "test"), core
}

func postJSON(t *testing.T, mux http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, "sekrit")
	mux := s.BuildMux()

	rec := postJSON(t, mux, protocol.RouteMessage, "", protocol.MessageRequest{})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	rec = postJSON(t, mux, protocol.RouteMessage, "wrong", protocol.MessageRequest{})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	// Health stays open.
	req := httptest.NewRequest(http.MethodGet, protocol.RouteHealth, nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec2.Code)
	}
}

func TestMessageEnqueued(t *testing.T) {
	s, core := newTestServer(t, "sekrit")
	mux := s.BuildMux()

	rec := postJSON(t, mux, protocol.RouteMessage, "sekrit", protocol.MessageRequest{
		Text: "hello", UserID: "u1", ChatID: "c1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp protocol.MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Queued || resp.EventID == "" {
		t.Errorf("resp = %+v", resp)
	}
	if len(core.received) != 1 || core.received[0].Platform != "rest" {
		t.Errorf("received = %+v", core.received)
	}
	if core.received[0].Meta.REST == nil {
		t.Error("REST metadata missing")
	}
}

func TestValidationMapsTo400(t *testing.T) {
	s, core := newTestServer(t, "sekrit")
	core.failWith = fmt.Errorf("empty message text: %w", engine.ErrValidation)
	mux := s.BuildMux()

	rec := postJSON(t, mux, protocol.RouteMessage, "sekrit", protocol.MessageRequest{
		UserID: "u1", ChatID: "c1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSyncTurn(t *testing.T) {
	s, _ := newTestServer(t, "sekrit")
	mux := s.BuildMux()

	rec := postJSON(t, mux, protocol.RouteSync, "sekrit", protocol.MessageRequest{
		Text: "ping", UserID: "u1", ChatID: "c1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp protocol.SyncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "pong" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestBatchStateRequiresIdentity(t *testing.T) {
	s, _ := newTestServer(t, "")
	mux := s.BuildMux()

	req := httptest.NewRequest(http.MethodGet, protocol.RouteBatch, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ids: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, protocol.RouteBatch+"?user_id=u1&chat_id=c1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap engine.BatchSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ActiveStatus != session.BatchIdle {
		t.Errorf("status = %q", snap.ActiveStatus)
	}
}

func TestClearHistory(t *testing.T) {
	s, core := newTestServer(t, "")
	mux := s.BuildMux()

	rec := postJSON(t, mux, protocol.RouteClear, "", protocol.MessageRequest{UserID: "u1", ChatID: "c1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(core.cleared) != 1 || core.cleared[0] != session.NewKey("rest", "u1", "c1") {
		t.Errorf("cleared = %+v", core.cleared)
	}
}

func TestRESTTransportBroadcasts(t *testing.T) {
	s, _ := newTestServer(t, "")
	tr := NewRESTTransport(s)

	ref, err := tr.Send(context.Background(), session.ReplyContext{Platform: "rest", ChatID: "c1"}, "hi")
	if err != nil || ref.IsZero() {
		t.Fatalf("ref = %+v, err = %v", ref, err)
	}
	ref2, _ := tr.Send(context.Background(), session.ReplyContext{Platform: "rest", ChatID: "c1"}, "again")
	if ref2.MessageID == ref.MessageID {
		t.Error("message IDs must be unique")
	}
	if err := tr.Edit(context.Background(), ref, "edited"); err != nil {
		t.Errorf("Edit: %v", err)
	}
}
