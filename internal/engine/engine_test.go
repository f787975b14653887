package engine_test

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/clock"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/engine"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/session"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/tools"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// fakeAdapter records outbound traffic for one platform.
type fakeAdapter struct {
	mu       sync.Mutex
	platform string
	sends    []string
	edits    []string
	nextID   int
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Send(_ context.Context, reply session.ReplyContext, text string) (session.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, text)
	return session.MessageRef{ChatID: reply.ChatID, MessageID: strconv.Itoa(f.nextID)}, nil
}

func (f *fakeAdapter) Edit(_ context.Context, _ session.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) Typing(context.Context, string) error { return nil }

func (f *fakeAdapter) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// scriptedLLM answers via fn and records every request with its time.
// ctxFn takes precedence over fn when a script needs the call context.
type scriptedLLM struct {
	mu       sync.Mutex
	clk      *clock.Fake
	fn       func(req providers.ChatRequest) (*providers.ChatResponse, error)
	ctxFn    func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	requests []providers.ChatRequest
	callTime []time.Time
}

func (p *scriptedLLM) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	if p.clk != nil {
		p.callTime = append(p.callTime, p.clk.Now())
	}
	ctxFn, fn := p.ctxFn, p.fn
	p.mu.Unlock()
	if ctxFn != nil {
		return ctxFn(ctx, req)
	}
	if fn != nil {
		return fn(req)
	}
	return &providers.ChatResponse{Content: "ok", FinishReason: "stop", Model: "scripted-1"}, nil
}

func (p *scriptedLLM) DefaultModel() string { return "scripted-1" }
func (p *scriptedLLM) Name() string         { return "scripted" }

func (p *scriptedLLM) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedLLM) lastUserText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ""
	}
	msgs := p.requests[len(p.requests)-1].Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

type harness struct {
	clk     *clock.Fake
	cfg     *config.Config
	mem     *store.Memory
	adapter *fakeAdapter
	llm     *scriptedLLM
	eng     *engine.Engine
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()

	h := &harness{
		clk:     clock.NewFake(),
		cfg:     config.Default(),
		mem:     store.NewMemory(),
		adapter: &fakeAdapter{platform: "telegram"},
	}
	h.llm = &scriptedLLM{clk: h.clk}

	tm := transport.NewManager(0, 0) // rate limiting off: it waits on wall time
	tm.Register(h.adapter)

	all := append([]engine.Option{
		engine.WithClock(h.clk),
		engine.WithEventSink(h.mem),
	}, opts...)
	h.eng = engine.New(h.cfg, h.mem, h.llm, tools.NewRegistry(), tm, all...)
	t.Cleanup(h.eng.Shutdown)
	return h
}

func (h *harness) key() session.Key {
	return session.Key{Platform: "telegram", UserID: "u1", ChatID: "c1"}
}

func (h *harness) input(text, requestID string) transport.ParsedInput {
	return transport.ParsedInput{
		Platform:  "telegram",
		Text:      text,
		UserID:    "u1",
		ChatID:    "c1",
		RequestID: requestID,
		Reply:     session.ReplyContext{Platform: "telegram", ChatID: "c1"},
	}
}

func (h *harness) state(t *testing.T) *session.State {
	t.Helper()
	st, err := h.mem.Load(context.Background(), h.key())
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	return st
}

func TestSimpleTurn(t *testing.T) {
	h := newHarness(t)
	h.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "Hi there!", FinishReason: "stop", Model: "scripted-1"}, nil
	}

	queued, err := h.eng.ReceiveMessage(context.Background(), h.input("hello", "r1"))
	if err != nil || !queued {
		t.Fatalf("ReceiveMessage = %v, %v", queued, err)
	}

	h.clk.Advance(500 * time.Millisecond)

	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, want 1", h.llm.calls())
	}
	if got := h.adapter.lastEdit(); got != "Hi there!" {
		t.Errorf("final edit = %q", got)
	}
	if h.adapter.sendCount() != 1 {
		t.Errorf("sends = %d, want 1 thinking message", h.adapter.sendCount())
	}

	st := h.state(t)
	if st.ActiveBatch != nil {
		t.Errorf("active batch not cleared: %+v", st.ActiveBatch)
	}
	if len(st.Messages) != 2 || st.Messages[0].Content != "hello" || st.Messages[1].Content != "Hi there!" {
		t.Errorf("history = %+v", st.Messages)
	}
}

func TestBurstCoalescesIntoOneBatch(t *testing.T) {
	h := newHarness(t)

	for i, text := range []string{"a", "b", "c"} {
		queued, err := h.eng.ReceiveMessage(context.Background(), h.input(text, fmt.Sprintf("r%d", i)))
		if err != nil || !queued {
			t.Fatalf("message %d: queued=%v err=%v", i, queued, err)
		}
	}

	h.clk.Advance(500 * time.Millisecond)

	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, want one coalesced turn", h.llm.calls())
	}
	if got := h.llm.lastUserText(); got != "a\nb\nc" {
		t.Errorf("combined text = %q, want %q", got, "a\nb\nc")
	}
}

func TestSteadyStreamStillFiresBatches(t *testing.T) {
	h := newHarness(t)
	start := h.clk.Now()

	// Messages arriving faster than the coalesce window must not push
	// the window ahead of themselves forever: the alarm belongs to the
	// first message of the batch.
	for i := 0; i < 20; i++ {
		queued, err := h.eng.ReceiveMessage(context.Background(), h.input(fmt.Sprintf("m%d", i), fmt.Sprintf("r%d", i)))
		if err != nil || !queued {
			t.Fatalf("message %d: queued=%v err=%v", i, queued, err)
		}
		h.clk.Advance(400 * time.Millisecond)
	}

	if h.llm.calls() == 0 {
		t.Fatal("no batch ever fired under a steady message stream")
	}
	if got := h.llm.callTime[0].Sub(start); got != 500*time.Millisecond {
		t.Errorf("first batch at +%v, want the first message's +500ms window", got)
	}
	// Two messages land inside each window, so 20 messages make 10 turns.
	if h.llm.calls() != 10 {
		t.Errorf("llm calls = %d, want 10", h.llm.calls())
	}
	if got := h.llm.requests[0].Messages[len(h.llm.requests[0].Messages)-1].Content; got != "m0\nm1" {
		t.Errorf("first batch = %q, want %q", got, "m0\nm1")
	}
}

func TestDuplicateRequestIgnored(t *testing.T) {
	h := newHarness(t)

	queued, err := h.eng.ReceiveMessage(context.Background(), h.input("hi", "same"))
	if err != nil || !queued {
		t.Fatalf("first: queued=%v err=%v", queued, err)
	}
	queued, err = h.eng.ReceiveMessage(context.Background(), h.input("hi", "same"))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if queued {
		t.Error("duplicate request must not queue")
	}

	h.clk.Advance(500 * time.Millisecond)
	if got := h.llm.lastUserText(); got != "hi" {
		t.Errorf("combined text = %q, want single %q", got, "hi")
	}
}

func TestDuplicateIgnoredAfterCompletion(t *testing.T) {
	h := newHarness(t)

	h.eng.ReceiveMessage(context.Background(), h.input("hi", "replay"))
	h.clk.Advance(500 * time.Millisecond)
	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d", h.llm.calls())
	}

	queued, err := h.eng.ReceiveMessage(context.Background(), h.input("hi", "replay"))
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Error("redelivery after completion must not queue")
	}
}

func TestStuckBatchReclaimedOnIngress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A processing batch whose heartbeat went silent.
	st := session.NewState(h.key(), h.clk.Now())
	st.ActiveBatch = session.NewBatch()
	st.ActiveBatch.Append(session.PendingMessage{
		Text:      "orphaned question",
		Timestamp: h.clk.Now(),
		RequestID: "orphan-req",
		EventID:   "orphan-evt",
		UserID:    "u1",
		ChatID:    "c1",
	}, h.clk.Now())
	st.ActiveBatch.Status = session.BatchProcessing
	st.ActiveBatch.LastHeartbeat = h.clk.Now()
	if err := h.mem.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	h.clk.Advance(31 * time.Second) // past the 30s heartbeat timeout

	queued, err := h.eng.ReceiveMessage(ctx, h.input("are you there?", "r-new"))
	if err != nil || !queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}

	h.clk.Advance(500 * time.Millisecond)

	// Only the new message was processed; the orphan was dropped.
	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d", h.llm.calls())
	}
	if got := h.llm.lastUserText(); got != "are you there?" {
		t.Errorf("processed text = %q", got)
	}

	ev, ok := h.mem.Event("orphan-evt")
	if !ok || ev.Status != store.EventError {
		t.Errorf("orphan event = %+v, ok=%v, want error status", ev, ok)
	}

	final := h.state(t)
	for _, m := range final.Messages {
		if strings.Contains(m.Content, "orphaned question") {
			t.Error("orphaned message leaked into history")
		}
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	h := newHarness(t)
	start := h.clk.Now()

	attempt := 0
	h.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		attempt++
		if attempt <= 2 {
			return nil, fmt.Errorf("gateway 503: %w", providers.ErrUnavailable)
		}
		return &providers.ChatResponse{Content: "recovered", FinishReason: "stop"}, nil
	}

	h.eng.ReceiveMessage(context.Background(), h.input("flaky", "r1"))

	h.clk.Advance(500 * time.Millisecond) // attempt 1 fails, retry in 1s
	h.clk.Advance(time.Second)            // attempt 2 fails, retry in 2s
	h.clk.Advance(2 * time.Second)        // attempt 3 succeeds

	if h.llm.calls() != 3 {
		t.Fatalf("llm calls = %d, want 3", h.llm.calls())
	}
	wantAt := []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3500 * time.Millisecond}
	for i, at := range h.llm.callTime {
		if got := at.Sub(start); got != wantAt[i] {
			t.Errorf("attempt %d at +%v, want +%v", i+1, got, wantAt[i])
		}
	}

	if got := h.adapter.lastEdit(); got != "recovered" {
		t.Errorf("final edit = %q", got)
	}
	st := h.state(t)
	if st.ActiveBatch != nil {
		t.Errorf("batch not cleared after recovery: %+v", st.ActiveBatch)
	}
	if len(st.Messages) != 2 {
		t.Errorf("history = %d messages, want 2", len(st.Messages))
	}
}

func TestRetriesExhaustedNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, fmt.Errorf("still down: %w", providers.ErrUnavailable)
	}

	h.eng.ReceiveMessage(context.Background(), h.input("doomed", "r1"))

	h.clk.Advance(500 * time.Millisecond) // attempt 1
	h.clk.Advance(time.Second)            // attempt 2
	h.clk.Advance(2 * time.Second)        // attempt 3
	h.clk.Advance(4 * time.Second)        // attempt 4 (last)

	if h.llm.calls() != 4 {
		t.Fatalf("llm calls = %d, want initial + 3 retries", h.llm.calls())
	}
	if got := h.adapter.lastEdit(); !strings.Contains(got, "something went wrong") {
		t.Errorf("failure notice = %q", got)
	}

	st := h.state(t)
	if st.ActiveBatch != nil {
		t.Error("failed batch must be cleared")
	}
	if len(st.Messages) != 0 {
		t.Errorf("failed turn must not enter history: %+v", st.Messages)
	}

	// Redelivery of the failed request stays consumed.
	queued, err := h.eng.ReceiveMessage(context.Background(), h.input("doomed", "r1"))
	if err != nil || queued {
		t.Errorf("redelivery queued=%v err=%v", queued, err)
	}
}

func TestPermanentErrorSkipsRetry(t *testing.T) {
	h := newHarness(t)
	h.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, fmt.Errorf("model refused: %w", providers.ErrBadResponse)
	}

	h.eng.ReceiveMessage(context.Background(), h.input("bad", "r1"))
	h.clk.Advance(500 * time.Millisecond)
	h.clk.Advance(time.Minute)

	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, permanent failures must not retry", h.llm.calls())
	}
	if got := h.adapter.lastEdit(); !strings.Contains(got, "something went wrong") {
		t.Errorf("failure notice = %q", got)
	}
}

func TestHardCeilingAbandonsHangingExecution(t *testing.T) {
	h := newHarness(t)
	// The ceiling bounds the provider call on wall time, so the test
	// needs a real one, not a fake-clock advance.
	h.cfg.Engine.HardCeiling = config.Duration(50 * time.Millisecond)

	h.llm.ctxFn = func(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
		// A wedged provider: never answers, only honours cancellation.
		<-ctx.Done()
		return nil, ctx.Err()
	}

	h.eng.ReceiveMessage(context.Background(), h.input("hang forever", "r1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clk.Advance(500 * time.Millisecond)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never abandoned the hanging provider call")
	}

	st := h.state(t)
	if st.ActiveBatch == nil || st.ActiveBatch.Status != session.BatchRetrying {
		t.Fatalf("batch = %+v, want retrying after the ceiling", st.ActiveBatch)
	}
	if st.ActiveBatch.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", st.ActiveBatch.RetryCount)
	}
	if len(st.ActiveBatch.RetryErrors) == 0 || !strings.Contains(st.ActiveBatch.RetryErrors[0].Message, "abandoned") {
		t.Errorf("retry errors = %+v, want the abandonment recorded", st.ActiveBatch.RetryErrors)
	}
}

func TestMessagesDuringProcessingLandInPendingBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release := make(chan struct{})
	h.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		// Block the active turn until the second message is queued.
		<-release
		return &providers.ChatResponse{Content: "first answer", FinishReason: "stop"}, nil
	}

	h.eng.ReceiveMessage(ctx, h.input("first", "r1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clk.Advance(500 * time.Millisecond)
	}()

	// Wait until the first turn is inside the LLM call.
	for i := 0; h.llm.calls() == 0 && i < 1000; i++ {
		time.Sleep(time.Millisecond)
	}

	queued, err := h.eng.ReceiveMessage(ctx, h.input("second", "r2"))
	if err != nil || !queued {
		t.Fatalf("second message: queued=%v err=%v", queued, err)
	}
	st := h.state(t)
	if st.PendingBatch == nil || len(st.PendingBatch.PendingMessages) != 1 {
		t.Fatalf("second message must land in the pending batch: %+v", st.PendingBatch)
	}
	if st.ActiveBatch == nil || len(st.ActiveBatch.PendingMessages) != 1 {
		t.Fatalf("active batch disturbed: %+v", st.ActiveBatch)
	}

	h.llm.fn = nil
	close(release)
	<-done

	// The completed turn chains the pending batch via a zero-delay alarm.
	h.clk.Advance(0)
	if h.llm.calls() != 2 {
		t.Fatalf("llm calls = %d, want chained second turn", h.llm.calls())
	}
	if got := h.llm.lastUserText(); got != "second" {
		t.Errorf("chained turn text = %q", got)
	}
}

func TestHundredMessageBurst(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 100; i++ {
		h.eng.ReceiveMessage(context.Background(), h.input(fmt.Sprintf("line %d", i), fmt.Sprintf("r%d", i)))
	}
	h.clk.Advance(500 * time.Millisecond)

	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, want one batch", h.llm.calls())
	}
	lines := strings.Split(h.llm.lastUserText(), "\n")
	if len(lines) != 100 || lines[0] != "line 0" || lines[99] != "line 99" {
		t.Errorf("combined = %d lines, first %q last %q", len(lines), lines[0], lines[len(lines)-1])
	}
}

func TestHistoryBoundHolds(t *testing.T) {
	h := newHarness(t)
	h.cfg.Engine.MaxHistory = 6

	for i := 0; i < 5; i++ {
		h.eng.ReceiveMessage(context.Background(), h.input(fmt.Sprintf("turn %d", i), fmt.Sprintf("r%d", i)))
		h.clk.Advance(500 * time.Millisecond)
	}

	st := h.state(t)
	if len(st.Messages) != 6 {
		t.Errorf("history = %d, want bound 6", len(st.Messages))
	}
	if st.Messages[0].Content != "turn 2" {
		t.Errorf("oldest surviving = %q, want oldest trimmed first", st.Messages[0].Content)
	}
}

func TestHeartbeatPersistsDuringDelegation(t *testing.T) {
	h, worker := newDelegationHarness(t)
	ctx := context.Background()

	h.eng.ReceiveMessage(ctx, h.input(delegateQuery, "r1"))
	h.clk.Advance(500 * time.Millisecond)

	st := h.state(t)
	if st.ActiveBatch == nil || st.ActiveBatch.Status != session.BatchDelegated {
		t.Fatalf("batch = %+v, want delegated", st.ActiveBatch)
	}
	beatBefore := st.ActiveBatch.LastHeartbeat

	h.clk.Advance(5 * time.Second) // one rotator tick

	st = h.state(t)
	if !st.ActiveBatch.LastHeartbeat.After(beatBefore) {
		t.Error("heartbeat did not advance while delegated")
	}
	if worker.captured.ExecutionID == "" {
		t.Fatal("worker never received the dispatch")
	}
}

const delegateQuery = "first research the options, then after that write code to compare them"

type capturingWorker struct {
	mu       sync.Mutex
	captured router.ResponseTarget
	input    router.WorkerInput
}

func (w *capturingWorker) Name() string { return "orchestrator" }

func (w *capturingWorker) Execute(context.Context, router.WorkerInput) (router.WorkerOutput, error) {
	return router.WorkerOutput{}, fmt.Errorf("sync execute not expected")
}

func (w *capturingWorker) ScheduleExecution(_ context.Context, input router.WorkerInput, target router.ResponseTarget) (router.ScheduleReceipt, error) {
	w.mu.Lock()
	w.captured = target
	w.input = input
	w.mu.Unlock()
	return router.ScheduleReceipt{Scheduled: true, ExecutionID: input.ExecutionID}, nil
}

func newDelegationHarness(t *testing.T) (*harness, *capturingWorker) {
	t.Helper()
	worker := &capturingWorker{}
	reg := router.NewRegistry()
	reg.Register(router.TargetOrchestrator, worker)
	r := router.New(reg, router.NewClassifier(nil, ""))

	h := newHarness(t, engine.WithRouter(r))
	return h, worker
}

func TestDelegationLifecycle(t *testing.T) {
	h, worker := newDelegationHarness(t)
	ctx := context.Background()

	h.eng.ReceiveMessage(ctx, h.input(delegateQuery, "r1"))
	h.clk.Advance(500 * time.Millisecond)

	st := h.state(t)
	if st.ActiveBatch == nil || st.ActiveBatch.Status != session.BatchDelegated {
		t.Fatalf("batch = %+v, want delegated", st.ActiveBatch)
	}
	if len(st.ActiveWorkflows) != 1 {
		t.Fatalf("workflows = %+v", st.ActiveWorkflows)
	}

	// Messages arriving during delegation go to the pending batch.
	queued, err := h.eng.ReceiveMessage(ctx, h.input("meanwhile", "r2"))
	if err != nil || !queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}
	st = h.state(t)
	if st.PendingBatch == nil || len(st.PendingBatch.PendingMessages) != 1 {
		t.Fatalf("pending = %+v", st.PendingBatch)
	}

	// The worker finishes out of band.
	h.eng.CompleteDelegation(ctx, worker.captured, router.WorkerOutput{
		Content:   "long report",
		AgentName: "orchestrator",
	}, nil)

	st = h.state(t)
	if len(st.ActiveWorkflows) != 0 {
		t.Errorf("workflow not cleared: %+v", st.ActiveWorkflows)
	}
	hasReport := false
	for _, m := range st.Messages {
		if m.Content == "long report" {
			hasReport = true
		}
	}
	if !hasReport {
		t.Errorf("delegated reply missing from history: %+v", st.Messages)
	}
	if got := h.adapter.lastEdit(); !strings.Contains(got, "long report") {
		t.Errorf("final edit = %q", got)
	}

	// The pending batch chains.
	h.clk.Advance(0)
	if got := h.llm.lastUserText(); got != "meanwhile" {
		t.Errorf("chained turn = %q", got)
	}
}

func TestHelpCommandHandledDirectly(t *testing.T) {
	h := newHarness(t)

	queued, err := h.eng.ReceiveMessage(context.Background(), h.input("/help", "r1"))
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Error("/help must not queue")
	}
	if h.adapter.sendCount() != 1 || !strings.Contains(h.adapter.sends[0], "/clear") {
		t.Errorf("help reply = %v", h.adapter.sends)
	}
	if h.llm.calls() != 0 {
		t.Error("commands must not reach the llm")
	}
}

func TestUnknownCommandRewrittenAndQueued(t *testing.T) {
	h := newHarness(t)

	queued, err := h.eng.ReceiveMessage(context.Background(), h.input("/todo buy milk", "r1"))
	if err != nil || !queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}
	h.clk.Advance(500 * time.Millisecond)

	if got := h.llm.lastUserText(); got != "todo: buy milk" {
		t.Errorf("rewritten text = %q", got)
	}
}

func TestClearCommandSerialisesThroughQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.eng.ReceiveMessage(ctx, h.input("remember me", "r1"))
	h.clk.Advance(500 * time.Millisecond)
	if len(h.state(t).Messages) != 2 {
		t.Fatalf("setup turn failed")
	}

	queued, err := h.eng.ReceiveMessage(ctx, h.input("/clear", "r2"))
	if err != nil || !queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}
	h.clk.Advance(500 * time.Millisecond)

	st := h.state(t)
	if len(st.Messages) != 0 {
		t.Errorf("history not cleared: %+v", st.Messages)
	}
	found := false
	h.adapter.mu.Lock()
	for _, s := range h.adapter.sends {
		if strings.Contains(s, "History cleared") {
			found = true
		}
	}
	h.adapter.mu.Unlock()
	if !found {
		t.Errorf("no clear confirmation in %v", h.adapter.sends)
	}
	if h.llm.calls() != 1 {
		t.Errorf("llm calls = %d, /clear must not call the llm", h.llm.calls())
	}
}

func TestClearLedBurstDiscardsTrailingMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.eng.ReceiveMessage(ctx, h.input("remember me", "r1"))
	h.clk.Advance(500 * time.Millisecond)
	if h.llm.calls() != 1 {
		t.Fatalf("setup turn failed")
	}

	// A burst starting with /clear coalesces into one batch. The whole
	// batch is the clear: "hello again" must never reach the LLM as
	// part of a combined "/clear\nhello again" turn.
	h.eng.ReceiveMessage(ctx, h.input("/clear", "r2"))
	h.eng.ReceiveMessage(ctx, h.input("hello again", "r3"))
	h.clk.Advance(500 * time.Millisecond)

	if h.llm.calls() != 1 {
		t.Errorf("llm calls = %d, the clear-led batch must not reach the llm", h.llm.calls())
	}
	st := h.state(t)
	if len(st.Messages) != 0 {
		t.Errorf("history not cleared: %+v", st.Messages)
	}
	if st.ActiveBatch != nil || st.PendingBatch != nil {
		t.Errorf("batches survived the clear: active=%+v pending=%+v", st.ActiveBatch, st.PendingBatch)
	}

	found := false
	h.adapter.mu.Lock()
	for _, s := range h.adapter.sends {
		if strings.Contains(s, "History cleared") {
			found = true
		}
	}
	h.adapter.mu.Unlock()
	if !found {
		t.Errorf("no clear confirmation in %v", h.adapter.sends)
	}

	// The discarded message's request ID is consumed with the batch.
	queued, err := h.eng.ReceiveMessage(ctx, h.input("hello again", "r3"))
	if err != nil || queued {
		t.Errorf("redelivery of a discarded message queued=%v err=%v", queued, err)
	}
}

func TestClearDropsPendingBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A /clear waiting as the active batch with messages queued behind
	// it, as after a crash mid-turn. The clear drops them; the user
	// asked for a fresh start, not a replay.
	st := session.NewState(h.key(), h.clk.Now())
	st.ActiveBatch = session.NewBatch()
	st.ActiveBatch.Append(session.PendingMessage{
		Text: "/clear", Timestamp: h.clk.Now(), RequestID: "r-clear", EventID: "e-clear", UserID: "u1", ChatID: "c1",
	}, h.clk.Now())
	st.PendingBatch = session.NewBatch()
	st.PendingBatch.Append(session.PendingMessage{
		Text: "leftover", Timestamp: h.clk.Now(), RequestID: "r-left", EventID: "e-left", UserID: "u1", ChatID: "c1",
	}, h.clk.Now())
	if err := h.mem.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	if err := h.eng.ProcessBatch(ctx, h.key()); err != nil {
		t.Fatal(err)
	}

	final := h.state(t)
	if final.ActiveBatch != nil || final.PendingBatch != nil {
		t.Errorf("batches survived: active=%+v pending=%+v", final.ActiveBatch, final.PendingBatch)
	}
	if h.llm.calls() != 0 {
		t.Errorf("llm calls = %d, nothing behind a /clear may run", h.llm.calls())
	}
	ev, ok := h.mem.Event("e-left")
	if !ok || ev.Status != store.EventError || !strings.Contains(ev.Error, "dropped by /clear") {
		t.Errorf("dropped message event = %+v, ok=%v", ev, ok)
	}

	queued, err := h.eng.ReceiveMessage(ctx, h.input("leftover", "r-left"))
	if err != nil || queued {
		t.Errorf("redelivery of a dropped message queued=%v err=%v", queued, err)
	}
}

func TestRecoverClearsDelegatedBatchWithLiveHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A delegated batch whose heartbeat is fresh is not stuck by the
	// sweeper's definition. /recover must unwedge it anyway.
	st := session.NewState(h.key(), h.clk.Now())
	st.Messages = []providers.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	st.ActiveBatch = session.NewBatch()
	st.ActiveBatch.Append(session.PendingMessage{
		Text: "stuck work", Timestamp: h.clk.Now(), RequestID: "r-d", EventID: "e-d", UserID: "u1", ChatID: "c1",
	}, h.clk.Now())
	st.ActiveBatch.Status = session.BatchDelegated
	st.ActiveBatch.LastHeartbeat = h.clk.Now()
	st.PendingBatch = session.NewBatch()
	st.PendingBatch.Append(session.PendingMessage{
		Text: "waiting", Timestamp: h.clk.Now(), RequestID: "r-w", EventID: "e-w", UserID: "u1", ChatID: "c1",
	}, h.clk.Now())
	if err := h.mem.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	queued, err := h.eng.ReceiveMessage(ctx, h.input("/recover", "r-rec"))
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Error("/recover must not queue")
	}

	final := h.state(t)
	if final.ActiveBatch != nil || final.PendingBatch != nil {
		t.Errorf("batches survived recover: active=%+v pending=%+v", final.ActiveBatch, final.PendingBatch)
	}
	if len(final.Messages) != 2 {
		t.Errorf("history = %+v, /recover must keep it", final.Messages)
	}

	found := false
	h.adapter.mu.Lock()
	for _, s := range h.adapter.sends {
		if strings.Contains(s, "Cleared 2 queued message(s)") {
			found = true
		}
	}
	h.adapter.mu.Unlock()
	if !found {
		t.Errorf("no recover confirmation in %v", h.adapter.sends)
	}

	ev, ok := h.mem.Event("e-d")
	if !ok || ev.Status != store.EventError || !strings.Contains(ev.Error, "cleared by /recover") {
		t.Errorf("delegated message event = %+v, ok=%v", ev, ok)
	}
}

func TestToolLoopFeedsResultsBack(t *testing.T) {
	h := newHarness(t)

	reg := tools.NewRegistry()
	reg.Register(stubTool{name: "current_time", reply: "2025-06-01T12:00:00Z"})
	tm := transport.NewManager(0, 0)
	tm.Register(h.adapter)
	h.eng = engine.New(h.cfg, h.mem, h.llm, reg, tm,
		engine.WithClock(h.clk), engine.WithEventSink(h.mem))
	t.Cleanup(h.eng.Shutdown)

	h.llm.fn = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		for _, m := range req.Messages {
			if m.Role == "tool" {
				return &providers.ChatResponse{
					Content:      "It is noon UTC: " + m.Content,
					FinishReason: "stop",
				}, nil
			}
		}
		return &providers.ChatResponse{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "current_time", Arguments: map[string]interface{}{}}},
		}, nil
	}

	h.eng.ReceiveMessage(context.Background(), h.input("what time is it", "r1"))
	h.clk.Advance(500 * time.Millisecond)

	if h.llm.calls() != 2 {
		t.Fatalf("llm calls = %d, want request + followup", h.llm.calls())
	}
	if got := h.adapter.lastEdit(); !strings.Contains(got, "2025-06-01T12:00:00Z") {
		t.Errorf("final = %q, tool result missing", got)
	}
}

type stubTool struct {
	name  string
	reply string
}

func (s stubTool) Name() string                           { return s.name }
func (s stubTool) Description() string                    { return "stub" }
func (s stubTool) Parameters() map[string]interface{}     { return map[string]interface{}{"type": "object"} }
func (s stubTool) Execute(context.Context, map[string]interface{}) *tools.Result {
	return tools.NewResult(s.reply)
}

func TestHandleSync(t *testing.T) {
	h := newHarness(t)
	h.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "sync answer", FinishReason: "stop"}, nil
	}

	out, err := h.eng.HandleSync(context.Background(), h.input("quick question", "sync-1"))
	if err != nil {
		t.Fatal(err)
	}
	if out != "sync answer" {
		t.Errorf("HandleSync = %q", out)
	}
	st := h.state(t)
	if len(st.Messages) != 2 {
		t.Errorf("history = %+v", st.Messages)
	}

	if _, err := h.eng.HandleSync(context.Background(), h.input("quick question", "sync-1")); err == nil {
		t.Error("duplicate sync request must fail")
	}
}

func TestSweepRearmsLostAlarm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A collecting batch with no armed alarm, as after a restart.
	st := session.NewState(h.key(), h.clk.Now())
	st.ActiveBatch = session.NewBatch()
	st.ActiveBatch.Append(session.PendingMessage{
		Text: "lost", Timestamp: h.clk.Now(), RequestID: "r1", UserID: "u1", ChatID: "c1",
	}, h.clk.Now())
	if err := h.mem.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	h.eng.Sweep(ctx)
	h.clk.Advance(0)

	if h.llm.calls() != 1 {
		t.Fatalf("llm calls = %d, sweep must re-arm the lost batch", h.llm.calls())
	}
	if got := h.llm.lastUserText(); got != "lost" {
		t.Errorf("processed = %q", got)
	}
}

func TestBatchStateSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.eng.ReceiveMessage(ctx, h.input("hello", "r1"))

	snap, err := h.eng.BatchState(ctx, h.key())
	if err != nil {
		t.Fatal(err)
	}
	if snap.ActiveStatus != session.BatchCollecting || snap.ActiveMessages != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if !snap.AlarmArmed {
		t.Error("alarm should be armed while collecting")
	}
}
