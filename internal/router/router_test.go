package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/chatrelay/internal/session"
)

func testKey(t *testing.T) session.Key {
	t.Helper()
	return session.Key{Platform: "telegram", UserID: "u1", ChatID: "c1"}
}

func TestRouteSimpleQueryNotHandled(t *testing.T) {
	r := New(NewRegistry(), NewClassifier(nil, ""))

	res := r.Route(context.Background(), Request{Query: "hello", SessionKey: testKey(t)})
	if res.Handled {
		t.Error("simple query should stay with the caller's chat loop")
	}
	if res.RoutedTo != TargetSimple {
		t.Errorf("RoutedTo = %s", res.RoutedTo)
	}
}

func TestRouteMissingWorkerFallsBack(t *testing.T) {
	r := New(NewRegistry(), NewClassifier(nil, ""))

	res := r.Route(context.Background(), Request{
		Query:      "please research the history of undersea cables in detail",
		SessionKey: testKey(t),
	})
	if res.Handled {
		t.Error("missing worker must not claim the query")
	}
	if !errors.Is(res.Err, ErrWorkerUnavailable) {
		t.Errorf("Err = %v, want ErrWorkerUnavailable", res.Err)
	}
	if res.RoutedTo != TargetResearch {
		t.Errorf("RoutedTo = %s", res.RoutedTo)
	}
}

func TestRouteSyncWorker(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TargetCode, &fakeWorker{
		name: "code",
		fn: func(input WorkerInput) (WorkerOutput, error) {
			if input.ExecutionID == "" {
				t.Error("worker input missing execution id")
			}
			return WorkerOutput{Content: "patched", AgentName: "code"}, nil
		},
	})
	r := New(reg, NewClassifier(nil, ""))

	res := r.Route(context.Background(), Request{
		Query:      "can you debug this function? it returns the wrong error",
		SessionKey: testKey(t),
	})
	if !res.Handled || !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Content != "patched" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Delegated {
		t.Error("sync route must not be delegated")
	}
}

func TestRouteSyncWorkerFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(TargetCode, &fakeWorker{
		name: "code",
		fn: func(WorkerInput) (WorkerOutput, error) {
			return WorkerOutput{}, errors.New("upstream 500")
		},
	})
	r := New(reg, NewClassifier(nil, ""))

	res := r.Route(context.Background(), Request{
		Query:      "can you debug this function? it returns the wrong error",
		SessionKey: testKey(t),
	})
	if !res.Handled || res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "upstream 500") {
		t.Errorf("Err = %v", res.Err)
	}
}

type delegatingWorker struct {
	fakeWorker
	target ResponseTarget
}

func (w *delegatingWorker) ScheduleExecution(_ context.Context, input WorkerInput, target ResponseTarget) (ScheduleReceipt, error) {
	w.target = target
	return ScheduleReceipt{Scheduled: true, ExecutionID: input.ExecutionID}, nil
}

func TestRouteAsyncTargetDelegates(t *testing.T) {
	reg := NewRegistry()
	w := &delegatingWorker{fakeWorker: fakeWorker{name: "orchestrator"}}
	reg.Register(TargetOrchestrator, w)
	r := New(reg, NewClassifier(nil, ""))

	res := r.Route(context.Background(), Request{
		Query:      "first research the options, then after that write code to compare them",
		SessionKey: testKey(t),
		EventID:    "evt-1",
		Target:     ResponseTarget{Platform: "telegram", ChatID: "c1"},
	})
	if !res.Handled || !res.Success || !res.Delegated {
		t.Fatalf("result = %+v", res)
	}
	if res.ExecutionID == "" {
		t.Error("delegated route missing execution id")
	}
	if res.Content != "" {
		t.Error("delegated route must not carry content")
	}
	if w.target.EventID != "evt-1" || w.target.SessionKey != testKey(t).String() {
		t.Errorf("response target = %+v", w.target)
	}
}
