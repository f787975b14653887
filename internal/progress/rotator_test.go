package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/clock"
)

func TestRotatorHeartbeatBeforeEdit(t *testing.T) {
	clk := clock.NewFake()

	var mu sync.Mutex
	var order []string

	r := NewRotator(clk, 5*time.Second, nil,
		func(now time.Time) {
			mu.Lock()
			order = append(order, "beat")
			mu.Unlock()
		},
		nil,
		func(ctx context.Context, text string) error {
			mu.Lock()
			order = append(order, "edit")
			mu.Unlock()
			return nil
		},
	)

	r.Start(context.Background())
	clk.Advance(5 * time.Second)
	r.Stop()
	r.WaitForPending()

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "beat" || order[1] != "edit" {
		t.Errorf("order = %v, want heartbeat before edit", order)
	}
}

func TestRotatorHeartbeatSurvivesEditFailure(t *testing.T) {
	clk := clock.NewFake()

	var mu sync.Mutex
	beats := 0

	r := NewRotator(clk, 5*time.Second, nil,
		func(now time.Time) {
			mu.Lock()
			beats++
			mu.Unlock()
		},
		nil,
		func(ctx context.Context, text string) error {
			return errors.New("message was deleted")
		},
	)

	r.Start(context.Background())
	clk.Advance(15 * time.Second)
	r.Stop()
	r.WaitForPending()

	mu.Lock()
	defer mu.Unlock()
	if beats != 3 {
		t.Errorf("beats = %d, want 3 despite failing edits", beats)
	}
}

func TestRotatorCyclesPhrases(t *testing.T) {
	clk := clock.NewFake()
	phrases := []string{"one", "two"}

	var mu sync.Mutex
	var shown []string

	r := NewRotator(clk, time.Second, phrases,
		func(time.Time) {},
		nil,
		func(ctx context.Context, text string) error {
			mu.Lock()
			shown = append(shown, text)
			mu.Unlock()
			return nil
		},
	)

	if r.Current() != "one" {
		t.Errorf("Current = %q, want first phrase", r.Current())
	}

	r.Start(context.Background())
	clk.Advance(3 * time.Second)
	r.Stop()
	r.WaitForPending()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"two", "one", "two"}
	if len(shown) != len(want) {
		t.Fatalf("shown = %v, want %v", shown, want)
	}
	for i := range want {
		if shown[i] != want[i] {
			t.Errorf("shown[%d] = %q, want %q", i, shown[i], want[i])
		}
	}
}

func TestRotatorStopPreventsFurtherTicks(t *testing.T) {
	clk := clock.NewFake()

	var mu sync.Mutex
	beats := 0

	r := NewRotator(clk, time.Second, nil,
		func(time.Time) {
			mu.Lock()
			beats++
			mu.Unlock()
		}, nil, nil)

	r.Start(context.Background())
	clk.Advance(time.Second)
	r.Stop()
	clk.Advance(10 * time.Second)
	r.WaitForPending()

	mu.Lock()
	defer mu.Unlock()
	if beats != 1 {
		t.Errorf("beats = %d, want 1 after Stop", beats)
	}
}
