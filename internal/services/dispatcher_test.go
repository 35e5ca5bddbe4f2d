package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/push"
)

func testWindow() Window {
	return Window{
		Start: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_NoDueOwnersIsNoOp(t *testing.T) {
	store := newMemStore()
	sender := newFakeSender()
	d := NewDispatcher(sender, store, store, DefaultDispatcherConfig())

	result, err := d.Dispatch(context.Background(), nil, testWindow())
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if result.NotificationsSent {
		t.Error("no-op run must not report notifications sent")
	}
	if len(sender.batches) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestDispatcher_NoTokensIsNoOp(t *testing.T) {
	store := newMemStore()
	sender := newFakeSender()
	d := NewDispatcher(sender, store, store, DefaultDispatcherConfig())

	result, err := d.Dispatch(context.Background(), map[string]int{"owner-a": 2}, testWindow())
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if result.NotificationsSent || len(sender.batches) != 0 {
		t.Error("owners without tokens must be a silent no-op")
	}
}

func TestDispatcher_TitleDependsOnDueCount(t *testing.T) {
	w := testWindow()

	one := buildMessage("owner-a", "tok-1", 1, w)
	if one.Title != "1 Payment due" {
		t.Errorf("title = %q, want %q", one.Title, "1 Payment due")
	}
	many := buildMessage("owner-a", "tok-1", 3, w)
	if many.Title != "3 Payments due" {
		t.Errorf("title = %q, want %q", many.Title, "3 Payments due")
	}
	if many.Data["due_count"] != "3" {
		t.Errorf("data due_count = %q, want 3", many.Data["due_count"])
	}
}

func TestDispatcher_BatchPartitioning(t *testing.T) {
	store := newMemStore()
	store.tokens["owner-a"] = []string{"t1", "t2", "t3"}
	store.tokens["owner-b"] = []string{"t4", "t5"}
	sender := newFakeSender()
	d := NewDispatcher(sender, store, store, DispatcherConfig{BatchSize: 2, BatchConcurrency: 1})

	result, err := d.Dispatch(context.Background(), map[string]int{"owner-a": 1, "owner-b": 2}, testWindow())
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if len(sender.batches) != 3 {
		t.Fatalf("expected 3 batches of size <= 2, got %d", len(sender.batches))
	}
	if result.MessagesSent != 5 {
		t.Errorf("messages sent = %d, want 5", result.MessagesSent)
	}
	if result.OwnersNotified != 2 {
		t.Errorf("owners notified = %d, want 2", result.OwnersNotified)
	}
}

func TestDispatcher_BatchFailureIsIsolated(t *testing.T) {
	store := newMemStore()
	store.tokens["owner-a"] = []string{"t1", "t2"}
	store.tokens["owner-b"] = []string{"t3", "t4"}
	store.tokens["owner-c"] = []string{"t5", "t6"}
	seedSchedule(store, "owner-a", core.NewDate(2024, 3, 15), time.Time{})
	seedSchedule(store, "owner-b", core.NewDate(2024, 3, 15), time.Time{})
	seedSchedule(store, "owner-c", core.NewDate(2024, 3, 15), time.Time{})

	sender := newFakeSender()
	// Owners are dispatched in sorted order, so batch 2 is owner-b.
	sender.failBatches[2] = errors.New("transport unavailable")

	d := NewDispatcher(sender, store, store, DispatcherConfig{BatchSize: 2, BatchConcurrency: 1})
	w := testWindow()
	due := map[string]int{"owner-a": 1, "owner-b": 1, "owner-c": 1}

	result, err := d.Dispatch(context.Background(), due, w)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if result.BatchesFailed != 1 {
		t.Errorf("batches failed = %d, want 1", result.BatchesFailed)
	}
	if result.MessagesSent != 4 {
		t.Errorf("messages sent = %d, want 4 from the surviving batches", result.MessagesSent)
	}
	if result.OwnersNotified != 2 {
		t.Errorf("owners notified = %d, want owner-a and owner-c only", result.OwnersNotified)
	}

	// Watermarks advance only for the successfully notified owners.
	for id, s := range store.schedules {
		switch s.OwnerID {
		case "owner-b":
			if !s.LastNotifiedWindowEnd.IsZero() {
				t.Errorf("schedule %d: owner-b watermark must not advance", id)
			}
		default:
			if !s.LastNotifiedWindowEnd.Equal(w.End) {
				t.Errorf("schedule %d: watermark = %v, want window end", id, s.LastNotifiedWindowEnd)
			}
		}
	}
}

func TestDispatcher_InvalidTokenPruning(t *testing.T) {
	store := newMemStore()
	store.tokens["owner-a"] = []string{"good-token", "stale-token"}
	seedSchedule(store, "owner-a", core.NewDate(2024, 3, 15), time.Time{})

	sender := newFakeSender()
	sender.results["stale-token"] = push.Result{ErrorCode: push.ErrCodeUnregistered}

	d := NewDispatcher(sender, store, store, DefaultDispatcherConfig())
	w := testWindow()

	result, err := d.Dispatch(context.Background(), map[string]int{"owner-a": 1}, w)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if result.TokensPruned != 1 {
		t.Errorf("tokens pruned = %d, want 1", result.TokensPruned)
	}
	remaining, _ := store.ListDeviceTokens(context.Background(), []string{"owner-a"})
	if len(remaining) != 1 || remaining[0].Token != "good-token" {
		t.Errorf("remaining tokens = %v, want only good-token", remaining)
	}

	// One delivery succeeded, so the owner still counts as notified.
	if !result.NotificationsSent || result.OwnersNotified != 1 {
		t.Error("owner with one surviving token should be marked notified")
	}
	if got := store.schedule(1).LastNotifiedWindowEnd; !got.Equal(w.End) {
		t.Errorf("watermark = %v, want window end", got)
	}
}

func TestDispatcher_OtherFailuresAreNotPruned(t *testing.T) {
	store := newMemStore()
	store.tokens["owner-a"] = []string{"flaky-token"}

	sender := newFakeSender()
	sender.results["flaky-token"] = push.Result{ErrorCode: "fcm-http-500"}

	d := NewDispatcher(sender, store, store, DefaultDispatcherConfig())
	result, err := d.Dispatch(context.Background(), map[string]int{"owner-a": 1}, testWindow())
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if result.TokensPruned != 0 {
		t.Error("transient failures must not prune tokens")
	}
	if result.NotificationsSent {
		t.Error("owner with zero deliveries is not notified")
	}
	remaining, _ := store.ListDeviceTokens(context.Background(), []string{"owner-a"})
	if len(remaining) != 1 {
		t.Error("flaky token must survive the run")
	}
}

func TestDispatcher_PrunedTokenNeverResent(t *testing.T) {
	store := newMemStore()
	store.tokens["owner-a"] = []string{"stale-token"}
	seedSchedule(store, "owner-a", core.NewDate(2024, 3, 15), time.Time{})

	sender := newFakeSender()
	sender.results["stale-token"] = push.Result{ErrorCode: push.ErrCodeUnregistered}

	d := NewDispatcher(sender, store, store, DefaultDispatcherConfig())
	w := testWindow()
	due := map[string]int{"owner-a": 1}

	if _, err := d.Dispatch(context.Background(), due, w); err != nil {
		t.Fatalf("first Dispatch() error: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), due, w); err != nil {
		t.Fatalf("second Dispatch() error: %v", err)
	}

	sent := sender.sentTokens()
	if len(sent) != 1 {
		t.Errorf("stale token sent %d times, want exactly once", len(sent))
	}
}
