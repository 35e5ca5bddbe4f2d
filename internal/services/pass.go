package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultWindowSize is the aggregation window examined by one pass. It
// matches the expected invocation cadence so consecutive runs cover
// adjacent windows with bounded overlap.
const DefaultWindowSize = time.Hour

// NotificationPass wires aggregation and dispatch into the single entry
// point invoked by the periodic trigger.
type NotificationPass struct {
	aggregator *DueAggregator
	dispatcher *Dispatcher
	windowSize time.Duration
}

func NewNotificationPass(aggregator *DueAggregator, dispatcher *Dispatcher, windowSize time.Duration) *NotificationPass {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &NotificationPass{
		aggregator: aggregator,
		dispatcher: dispatcher,
		windowSize: windowSize,
	}
}

// Run executes one aggregate-then-dispatch pass over the window ending at
// now and reports whether any notifications went out. Overlapping
// invocations are idempotent: owners notified for a window are filtered
// out by the watermark until the window end moves past it. Only a failure
// to read schedules aborts the pass; delivery failures are isolated
// downstream and retried implicitly by the schedule staying due.
func (p *NotificationPass) Run(ctx context.Context, now time.Time) (bool, error) {
	w := NewWindow(now, p.windowSize)

	dueCounts, err := p.aggregator.AggregateDue(ctx, w)
	if err != nil {
		return false, fmt.Errorf("aggregate due schedules: %w", err)
	}
	if len(dueCounts) == 0 {
		slog.InfoContext(ctx, "Due-notification pass found nothing to send",
			"window_end", w.End.Format(time.RFC3339))
		return false, nil
	}

	result, err := p.dispatcher.Dispatch(ctx, dueCounts, w)
	if err != nil {
		return false, fmt.Errorf("dispatch notifications: %w", err)
	}
	return result.NotificationsSent, nil
}
