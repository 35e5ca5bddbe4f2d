package push

import (
	"context"
	"log/slog"
)

// LogSender is a stand-in transport for deployments without push
// credentials: every message is logged and reported as delivered.
type LogSender struct{}

func (LogSender) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	results := make([]Result, len(msgs))
	for i, m := range msgs {
		slog.InfoContext(ctx, "Push delivery disabled, logging notification",
			"owner_id", m.OwnerID,
			"title", m.Title)
		results[i] = Result{Success: true}
	}
	return results, nil
}
