package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scadenze/internal/push"
)

// DefaultBatchSize is the number of messages sent per transport batch.
const DefaultBatchSize = 500

// defaultBatchConcurrency bounds how many batches are in flight at once.
const defaultBatchConcurrency = 4

// DispatcherConfig holds tunables for the notification dispatcher.
// BatchSize is explicit so tests can exercise small batches.
type DispatcherConfig struct {
	BatchSize        int
	BatchConcurrency int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:        DefaultBatchSize,
		BatchConcurrency: defaultBatchConcurrency,
	}
}

// DispatchResult summarizes one dispatcher run.
type DispatchResult struct {
	NotificationsSent bool
	MessagesSent      int
	MessagesFailed    int
	BatchesFailed     int
	TokensPruned      int
	OwnersNotified    int
}

// Dispatcher turns aggregated due counts into push notifications: it
// resolves device tokens, partitions messages into fixed-size batches,
// sends the batches concurrently, prunes invalid tokens and advances the
// notification watermark for owners that received at least one message.
type Dispatcher struct {
	sender push.Sender
	tokens TokenStore
	marks  WatermarkStore
	config DispatcherConfig
}

func NewDispatcher(sender push.Sender, tokens TokenStore, marks WatermarkStore, config DispatcherConfig) *Dispatcher {
	if config.BatchSize < 1 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchConcurrency < 1 {
		config.BatchConcurrency = defaultBatchConcurrency
	}
	return &Dispatcher{
		sender: sender,
		tokens: tokens,
		marks:  marks,
		config: config,
	}
}

// Dispatch sends one notification per (owner, device token) pair. A batch
// failure is isolated: remaining batches still run, and only owners with
// at least one confirmed delivery get their watermark advanced to the
// window end. No due owners or no resolvable tokens is a no-op, not an
// error.
func (d *Dispatcher) Dispatch(ctx context.Context, dueCounts map[string]int, w Window) (DispatchResult, error) {
	var result DispatchResult
	if len(dueCounts) == 0 {
		slog.InfoContext(ctx, "No owners due, skipping dispatch")
		return result, nil
	}

	owners := make([]string, 0, len(dueCounts))
	for owner := range dueCounts {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	tokens, err := d.tokens.ListDeviceTokens(ctx, owners)
	if err != nil {
		return result, fmt.Errorf("resolve device tokens: %w", err)
	}
	if len(tokens) == 0 {
		slog.InfoContext(ctx, "No device tokens for due owners, skipping dispatch",
			"owners_due", len(owners))
		return result, nil
	}

	messages := make([]push.Message, 0, len(tokens))
	for _, tok := range tokens {
		messages = append(messages, buildMessage(tok.OwnerID, tok.Token, dueCounts[tok.OwnerID], w))
	}

	var (
		mu             sync.Mutex
		invalidTokens  []string
		notifiedOwners = make(map[string]struct{})
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.BatchConcurrency)

	for start := 0; start < len(messages); start += d.config.BatchSize {
		end := start + d.config.BatchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[start:end]
		batchNum := start/d.config.BatchSize + 1

		g.Go(func() error {
			results, err := d.sender.SendBatch(gctx, batch)
			if err != nil {
				// Batch isolation: record the failure, let siblings run.
				slog.ErrorContext(gctx, "Notification batch failed",
					"batch", batchNum,
					"messages", len(batch),
					"error", err)
				mu.Lock()
				result.BatchesFailed++
				result.MessagesFailed += len(batch)
				mu.Unlock()
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for i, res := range results {
				if i >= len(batch) {
					break
				}
				if res.Success {
					result.MessagesSent++
					notifiedOwners[batch[i].OwnerID] = struct{}{}
					continue
				}
				result.MessagesFailed++
				if res.ErrorCode == push.ErrCodeUnregistered {
					invalidTokens = append(invalidTokens, batch[i].Token)
					continue
				}
				// Left as-is: the schedule stays due, so the next
				// aggregation window retries naturally.
				slog.WarnContext(gctx, "Notification delivery failed",
					"owner_id", batch[i].OwnerID,
					"error_code", res.ErrorCode)
			}
			return nil
		})
	}

	// Workers only return nil; Wait is for completion, not errors.
	_ = g.Wait()

	if len(invalidTokens) > 0 {
		if err := d.tokens.DeleteDeviceTokens(ctx, invalidTokens); err != nil {
			slog.ErrorContext(ctx, "Failed to prune invalid device tokens",
				"tokens", len(invalidTokens),
				"error", err)
		} else {
			result.TokensPruned = len(invalidTokens)
			slog.InfoContext(ctx, "Pruned invalid device tokens", "tokens", len(invalidTokens))
		}
	}

	if len(notifiedOwners) > 0 {
		notified := make([]string, 0, len(notifiedOwners))
		for owner := range notifiedOwners {
			notified = append(notified, owner)
		}
		sort.Strings(notified)
		if err := d.marks.AdvanceNotifiedWatermark(ctx, notified, w.End); err != nil {
			// Worst case the owners are re-notified next window.
			slog.ErrorContext(ctx, "Failed to advance notification watermark",
				"owners", len(notified),
				"error", err)
		}
		result.OwnersNotified = len(notified)
		result.NotificationsSent = true
	}

	slog.InfoContext(ctx, "Dispatch complete",
		"messages_sent", result.MessagesSent,
		"messages_failed", result.MessagesFailed,
		"batches_failed", result.BatchesFailed,
		"tokens_pruned", result.TokensPruned,
		"owners_notified", result.OwnersNotified)
	return result, nil
}

func buildMessage(ownerID, token string, dueCount int, w Window) push.Message {
	title := strconv.Itoa(dueCount) + " Payments due"
	if dueCount == 1 {
		title = "1 Payment due"
	}
	return push.Message{
		OwnerID: ownerID,
		Token:   token,
		Title:   title,
		Body:    "Open the app to complete or skip your recurring transactions.",
		Data: map[string]string{
			"type":       "recurring_due",
			"due_count":  strconv.Itoa(dueCount),
			"window_end": w.End.UTC().Format(time.RFC3339),
		},
	}
}
