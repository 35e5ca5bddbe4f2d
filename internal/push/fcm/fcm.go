// Package fcm sends push notifications through the Firebase Cloud
// Messaging HTTP v1 API.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
	fcmapi "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"scadenze/internal/push"
)

// DefaultSendRate is the per-second message rate toward FCM. The v1 API
// has no multicast endpoint, so a batch is delivered as individual sends
// and throttled to stay inside the project quota.
const DefaultSendRate = 100

// Sender implements push.Sender on top of the FCM v1 REST API.
type Sender struct {
	svc     *fcmapi.Service
	parent  string
	limiter *rate.Limiter
}

// New creates an FCM sender for the given project. Credentials resolve
// through Application Default Credentials unless overridden with opts
// (e.g. option.WithCredentialsFile).
func New(ctx context.Context, projectID string, sendRate int, opts ...option.ClientOption) (*Sender, error) {
	if projectID == "" {
		return nil, errors.New("fcm: project id is required")
	}
	svc, err := fcmapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create fcm service: %w", err)
	}
	if sendRate <= 0 {
		sendRate = DefaultSendRate
	}
	return &Sender{
		svc:     svc,
		parent:  "projects/" + projectID,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendRate),
	}, nil
}

// SendBatch delivers each message individually and reports per-message
// outcomes in message order. Only a context failure aborts the batch.
func (s *Sender) SendBatch(ctx context.Context, msgs []push.Message) ([]push.Result, error) {
	results := make([]push.Result, len(msgs))
	for i, m := range msgs {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		req := &fcmapi.SendMessageRequest{
			Message: &fcmapi.Message{
				Token: m.Token,
				Notification: &fcmapi.Notification{
					Title: m.Title,
					Body:  m.Body,
				},
				Data: m.Data,
			},
		}
		_, err := s.svc.Projects.Messages.Send(s.parent, req).Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("send message: %w", ctx.Err())
			}
			results[i] = push.Result{ErrorCode: classify(err)}
			continue
		}
		results[i] = push.Result{Success: true}
	}
	return results, nil
}

// classify maps an FCM API error to the transport error codes the
// dispatcher reconciles on. A 404 from the v1 API means the registration
// token is no longer valid.
func classify(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 404 || strings.Contains(gerr.Message, "UNREGISTERED") {
			return push.ErrCodeUnregistered
		}
		return "fcm-http-" + strconv.Itoa(gerr.Code)
	}
	slog.Debug("Unclassified FCM send error", "error", err)
	return "transport-error"
}
