package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
)

// DefaultWebhookTimeout bounds a webhook call without its own timeout.
const DefaultWebhookTimeout = 30 * time.Second

// Webhook sends Body to URL. Any non-2xx response fails the execution, so the
// message is redelivered until it dead-letters.
type Webhook struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

func (Webhook) JobName() string { return "http.webhook" }

type WebhookExecutor struct {
	client *http.Client
}

func NewWebhookExecutor(client *http.Client) *WebhookExecutor {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &WebhookExecutor{client: client}
}

func (e *WebhookExecutor) Execute(ctx context.Context, ec *manager.ExecutionContext, args Webhook) error {
	if args.URL == "" {
		return core.NewInvalidRequestError("webhook url is required", nil)
	}
	method := args.Method
	if method == "" {
		method = http.MethodPost
	}
	if args.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if len(args.Body) > 0 {
		body = bytes.NewReader(args.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, args.URL, body)
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-OJS-Message-Id", ec.MessageID)
	req.Header.Set("X-OJS-Delivery-Attempt", strconv.Itoa(ec.DeliveryAttempt))

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling webhook %s: %w", args.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %s", args.URL, resp.Status)
	}
	ec.Logger.Debug("webhook delivered", "url", args.URL, "status", resp.StatusCode, "message_id", ec.MessageID)
	return nil
}
