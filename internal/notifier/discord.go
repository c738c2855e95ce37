package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
)

const defaultTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// DownloadFailures adapts n into a cache failure hook. A nil notifier only logs.
func DownloadFailures(n Notifier) func(ctx context.Context, ev cache.FailureEvent) {
	return func(ctx context.Context, ev cache.FailureEvent) {
		logger := logctx.LoggerFromContext(ctx).With("file_id", ev.FileID, "origin_id", ev.OriginID)
		logger.ErrorContext(ctx, "video download failed", "err", ev.Err)

		if n == nil {
			return
		}

		if notifyErr := n.Notify(ctx, formatFailure(ev)); notifyErr != nil {
			logger.ErrorContext(ctx, "failed to send notification", "err", notifyErr)
		}
	}
}

func formatFailure(ev cache.FailureEvent) string {
	var integrityErr *media.IntegrityError
	if errors.As(ev.Err, &integrityErr) {
		return fmt.Sprintf("❌ Cached copy of video %s was corrupt (expected %d bytes, got %d)",
			ev.FileID, integrityErr.Expected, integrityErr.Actual)
	}

	if kind := media.KindOf(ev.Err); kind != "" {
		return fmt.Sprintf("❌ Download failed for video %s: origin %s error", ev.FileID, kind)
	}

	return fmt.Sprintf("❌ Download failed for video %s: %v", ev.FileID, ev.Err)
}
