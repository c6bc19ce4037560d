package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/app_updater/internal/update"
)

// ErrNoWebhook is returned when the notifier has nowhere to post.
var ErrNoWebhook = errors.New("webhook URL is not set")

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return ErrNoWebhook
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
		client = http.DefaultClient
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

// OutcomeMessage renders a session outcome for a chat notification.
func OutcomeMessage(out *update.Outcome) string {
	version := out.Version
	if version == "" {
		version = "unknown version"
	}

	if out.Status == update.StatusSucceeded && out.Err == nil {
		return fmt.Sprintf("✅ Update %s downloaded in %s and handed to the installer (download %d)",
			version, out.Duration.Round(time.Second), out.DownloadID)
	}

	reason := "unknown error"
	if out.Err != nil {
		reason = out.Err.Error()
	}

	return fmt.Sprintf("❌ Update %s failed (download %d): %s", version, out.DownloadID, reason)
}
