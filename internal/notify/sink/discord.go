package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"warwatch/internal/storage"
	logx "warwatch/pkg/logx"
)

type DiscordConfig struct {
	// Webhooks maps a job kind to its webhook endpoint.
	Webhooks map[string]string
	Timeout  time.Duration
}

// DiscordSink posts job bodies to per-kind webhook endpoints.
type DiscordSink struct {
	cfg    DiscordConfig
	client *http.Client
	log    logx.Logger
}

func NewDiscordSink(cfg DiscordConfig, log logx.Logger) *DiscordSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DiscordSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (s *DiscordSink) Send(ctx context.Context, job storage.NotificationJob) error {
	url := strings.TrimSpace(s.cfg.Webhooks[job.Kind])
	if url == "" {
		return Permanent("no webhook configured for kind %q", job.Kind)
	}
	return postWebhook(ctx, s.client, url, job.Body)
}

// postWebhook delivers one message to a Discord webhook and classifies the
// response: 2xx ok, 429/5xx/transport transient, other 4xx permanent
// (the webhook itself is bad).
func postWebhook(ctx context.Context, client *http.Client, url, content string) error {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("discord post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("discord rate limited (429)")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent("discord rejected post: %s", resp.Status)
	default:
		return fmt.Errorf("discord post failed: %s", resp.Status)
	}
}

// Webhook is a single fixed endpoint, used outside the job pipeline
// (the logx Discord sink).
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// SendText satisfies logx.Sender.
func (w *Webhook) SendText(ctx context.Context, msg string) error {
	if w == nil || strings.TrimSpace(w.url) == "" {
		return nil
	}
	return postWebhook(ctx, w.client, w.url, msg)
}
