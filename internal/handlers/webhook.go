// Package handlers adapts external collaborator services into job handlers.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/itemq/internal/domain"
	"github.com/SirClappington/itemq/internal/worker"
)

// Webhook posts each job to a collaborator endpoint (the fetch-and-extract
// service, the tagging service) and maps the response to a handler result.
// Non-2xx responses become *worker.StatusError so retry classification can
// distinguish rate limits, client errors and server errors.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	log     *zap.Logger
}

var _ worker.Handler = (*Webhook)(nil)

type WebhookConfig struct {
	URL string
	// Timeout bounds one call, including waiting for the limiter.
	Timeout time.Duration
	// RatePerSec caps outbound calls; zero or negative disables the limit.
	RatePerSec float64
	Client     *http.Client
	Logger     *zap.Logger
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Webhook{
		url:     cfg.URL,
		client:  cfg.Client,
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
		log:     cfg.Logger.Named("webhook").With(zap.String("url", cfg.URL)),
	}
}

type webhookRequest struct {
	JobID   string      `json:"job_id"`
	ItemID  string      `json:"item_id"`
	Type    domain.Type `json:"type"`
	Attempt int         `json:"attempt"`
}

func (w *Webhook) Handle(ctx context.Context, job domain.Job) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(webhookRequest{
		JobID: job.ID, ItemID: job.ItemID, Type: job.Type, Attempt: job.Attempt,
	})
	if err != nil {
		return worker.Permanent(fmt.Errorf("encode job: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return worker.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", job.ID, job.Attempt))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		w.log.Debug("collaborator accepted job", zap.String("job_id", job.ID), zap.Int("status", resp.StatusCode))
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &worker.StatusError{
		Status: resp.StatusCode,
		Err:    fmt.Errorf("%s", bytes.TrimSpace(msg)),
	}
}
