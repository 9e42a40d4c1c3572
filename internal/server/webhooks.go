package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"siteforge/internal/domain"
)

const webhookTimeout = 5 * time.Second

// WebhookNotifier delivers terminal build notifications to configured URLs.
// Delivery is fire-and-forget: a failed endpoint is logged and skipped, it
// never blocks or fails the build itself.
type WebhookNotifier struct {
	urls   []string
	client *http.Client
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewWebhookNotifier(urls []string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		urls:   urls,
		client: &http.Client{Timeout: webhookTimeout},
		log:    log,
	}
}

type webhookPayload struct {
	Event         string  `json:"event"`
	JobID         string  `json:"job_id"`
	ProjectID     string  `json:"project_id"`
	UserID        string  `json:"user_id"`
	Status        string  `json:"status"`
	EstimatedCost int     `json:"estimated_cost"`
	ActualCost    *int    `json:"actual_cost,omitempty"`
	Result        *string `json:"result,omitempty"`
	Error         *string `json:"error,omitempty"`
	EndedAt       string  `json:"ended_at,omitempty"`
}

// NotifyTerminal posts the job's terminal state to every configured URL.
// Safe to call from the build workers; deliveries run in the background.
func (n *WebhookNotifier) NotifyTerminal(job domain.BuildJob) {
	if n == nil || len(n.urls) == 0 {
		return
	}
	event := "build_error"
	if job.Status == domain.JobCompleted {
		event = "build_complete"
	}
	payload := webhookPayload{
		Event:         event,
		JobID:         job.ID,
		ProjectID:     job.ProjectID,
		UserID:        job.UserID,
		Status:        string(job.Status),
		EstimatedCost: job.EstimatedCost,
		ActualCost:    job.ActualCost,
		Result:        job.Result,
		Error:         job.Error,
	}
	if job.EndedAt != nil {
		payload.EndedAt = *job.EndedAt
	}
	data, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("webhook: marshal payload", "job_id", job.ID, "error", err)
		return
	}
	for _, url := range n.urls {
		url := strings.TrimSpace(url)
		if url == "" {
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.post(url, event, job.ID, data); err != nil {
				n.log.Warn("webhook: deliver failed", "url", url, "job_id", job.ID, "error", err)
			}
		}()
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (n *WebhookNotifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *WebhookNotifier) post(url, event, jobID string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Siteforge-Event", event)
	req.Header.Set("X-Siteforge-Delivery", jobID)
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
