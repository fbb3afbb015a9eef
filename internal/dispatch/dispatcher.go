package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/apperr"
	"agent-ingest/internal/models"
	"agent-ingest/internal/settings"
	"agent-ingest/internal/store"
	"agent-ingest/internal/telemetry"
)

// Dispatcher delivers job-completion data to the configured external
// endpoints: the n8n workflow webhook and the Telegram chat notifier. Each
// (job, integration) pair is delivered at most once; the result of the first
// delivery is cached in Redis and handed back to any repeat trigger, so the
// guarantee holds across the API and worker processes.
type Dispatcher struct {
	client          *redis.Client
	st              *store.Store
	settings        settings.Provider
	httpClient      *http.Client
	telegramAPIBase string
	timeout         time.Duration
	markerTTL       time.Duration
	logger          *slog.Logger
}

// Options configures a Dispatcher.
type Options struct {
	Client          *redis.Client
	Store           *store.Store
	Settings        settings.Provider
	Timeout         time.Duration
	TelegramAPIBase string
	MarkerTTL       time.Duration
	Logger          *slog.Logger
	// HTTPClient overrides the default bounded-timeout client, for tests.
	HTTPClient *http.Client
}

// New builds a dispatcher. Outbound calls share one bounded-timeout client.
func New(opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(opts.TelegramAPIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	ttl := opts.MarkerTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:          opts.Client,
		st:              opts.Store,
		settings:        opts.Settings,
		httpClient:      hc,
		telegramAPIBase: base,
		timeout:         timeout,
		markerTTL:       ttl,
		logger:          logger,
	}
}

func markerKey(jobID, integration string) string {
	return fmt.Sprintf("delivery:%s:%s", jobID, integration)
}

// deliveryMarker is the stored per-(job, integration) record. While the
// claiming caller is still talking to the endpoint the marker is pending;
// the final result then replaces it. Pending markers carry a short TTL so a
// caller that dies mid-delivery does not wedge the pair until markerTTL.
type deliveryMarker struct {
	Pending bool                  `json:"pending,omitempty"`
	Result  models.DeliveryResult `json:"result"`
}

// Trigger delivers the job's completion data to one integration. A repeat
// call for an already-delivered pair is a no-op returning the cached result.
// Delivery failure is reported in the result, never as an error, and never
// touches the job's own state.
func (d *Dispatcher) Trigger(ctx context.Context, jobID, integration string) (models.DeliveryResult, error) {
	if integration != models.IntegrationN8N && integration != models.IntegrationTelegram {
		return models.DeliveryResult{}, apperr.Newf(apperr.CodeInvalidInput, "unknown integration %q", integration)
	}

	job, err := d.st.Get(ctx, jobID)
	if err != nil {
		return models.DeliveryResult{}, err
	}

	if prior, pending, found, err := d.readMarker(ctx, jobID, integration); err != nil {
		return models.DeliveryResult{}, err
	} else if found {
		if pending {
			return d.awaitDelivery(ctx, jobID, integration)
		}
		return prior, nil
	}

	cfg, err := d.settings.Get(ctx)
	if err != nil {
		return models.DeliveryResult{}, apperr.Wrap(err, apperr.CodeInternal, "read integration settings")
	}
	if err := requireConfigured(cfg, integration); err != nil {
		return models.DeliveryResult{}, err
	}

	claimed, err := d.claim(ctx, jobID, integration)
	if err != nil {
		return models.DeliveryResult{}, err
	}
	if !claimed {
		// Lost the race; wait for the winner's result.
		return d.awaitDelivery(ctx, jobID, integration)
	}

	var res models.DeliveryResult
	switch integration {
	case models.IntegrationN8N:
		res = d.deliverWebhook(ctx, cfg, job)
	case models.IntegrationTelegram:
		res = d.deliverTelegram(ctx, cfg, job)
	}

	d.storeMarker(ctx, jobID, integration, res)

	outcome := "failure"
	if res.OK {
		outcome = "success"
	}
	telemetry.IntegrationDeliveries.WithLabelValues(integration, outcome).Inc()
	d.logger.Info("integration delivery",
		"job_id", jobID, "integration", integration, "ok", res.OK)
	return res, nil
}

// AutoTriggerOnFinish applies the server-side trigger policy for a job that
// just reached a terminal state. Only finished fires automatically: the
// webhook when enable_n8n and auto_trigger_n8n_on_finish are set, the chat
// notifier only when telegram_notify_on_finish opts in. Failures are logged
// and swallowed; they are independent of job state.
func (d *Dispatcher) AutoTriggerOnFinish(ctx context.Context, job models.Job) {
	if job.Status != models.StatusFinished {
		return
	}
	cfg, err := d.settings.Get(ctx)
	if err != nil {
		d.logger.Error("auto trigger: read settings", "job_id", job.ID, "error", err)
		return
	}
	if cfg.EnableN8N && cfg.AutoTriggerN8NOnFinish {
		if _, err := d.Trigger(ctx, job.ID, models.IntegrationN8N); err != nil && !apperr.IsNotConfigured(err) {
			d.logger.Error("auto trigger n8n", "job_id", job.ID, "error", err)
		}
	}
	if cfg.EnableTelegram && cfg.TelegramNotifyOnFinish {
		if _, err := d.Trigger(ctx, job.ID, models.IntegrationTelegram); err != nil && !apperr.IsNotConfigured(err) {
			d.logger.Error("auto trigger telegram", "job_id", job.ID, "error", err)
		}
	}
}

// Ping checks each enabled integration endpoint without touching any job.
func (d *Dispatcher) Ping(ctx context.Context) map[string]bool {
	out := map[string]bool{models.IntegrationN8N: false, models.IntegrationTelegram: false}
	cfg, err := d.settings.Get(ctx)
	if err != nil {
		return out
	}

	if cfg.EnableN8N && cfg.N8NWebhookURL != "" {
		body, _ := json.Marshal(map[string]any{"type": "ping", "ts": time.Now().UTC().Format(time.RFC3339)})
		status, _, err := d.post(ctx, cfg.N8NWebhookURL, "application/json", strings.NewReader(string(body)))
		out[models.IntegrationN8N] = err == nil && status/100 == 2
	}

	if cfg.EnableTelegram && cfg.TelegramBotToken != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/bot%s/getMe", d.telegramAPIBase, cfg.TelegramBotToken), nil)
		if err == nil {
			resp, err := d.httpClient.Do(req)
			if err == nil {
				var reply struct {
					OK bool `json:"ok"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&reply)
				_ = resp.Body.Close()
				out[models.IntegrationTelegram] = reply.OK
			}
		}
	}
	return out
}

func requireConfigured(cfg models.IntegrationConfig, integration string) error {
	switch integration {
	case models.IntegrationN8N:
		if !cfg.EnableN8N || cfg.N8NWebhookURL == "" {
			return apperr.NotConfigured("n8n integration disabled or webhook url missing")
		}
	case models.IntegrationTelegram:
		if !cfg.EnableTelegram || cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
			return apperr.NotConfigured("telegram integration disabled or credentials missing")
		}
	}
	return nil
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, cfg models.IntegrationConfig, job models.Job) models.DeliveryResult {
	payload := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"source_url": job.SourceURL,
		"result":     job.Result,
		"ts":         time.Now().UTC().Format(time.RFC3339),
	}
	if job.Error != nil {
		payload["error"] = *job.Error
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.DeliveryResult{OK: false, Detail: err.Error()}
	}
	status, detail, err := d.post(ctx, cfg.N8NWebhookURL, "application/json", strings.NewReader(string(body)))
	if err != nil {
		return models.DeliveryResult{OK: false, Detail: err.Error()}
	}
	return models.DeliveryResult{OK: status/100 == 2, StatusCode: &status, Detail: detail}
}

func (d *Dispatcher) deliverTelegram(ctx context.Context, cfg models.IntegrationConfig, job models.Job) models.DeliveryResult {
	form := url.Values{}
	form.Set("chat_id", cfg.TelegramChatID)
	form.Set("text", telegramText(job))
	status, detail, err := d.post(ctx,
		fmt.Sprintf("%s/bot%s/sendMessage", d.telegramAPIBase, cfg.TelegramBotToken),
		"application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		return models.DeliveryResult{OK: false, Detail: err.Error()}
	}
	return models.DeliveryResult{OK: status/100 == 2, StatusCode: &status, Detail: detail}
}

func telegramText(job models.Job) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Ingest job %s %s\n", job.ID, job.Status)
	fmt.Fprintf(&b, "Source: %s", job.SourceURL)
	if job.Error != nil {
		fmt.Fprintf(&b, "\nError: %s", *job.Error)
	}
	return b.String()
}

// post issues one bounded call and returns the status plus a truncated body
// excerpt for diagnostics.
func (d *Dispatcher) post(ctx context.Context, target, contentType string, body io.Reader) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	return resp.StatusCode, strings.TrimSpace(string(excerpt)), nil
}

func (d *Dispatcher) readMarker(ctx context.Context, jobID, integration string) (models.DeliveryResult, bool, bool, error) {
	raw, err := d.client.Get(ctx, markerKey(jobID, integration)).Result()
	if err == redis.Nil {
		return models.DeliveryResult{}, false, false, nil
	}
	if err != nil {
		return models.DeliveryResult{}, false, false, apperr.Wrap(err, apperr.CodeInternal, "read delivery marker")
	}
	var m deliveryMarker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return models.DeliveryResult{}, false, false, fmt.Errorf("decode delivery marker: %w", err)
	}
	return m.Result, m.Pending, true, nil
}

// awaitDelivery waits out a concurrent caller's in-flight delivery and hands
// back its final result, so a racing trigger never mistakes the claim marker
// for an outcome. The wait is bounded past the delivery timeout; a pending
// marker gone missing means the claimer died mid-call and its claim TTL
// lapsed, in which case a later trigger may claim again.
func (d *Dispatcher) awaitDelivery(ctx context.Context, jobID, integration string) (models.DeliveryResult, error) {
	deadline := time.Now().Add(d.timeout + 2*time.Second)
	for {
		res, pending, found, err := d.readMarker(ctx, jobID, integration)
		if err != nil {
			return models.DeliveryResult{}, err
		}
		if found && !pending {
			return res, nil
		}
		if !found || time.Now().After(deadline) {
			return models.DeliveryResult{OK: false, Detail: "concurrent delivery attempt did not complete; retry"}, nil
		}
		select {
		case <-ctx.Done():
			return models.DeliveryResult{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (d *Dispatcher) claim(ctx context.Context, jobID, integration string) (bool, error) {
	b, err := json.Marshal(deliveryMarker{Pending: true})
	if err != nil {
		return false, err
	}
	// The claim expires shortly after the bounded delivery call would.
	ok, err := d.client.SetNX(ctx, markerKey(jobID, integration), b, 2*d.timeout).Result()
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "claim delivery marker")
	}
	return ok, nil
}

func (d *Dispatcher) storeMarker(ctx context.Context, jobID, integration string, res models.DeliveryResult) {
	b, err := json.Marshal(deliveryMarker{Result: res})
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, markerKey(jobID, integration), b, d.markerTTL).Err(); err != nil {
		d.logger.Warn("store delivery marker", "job_id", jobID, "integration", integration, "error", err)
	}
}
