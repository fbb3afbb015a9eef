package models

import (
	"time"
)

// Job lifecycle states kept in the Redis job hash.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one unit of submitted ingest work tracked through the state machine.
// The store owns the record; workers and the dispatcher mutate it only
// through store operations.
type Job struct {
	ID              string         `json:"job_id"`
	SourceURL       string         `json:"source_url"`
	Status          string         `json:"status"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           *string        `json:"error,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
}

// Summary is the trimmed listing shape returned by GET /jobs.
type Summary struct {
	ID         string     `json:"job_id"`
	SourceURL  string     `json:"source_url"`
	Status     string     `json:"status"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Event is one entry of a job's append-only event log. Seq is the position
// in the log, starting at 0 with the initial queued event.
type Event struct {
	JobID   string         `json:"job_id"`
	Seq     int64          `json:"seq"`
	Status  string         `json:"status"`
	TS      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *string        `json:"error,omitempty"`
}

// Integration names accepted by the dispatcher and trigger endpoint.
const (
	IntegrationN8N      = "n8n"
	IntegrationTelegram = "telegram"
)

// IntegrationConfig is the admin settings snapshot stored as one JSON blob.
// Dispatch decisions read the whole snapshot at once, never field by field.
type IntegrationConfig struct {
	EnableN8N              bool   `json:"enable_n8n"`
	N8NWebhookURL          string `json:"n8n_webhook_url,omitempty"`
	EnableTelegram         bool   `json:"enable_telegram"`
	TelegramBotToken       string `json:"telegram_bot_token,omitempty"`
	TelegramChatID         string `json:"telegram_chat_id,omitempty"`
	AutoTriggerN8NOnFinish bool   `json:"auto_trigger_n8n_on_finish"`
	TelegramNotifyOnFinish bool   `json:"telegram_notify_on_finish"`
	MaxConcurrentJobs      int    `json:"max_concurrent_jobs"`
	JobTimeoutMinutes      int    `json:"job_timeout_minutes"`
}

// DefaultIntegrationConfig mirrors the values served before an operator has
// written anything.
func DefaultIntegrationConfig() IntegrationConfig {
	return IntegrationConfig{
		MaxConcurrentJobs: 5,
		JobTimeoutMinutes: 60,
	}
}

// DeliveryResult is the structured outcome of one integration call. A nil
// StatusCode means the request never produced an HTTP response.
type DeliveryResult struct {
	OK         bool   `json:"ok"`
	StatusCode *int   `json:"status_code"`
	Detail     string `json:"detail,omitempty"`
}
