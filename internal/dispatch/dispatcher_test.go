package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/apperr"
	"agent-ingest/internal/models"
	"agent-ingest/internal/settings"
	"agent-ingest/internal/store"
)

type fixture struct {
	dispatcher *Dispatcher
	store      *store.Store
	settings   settings.Provider
	client     *redis.Client
	mr         *miniredis.Miniredis
}

func newFixture(t *testing.T, telegramBase string) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, 200, nil)
	prov := settings.NewRedisProvider(client)
	d := New(Options{
		Client:          client,
		Store:           st,
		Settings:        prov,
		Timeout:         2 * time.Second,
		TelegramAPIBase: telegramBase,
	})
	return fixture{dispatcher: d, store: st, settings: prov, client: client, mr: mr}
}

func finishedJob(t *testing.T, st *store.Store) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := st.Create(ctx, "https://example.com/v1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Transition(ctx, job.ID, models.StatusRunning, nil, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := st.Transition(ctx, job.ID, models.StatusFinished, map[string]any{"duration": 120}, ""); err != nil {
		t.Fatalf("to finished: %v", err)
	}
	got, err := st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func TestTriggerWebhookDeliversOnce(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		lastBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, "")
	f.settings.Put(ctx, models.IntegrationConfig{EnableN8N: true, N8NWebhookURL: srv.URL})
	job := finishedJob(t, f.store)

	first, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !first.OK || first.StatusCode == nil || *first.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result: %+v", first)
	}

	var payload map[string]any
	if err := json.Unmarshal(lastBody, &payload); err != nil {
		t.Fatalf("webhook body not json: %v", err)
	}
	if payload["job_id"] != job.ID || payload["status"] != models.StatusFinished {
		t.Fatalf("unexpected webhook payload: %+v", payload)
	}

	second, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
	if err != nil {
		t.Fatalf("repeat trigger: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one outbound call, got %d", calls.Load())
	}
	if !second.OK || *second.StatusCode != *first.StatusCode {
		t.Fatalf("repeat must return the cached result: %+v", second)
	}
}

func TestConcurrentTriggerWaitsForWinner(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	reached := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		close(reached)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, "")
	f.settings.Put(ctx, models.IntegrationConfig{EnableN8N: true, N8NWebhookURL: srv.URL})
	job := finishedJob(t, f.store)

	type outcome struct {
		res models.DeliveryResult
		err error
	}
	winner := make(chan outcome, 1)
	go func() {
		res, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
		winner <- outcome{res, err}
	}()

	select {
	case <-reached:
	case <-time.After(3 * time.Second):
		t.Fatalf("webhook never called")
	}

	// A second trigger while the first is still on the wire must wait for
	// the real outcome, not report the in-flight claim as a final result.
	loser := make(chan outcome, 1)
	go func() {
		res, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
		loser <- outcome{res, err}
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)

	for _, ch := range []chan outcome{winner, loser} {
		select {
		case o := <-ch:
			if o.err != nil {
				t.Fatalf("trigger: %v", o.err)
			}
			if !o.res.OK || o.res.StatusCode == nil || *o.res.StatusCode != http.StatusOK {
				t.Fatalf("expected the delivered result, got %+v", o.res)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("trigger did not return")
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one outbound call, got %d", calls.Load())
	}
}

func TestTriggerRetriesAfterAbandonedClaim(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, "")
	f.settings.Put(ctx, models.IntegrationConfig{EnableN8N: true, N8NWebhookURL: srv.URL})
	job := finishedJob(t, f.store)

	// A claim left behind by a caller that died mid-delivery expires with
	// its TTL; the pair is then claimable again.
	b, _ := json.Marshal(deliveryMarker{Pending: true})
	if err := f.client.Set(ctx, markerKey(job.ID, models.IntegrationN8N), b, 2*time.Second).Err(); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	f.mr.FastForward(3 * time.Second)

	res, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !res.OK || calls.Load() != 1 {
		t.Fatalf("expected a fresh delivery after the claim lapsed (calls=%d res=%+v)", calls.Load(), res)
	}
}

func TestTriggerNotConfigured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	job := finishedJob(t, f.store)

	if _, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N); !apperr.IsNotConfigured(err) {
		t.Fatalf("expected not_configured, got %v", err)
	}
	if _, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationTelegram); !apperr.IsNotConfigured(err) {
		t.Fatalf("expected not_configured, got %v", err)
	}
}

func TestTriggerUnknownJobAndIntegration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	if _, err := f.dispatcher.Trigger(ctx, "missing", models.IntegrationN8N); !apperr.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
	job := finishedJob(t, f.store)
	if _, err := f.dispatcher.Trigger(ctx, job.ID, "pagerduty"); !apperr.IsInvalidInput(err) {
		t.Fatalf("expected invalid_input, got %v", err)
	}
}

func TestTriggerReportsEndpointFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "workflow disabled", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFixture(t, "")
	f.settings.Put(ctx, models.IntegrationConfig{EnableN8N: true, N8NWebhookURL: srv.URL})
	job := finishedJob(t, f.store)

	res, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
	if err != nil {
		t.Fatalf("delivery failure must surface in the result, not as an error: %v", err)
	}
	if res.OK || res.StatusCode == nil || *res.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Failure does not touch the job record.
	got, _ := f.store.Get(ctx, job.ID)
	if got.Status != models.StatusFinished {
		t.Fatalf("job state must be untouched, got %s", got.Status)
	}
}

func TestTriggerTelegramSendsMessage(t *testing.T) {
	ctx := context.Background()

	var gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottok-123/sendMessage" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.settings.Put(ctx, models.IntegrationConfig{
		EnableTelegram:   true,
		TelegramBotToken: "tok-123",
		TelegramChatID:   "42",
	})
	job := finishedJob(t, f.store)

	res, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationTelegram)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotChat != "42" {
		t.Fatalf("expected chat_id 42, got %q", gotChat)
	}
	if gotText == "" {
		t.Fatalf("expected a message text")
	}
}

func TestAutoTriggerPolicy(t *testing.T) {
	ctx := context.Background()

	var webhookCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		webhookCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, "")
	f.settings.Put(ctx, models.IntegrationConfig{
		EnableN8N:              true,
		N8NWebhookURL:          srv.URL,
		AutoTriggerN8NOnFinish: true,
	})
	job := finishedJob(t, f.store)

	f.dispatcher.AutoTriggerOnFinish(ctx, job)
	if webhookCalls.Load() != 1 {
		t.Fatalf("expected one automatic delivery, got %d", webhookCalls.Load())
	}

	// A later manual trigger is a no-op returning the original result.
	res, err := f.dispatcher.Trigger(ctx, job.ID, models.IntegrationN8N)
	if err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if webhookCalls.Load() != 1 {
		t.Fatalf("manual trigger must not re-send, got %d calls", webhookCalls.Load())
	}
	if !res.OK {
		t.Fatalf("expected cached success, got %+v", res)
	}
}

func TestAutoTriggerSkipsNonFinished(t *testing.T) {
	ctx := context.Background()

	var webhookCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		webhookCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, "")
	f.settings.Put(ctx, models.IntegrationConfig{
		EnableN8N:              true,
		N8NWebhookURL:          srv.URL,
		AutoTriggerN8NOnFinish: true,
	})

	job, _ := f.store.Create(ctx, "https://example.com/v1")
	f.store.Transition(ctx, job.ID, models.StatusRunning, nil, "")
	f.store.Transition(ctx, job.ID, models.StatusCancelled, nil, "")
	got, _ := f.store.Get(ctx, job.ID)

	f.dispatcher.AutoTriggerOnFinish(ctx, got)
	if webhookCalls.Load() != 0 {
		t.Fatalf("cancelled jobs must not auto-fire, got %d calls", webhookCalls.Load())
	}
}

func TestAutoTriggerTelegramOptIn(t *testing.T) {
	ctx := context.Background()

	var messages atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		messages.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.settings.Put(ctx, models.IntegrationConfig{
		EnableTelegram:   true,
		TelegramBotToken: "tok",
		TelegramChatID:   "42",
	})
	job := finishedJob(t, f.store)

	// Not opted in: no automatic chat notification.
	f.dispatcher.AutoTriggerOnFinish(ctx, job)
	if messages.Load() != 0 {
		t.Fatalf("telegram must not auto-fire without opt-in, got %d", messages.Load())
	}

	cfg, _ := f.settings.Get(ctx)
	cfg.TelegramNotifyOnFinish = true
	f.settings.Put(ctx, cfg)

	f.dispatcher.AutoTriggerOnFinish(ctx, job)
	if messages.Load() != 1 {
		t.Fatalf("expected one chat notification after opt-in, got %d", messages.Load())
	}
}

func TestPing(t *testing.T) {
	ctx := context.Background()

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer webhook.Close()
	telegram := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bottok/getMe" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer telegram.Close()

	f := newFixture(t, telegram.URL)
	f.settings.Put(ctx, models.IntegrationConfig{
		EnableN8N:        true,
		N8NWebhookURL:    webhook.URL,
		EnableTelegram:   true,
		TelegramBotToken: "tok",
		TelegramChatID:   "42",
	})

	got := f.dispatcher.Ping(ctx)
	if !got[models.IntegrationN8N] || !got[models.IntegrationTelegram] {
		t.Fatalf("expected both checks to pass: %+v", got)
	}
}
