package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/apperr"
	"agent-ingest/internal/models"
	"agent-ingest/internal/telemetry"
)

// Store is the authoritative job record keeper. Jobs live in Redis hashes so
// the API and worker processes share one view; every mutation goes through a
// Lua script that validates the state machine and appends the matching event
// in the same atomic step. Mutations on different jobs never contend.
type Store struct {
	client      *redis.Client
	recentLimit int64
	logger      *slog.Logger
}

// New builds a store around an existing Redis client. recentLimit bounds the
// jobs:recent listing window.
func New(client *redis.Client, recentLimit int, logger *slog.Logger) *Store {
	if recentLimit <= 0 {
		recentLimit = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, recentLimit: int64(recentLimit), logger: logger}
}

func jobKey(id string) string    { return "job:" + id }
func eventsKey(id string) string { return "job:" + id + ":events" }

// ChannelFor names the pub/sub channel carrying live events for a job.
func ChannelFor(id string) string { return "jobstream:" + id }

const recentKey = "jobs:recent"

// legal predecessors per target state; queued is only ever set at create.
var legalFrom = map[string][]string{
	models.StatusRunning:   {models.StatusQueued},
	models.StatusFinished:  {models.StatusRunning},
	models.StatusFailed:    {models.StatusQueued, models.StatusRunning},
	models.StatusCancelled: {models.StatusQueued, models.StatusRunning},
}

// Create registers a new job in queued state and appends event 0.
func (s *Store) Create(ctx context.Context, sourceURL string) (models.Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return models.Job{}, apperr.InvalidInput("source url is required")
	}
	u, err := url.Parse(sourceURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.Job{}, apperr.Newf(apperr.CodeInvalidInput, "invalid source url %q", sourceURL)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	ev := models.Event{JobID: id, Status: models.StatusQueued, TS: now}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal queued event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"source", sourceURL,
		"status", models.StatusQueued,
		"enqueued_at", now.Format(time.RFC3339Nano),
		"cancel_requested", "0",
	)
	pipe.LPush(ctx, recentKey, id)
	pipe.LTrim(ctx, recentKey, 0, s.recentLimit-1)
	pipe.RPush(ctx, eventsKey(id), evJSON)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, apperr.Wrap(err, apperr.CodeInternal, "create job")
	}
	s.publish(ctx, id, ev)

	return models.Job{
		ID:         id,
		SourceURL:  sourceURL,
		Status:     models.StatusQueued,
		EnqueuedAt: now,
	}, nil
}

// transitionScript validates the current state against the allowed
// predecessor set, applies the new state plus its timestamp/result/error
// fields, and appends the event, all in one atomic evaluation.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {'not_found', '', -1}
end
if string.find(ARGV[2], ','..cur..',', 1, true) == nil then
  return {'illegal', cur, -1}
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], ARGV[4], ARGV[3])
end
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'result', ARGV[5])
end
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'error', ARGV[6])
end
local n = redis.call('RPUSH', KEYS[2], ARGV[7])
return {'ok', cur, n - 1}
`)

// Transition moves a job to newState. For finished the result payload is
// recorded; for failed the error message is. Illegal moves fail with
// invalid_transition and leave the record untouched.
func (s *Store) Transition(ctx context.Context, id, newState string, result map[string]any, errMsg string) (models.Event, error) {
	allowed, ok := legalFrom[newState]
	if !ok {
		return models.Event{}, apperr.Newf(apperr.CodeInvalidTransition, "unknown target state %q", newState)
	}
	switch newState {
	case models.StatusFinished:
		if errMsg != "" {
			return models.Event{}, apperr.InvalidTransition("finished transition cannot carry an error")
		}
		if result == nil {
			result = map[string]any{}
		}
	case models.StatusFailed:
		if errMsg == "" {
			return models.Event{}, apperr.InvalidTransition("failed transition requires an error")
		}
		result = nil
	default:
		result = nil
		errMsg = ""
	}

	now := time.Now().UTC()
	tsField := ""
	switch {
	case newState == models.StatusRunning:
		tsField = "started_at"
	case models.IsTerminal(newState):
		tsField = "ended_at"
	}

	ev := models.Event{JobID: id, Status: newState, TS: now, Result: result}
	if errMsg != "" {
		ev.Error = &errMsg
	}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}

	resultJSON := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return models.Event{}, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(b)
	}

	code, cur, seq, err := s.runMutation(ctx, transitionScript,
		[]string{jobKey(id), eventsKey(id)},
		newState,
		","+strings.Join(allowed, ",")+",",
		now.Format(time.RFC3339Nano),
		tsField,
		resultJSON,
		errMsg,
		string(evJSON),
	)
	if err != nil {
		return models.Event{}, apperr.Wrap(err, apperr.CodeInternal, "transition job")
	}
	switch code {
	case "not_found":
		return models.Event{}, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	case "illegal":
		err := apperr.Newf(apperr.CodeInvalidTransition, "job %s: %s -> %s is not a legal transition", id, cur, newState)
		s.logger.Error("invalid job transition", "job_id", id, "from", cur, "to", newState)
		return models.Event{}, err
	}
	ev.Seq = seq
	s.publish(ctx, id, ev)
	return ev, nil
}

// cancelScript stamps the status it observes into the event itself, so the
// recorded snapshot can never race a concurrent transition.
var cancelScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {'not_found', '', -1}
end
if cur == 'finished' or cur == 'failed' or cur == 'cancelled' then
  return {'terminal', cur, -1}
end
redis.call('HSET', KEYS[1], 'cancel_requested', '1')
local ev = cjson.decode(ARGV[1])
ev['status'] = cur
local n = redis.call('RPUSH', KEYS[2], cjson.encode(ev))
return {'ok', cur, n - 1}
`)

// RequestCancel flips the cooperative cancel flag and records the request as
// an event. The worker decides at its own checkpoints when to honor it.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	ev := models.Event{
		JobID:   id,
		TS:      time.Now().UTC(),
		Payload: map[string]any{"cancel_requested": true},
	}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal cancel event: %w", err)
	}

	code, cur, seq, err := s.runMutation(ctx, cancelScript,
		[]string{jobKey(id), eventsKey(id)}, string(evJSON))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "request cancel")
	}
	switch code {
	case "not_found":
		return apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	case "terminal":
		return apperr.Newf(apperr.CodeAlreadyTerminal, "job %s already terminal", id)
	}
	ev.Status = cur
	ev.Seq = seq
	s.publish(ctx, id, ev)
	return nil
}

// progressScript stamps the observed status into the event, same as
// cancelScript.
var progressScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {'not_found', '', -1}
end
local ev = cjson.decode(ARGV[1])
ev['status'] = cur
local n = redis.call('RPUSH', KEYS[2], cjson.encode(ev))
return {'ok', cur, n - 1}
`)

// AppendProgress records a free-form progress event without changing state.
func (s *Store) AppendProgress(ctx context.Context, id string, payload map[string]any) error {
	ev := models.Event{JobID: id, TS: time.Now().UTC(), Payload: payload}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	code, cur, seq, err := s.runMutation(ctx, progressScript,
		[]string{jobKey(id), eventsKey(id)}, string(evJSON))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "append progress")
	}
	if code == "not_found" {
		return apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	ev.Status = cur
	ev.Seq = seq
	s.publish(ctx, id, ev)
	return nil
}

// Get returns the current job record.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, apperr.Wrap(err, apperr.CodeInternal, "read job")
	}
	if len(fields) == 0 {
		return models.Job{}, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	return parseJob(id, fields)
}

// List returns up to limit job summaries, newest submission first.
func (s *Store) List(ctx context.Context, limit int) ([]models.Summary, error) {
	if limit <= 0 || int64(limit) > s.recentLimit {
		limit = int(s.recentLimit)
	}
	ids, err := s.client.LRange(ctx, recentKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list jobs")
	}
	out := make([]models.Summary, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		job, err := parseJob(id, fields)
		if err != nil {
			continue
		}
		out = append(out, models.Summary{
			ID:         job.ID,
			SourceURL:  job.SourceURL,
			Status:     job.Status,
			EnqueuedAt: job.EnqueuedAt,
			EndedAt:    job.EndedAt,
		})
	}
	return out, nil
}

// Events replays the event log for a job starting at fromSeq.
func (s *Store) Events(ctx context.Context, id string, fromSeq int64) ([]models.Event, error) {
	exists, err := s.client.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "check job")
	}
	if exists == 0 {
		return nil, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	raw, err := s.client.LRange(ctx, eventsKey(id), fromSeq, -1).Result()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "read events")
	}
	events := make([]models.Event, 0, len(raw))
	for i, entry := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", i, err)
		}
		ev.Seq = fromSeq + int64(i)
		events = append(events, ev)
	}
	return events, nil
}

// runMutation executes a mutation script and decodes its {code, prev, seq}
// reply.
func (s *Store) runMutation(ctx context.Context, script *redis.Script, keys []string, args ...any) (string, string, int64, error) {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return "", "", -1, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return "", "", -1, fmt.Errorf("unexpected script reply: %#v", res)
	}
	code, _ := arr[0].(string)
	prev, _ := arr[1].(string)
	var seq int64 = -1
	switch v := arr[2].(type) {
	case int64:
		seq = v
	case string:
		fmt.Sscanf(v, "%d", &seq)
	}
	return code, prev, seq, nil
}

func (s *Store) publish(ctx context.Context, id string, ev models.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, ChannelFor(id), b).Err(); err != nil {
		s.logger.Warn("publish job event", "job_id", id, "seq", ev.Seq, "error", err)
	}
	telemetry.EventsPublished.Inc()
}

func parseJob(id string, fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:              id,
		SourceURL:       fields["source"],
		Status:          fields["status"],
		CancelRequested: fields["cancel_requested"] == "1",
	}
	var err error
	if job.EnqueuedAt, err = time.Parse(time.RFC3339Nano, fields["enqueued_at"]); err != nil {
		return models.Job{}, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if v := fields["started_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if v := fields["ended_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return models.Job{}, fmt.Errorf("parse ended_at: %w", err)
		}
		job.EndedAt = &t
	}
	if v := fields["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("parse result: %w", err)
		}
	}
	if v := fields["error"]; v != "" {
		msg := v
		job.Error = &msg
	}
	return job, nil
}
