package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"agent-ingest/internal/apperr"
	"agent-ingest/internal/archive"
	"agent-ingest/internal/config"
	"agent-ingest/internal/dispatch"
	"agent-ingest/internal/events"
	"agent-ingest/internal/models"
	"agent-ingest/internal/queue"
	"agent-ingest/internal/ratelimit"
	"agent-ingest/internal/settings"
	"agent-ingest/internal/store"
	"agent-ingest/internal/telemetry"
)

// Server wires the HTTP handlers of the ingest dashboard API.
type Server struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.Queue
	bus        *events.Bus
	settings   settings.Provider
	dispatcher *dispatch.Dispatcher
	arch       *archive.Archive
	limiter    *ratelimit.TokenBucket
	logger     *slog.Logger
}

// New constructs the API server. arch may be nil when the Postgres archive
// is not configured; the archive routes then answer 404.
func New(cfg config.Config, st *store.Store, q *queue.Queue, bus *events.Bus, sp settings.Provider, d *dispatch.Dispatcher, arch *archive.Archive, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		bus:        bus,
		settings:   sp,
		dispatcher: d,
		arch:       arch,
		limiter:    limiter,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	submitRate := ratelimit.Rate{Capacity: s.cfg.RateLimitCapacity, PerSec: s.cfg.RateLimitRefill}

	r.Route("/jobs", func(r chi.Router) {
		r.With(s.limit("submit", submitRate)).Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/stream", s.handleStream)
		r.Post("/{id}/cancel", s.handleCancel)
		r.With(s.limit("trigger", ratelimit.PerMinute(30))).
			Post("/{id}/trigger/{integration}", s.handleTrigger)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
	})

	r.With(s.limit("ping", ratelimit.PerMinute(10))).
		Post("/integrations/ping", s.handlePing)

	r.Route("/archive", func(r chi.Router) {
		r.Get("/", s.handleArchiveList)
		r.Get("/{id}", s.handleArchiveGet)
	})

	return r
}

// limit builds a per-route-group rate limiting middleware keyed by caller IP.
func (s *Server) limit(group string, rate ratelimit.Rate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := fmt.Sprintf("%s:%s", group, clientIP(r))
			allowed, _, err := s.limiter.Allow(r.Context(), key, rate)
			if err != nil {
				s.logger.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, apperr.New(apperr.CodeQueueSaturated, "rate limited, slow down"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type submitRequest struct {
	URL             string `json:"url"`
	RightsConfirmed bool   `json:"rights_confirmed"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InvalidInput("invalid json body"))
		return
	}
	if s.cfg.RequireRightsConfirm && !req.RightsConfirmed {
		writeError(w, apperr.InvalidInput("rights_confirmed must be true: process only owned/licensed/CC content"))
		return
	}

	job, err := s.store.Create(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		// The job record exists but never reached the queue; park it in
		// failed so it does not dangle in queued forever.
		reason := "enqueue failed: " + err.Error()
		if _, terr := s.store.Transition(r.Context(), job.ID, models.StatusFailed, nil, reason); terr != nil {
			s.logger.Error("mark unqueued job failed", "job_id", job.ID, "error", terr)
		}
		if apperr.IsQueueSaturated(err) {
			telemetry.QueueSaturations.Inc()
		}
		writeError(w, err)
		return
	}

	telemetry.JobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.RecentJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperr.InvalidInput("limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}
	jobs, err := s.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleStream serves the job's ordered event sequence over SSE: a full
// replay from sequence 0, then live events until the terminal one, with
// periodic comment pings to keep intermediaries from closing the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, err := s.bus.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	telemetry.StreamSubscribers.Inc()
	defer telemetry.StreamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	pingPeriod := s.cfg.StreamPingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 15 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal stream event", "job_id", ev.JobID, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	integration := chi.URLParam(r, "integration")
	res, err := s.dispatcher.Trigger(r.Context(), id, integration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var cfg models.IntegrationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, apperr.InvalidInput("invalid json body"))
		return
	}
	if err := s.settings.Put(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.settings.Get(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Ping(r.Context()))
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if s.arch == nil {
		writeError(w, apperr.NotFound("archive not configured"))
		return
	}
	rows, err := s.arch.Recent(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": rows})
}

func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if s.arch == nil {
		writeError(w, apperr.NotFound("archive not configured"))
		return
	}
	row, found, err := s.arch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, apperr.NotFound("archived job not found"))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidInput, apperr.CodeNotConfigured:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition, apperr.CodeAlreadyTerminal:
		return http.StatusConflict
	case apperr.CodeQueueSaturated:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.GetCode(err)
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	writeJSON(w, statusFor(code), map[string]any{"error": errorBody{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
