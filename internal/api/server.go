package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"scrape-coordinator/internal/auth"
	"scrape-coordinator/internal/callback"
	"scrape-coordinator/internal/chunk"
	"scrape-coordinator/internal/config"
	"scrape-coordinator/internal/models"
	"scrape-coordinator/internal/ratelimit"
	"scrape-coordinator/internal/realtime"
	"scrape-coordinator/internal/store"
	"scrape-coordinator/internal/telemetry"
)

// Server wires HTTP handlers for the coordinator API.
type Server struct {
	cfg       config.Config
	store     *store.Store
	gate      *auth.Gate
	processor *callback.Processor
	limiter   *ratelimit.TokenBucket
	publisher callback.EventPublisher
	ws        http.Handler
	logger    *zap.Logger
}

// New constructs the API server. ws may be nil when the fan-out is disabled.
func New(cfg config.Config, st *store.Store, gate *auth.Gate, proc *callback.Processor, limiter *ratelimit.TokenBucket, publisher callback.EventPublisher, ws http.Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		gate:      gate,
		processor: proc,
		limiter:   limiter,
		publisher: publisher,
		ws:        ws,
		logger:    logger,
	}
}

type ctxKey int

const identityKey ctxKey = 0

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Runner surface: every route passes the identity gate.
		r.Group(func(r chi.Router) {
			r.Use(s.runnerAuth)
			r.With(s.runnerRateLimit).Post("/callback", s.handleCallback)
			r.With(s.runnerRateLimit).Post("/poll", s.handlePoll)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/chunks/{id}/claim", s.handleChunkClaim)
			r.Post("/chunks/{id}/renew", s.handleChunkRenew)
			r.Post("/chunks/{id}/release", s.handleChunkRelease)
		})

		// Admin and observer surface.
		r.With(s.adminAuth).Post("/jobs", s.handleCreateJob)
		r.With(s.adminAuth).Post("/runners/register", s.handleRegisterRunner)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/chunks", s.handleListChunks)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Get("/test-runs/{id}", s.handleGetTestRun)
	})

	return r
}

func (s *Server) runnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gate.Authenticate(r.Context(), r.Header.Get("X-API-Key"), r.Header.Get("Authorization"))
		if err != nil {
			telemetry.CallbacksRejected.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func (s *Server) runnerRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, err := s.limiter.AllowRunner(r.Context(), identityFrom(r).RunnerName)
			if err != nil {
				s.logger.Warn("rate limiter unavailable", zap.Error(err))
			} else if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" {
			token := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey).(auth.Identity)
	return identity
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	payload, err := s.processor.Decode(raw)
	if err != nil {
		telemetry.CallbacksRejected.WithLabelValues("bad_payload").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.processor.Process(r.Context(), identityFrom(r), payload, raw)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

type pollRequest struct {
	RunnerName string `json:"runner_name,omitempty"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	name := identityFrom(r).RunnerName
	if name == "" {
		name = req.RunnerName
	}

	if err := s.store.UpdateRunnerPresence(r.Context(), name, models.RunnerPolling, nil, nil); err != nil {
		s.logger.Warn("runner presence update failed", zap.String("runner", name), zap.Error(err))
	}

	job, err := s.store.ClaimNextJob(r.Context(), name, s.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeDomainError(w, err)
		return
	}
	telemetry.JobsClaimed.Inc()

	// A reclaimed retry gets a fresh generation of chunk rows; earlier
	// generations stay in place with their result and error history.
	if job.AttemptCount > 1 {
		if _, err := s.store.InsertChunks(r.Context(), job.ID, job.AttemptCount, chunk.Partition(job.SKUs, s.cfg.ChunkSize)); err != nil {
			s.logger.Warn("chunk fan-out for retry failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	s.publishJob(r.Context(), job)
	writeJSON(w, http.StatusOK, map[string]any{
		"job":              job,
		"lease_token":      job.LeaseToken,
		"lease_expires_at": job.LeaseExpires,
	})
}

type heartbeatRequest struct {
	JobID      string `json:"job_id"`
	LeaseToken string `json:"lease_token"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := s.store.GetJob(r.Context(), req.JobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	name := identityFrom(r).RunnerName
	if job.RunnerName == nil || *job.RunnerName != name {
		writeError(w, http.StatusConflict, "job is not owned by this runner")
		return
	}
	if job.Status != models.StatusRunning {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}

	expires, err := s.store.ExtendJobLease(r.Context(), req.JobID, req.LeaseToken, s.cfg.LeaseDuration)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "lease_expires_at": expires})
}

type createJobRequest struct {
	SKUs        []string          `json:"skus"`
	Scrapers    []string          `json:"scrapers"`
	TestMode    bool              `json:"test_mode"`
	MaxAttempts int               `json:"max_attempts"`
	ChunkSize   int               `json:"chunk_size"`
	SKUTypes    map[string]string `json:"sku_types,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.SKUs) == 0 {
		writeError(w, http.StatusBadRequest, "skus are required")
		return
	}
	if len(req.Scrapers) == 0 {
		writeError(w, http.StatusBadRequest, "scrapers are required")
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.cfg.ChunkSize
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	var run models.TestRun
	if req.TestMode {
		skus := make([]models.TestSKU, 0, len(req.SKUs))
		for _, sku := range req.SKUs {
			typ := req.SKUTypes[sku]
			if typ == "" {
				typ = "golden"
			}
			skus = append(skus, models.TestSKU{SKU: sku, Type: typ})
		}
		var err error
		run, err = s.store.CreateTestRun(r.Context(), req.Scrapers[0], skus)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		req.Metadata["test_run_id"] = run.ID
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		SKUs:        req.SKUs,
		Scrapers:    req.Scrapers,
		MaxAttempts: req.MaxAttempts,
		TestMode:    req.TestMode,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	chunks, err := s.store.InsertChunks(r.Context(), job.ID, job.AttemptCount, chunk.Partition(req.SKUs, req.ChunkSize))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.publishInserted(r.Context(), realtime.JobRoom(job.ID), job)
	if req.TestMode {
		s.publishInserted(r.Context(), realtime.TestRoom(run.ID), run)
	}

	resp := map[string]any{"job": job, "chunks": chunks}
	if req.TestMode {
		resp["test_run"] = run
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type chunkView struct {
	models.Chunk
	Status string `json:"status"`
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	chunks, err := s.store.ListChunks(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	done, failed, err := s.store.ChunkFacts(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	now := time.Now()
	views := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		facts := chunk.Facts{HasResult: done[c.ChunkIndex], HasError: failed[c.ChunkIndex]}
		views = append(views, chunkView{Chunk: c, Status: chunk.DeriveStatus(c, facts, now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": views})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.CancelJob(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if job, err := s.store.GetJob(r.Context(), id); err == nil {
		s.publishJob(r.Context(), job)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

type chunkLeaseRequest struct {
	LeaseToken string `json:"lease_token"`
}

func (s *Server) handleChunkClaim(w http.ResponseWriter, r *http.Request) {
	lease, err := s.store.ClaimChunk(r.Context(), chi.URLParam(r, "id"), identityFrom(r).RunnerName, s.cfg.LeaseDuration)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	telemetry.ChunksClaimed.Inc()
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleChunkRenew(w http.ResponseWriter, r *http.Request) {
	var req chunkLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeaseToken == "" {
		writeError(w, http.StatusBadRequest, "lease_token is required")
		return
	}
	lease, err := s.store.RenewChunkLease(r.Context(), chi.URLParam(r, "id"), req.LeaseToken, s.cfg.LeaseDuration)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleChunkRelease(w http.ResponseWriter, r *http.Request) {
	var req chunkLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeaseToken == "" {
		writeError(w, http.StatusBadRequest, "lease_token is required")
		return
	}
	if err := s.store.ReleaseChunkLease(r.Context(), chi.URLParam(r, "id"), req.LeaseToken); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetTestRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type registerRunnerRequest struct {
	Name string `json:"name"`
}

// handleRegisterRunner mints a runner credential. The plaintext key is
// returned exactly once; only its hash is stored.
func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	runner, err := s.store.RegisterRunner(r.Context(), req.Name, hash, prefix)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"runner": runner, "api_key": key})
}

func (s *Server) publishJob(ctx context.Context, job models.Job) {
	s.publishEvent(ctx, realtime.JobRoom(job.ID), realtime.KindUpdated, job)
}

func (s *Server) publishInserted(ctx context.Context, room string, entity any) {
	s.publishEvent(ctx, room, realtime.KindInserted, entity)
}

func (s *Server) publishEvent(ctx context.Context, room, kind string, entity any) {
	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, realtime.Event{Room: room, Kind: kind, Entity: body}); err != nil {
		telemetry.SideEffectFailures.Inc()
		s.logger.Warn("delta publish failed", zap.String("room", room), zap.Error(err))
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrLeaseConflict), errors.Is(err, store.ErrNotClaimable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, callback.ErrBadPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
