package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relayq/internal/controller"
	"relayq/internal/domain"
	"relayq/internal/metrics"
	"relayq/internal/queue"
)

// Server is the operational surface: health, queue stats, prometheus
// metrics, and a task admission endpoint that honors backpressure.
type Server struct {
	r    *chi.Mux
	q    *queue.Queue
	ctrl *controller.Controller
}

func NewServer(q *queue.Queue, ctrl *controller.Controller, met *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, q: q, ctrl: ctrl}

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Handle("/metrics", promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{}))
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/{id}", s.getTask)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.q.Stats(r.Context(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"queue":      qs,
		"controller": s.ctrl.GetCurrentMetrics(),
	})
}

type submitReq struct {
	PartitionKey string   `json:"partition_key"`
	Payload      []string `json:"payload"`
	Priority     *int     `json:"priority"`
}

type submitResp struct {
	ID int64 `json:"id"`
}

// submitTask rejects early on backpressure (503) before the capacity
// ceiling turns enqueues into hard failures (429).
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.PartitionKey == "" {
		http.Error(w, "partition_key is required", 400)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", 400)
		return
	}
	prio := domain.PriorityNormal
	if req.Priority != nil {
		p := domain.Priority(*req.Priority)
		if p < domain.PriorityCritical || p > domain.PriorityLow {
			http.Error(w, "priority out of range", 400)
			return
		}
		prio = p
	}
	if s.ctrl.GetCurrentMetrics().IsBackpressure {
		http.Error(w, "queue under backpressure, retry later", http.StatusServiceUnavailable)
		return
	}
	id, err := s.q.Enqueue(r.Context(), req.PartitionKey, req.Payload, prio)
	if err != nil {
		if errors.Is(err, queue.ErrCapacityExceeded) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	t, err := s.q.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	resp := map[string]any{
		"id":            t.ID,
		"partition_key": t.PartitionKey,
		"status":        t.Status,
		"priority":      t.Priority.String(),
		"retry_count":   t.RetryCount,
		"max_retries":   t.MaxRetries,
		"created_at":    t.CreatedAt.Format(time.RFC3339),
	}
	if t.ErrorMessage != "" {
		resp["error_message"] = t.ErrorMessage
	}
	if t.ProcessedAt != nil {
		resp["processed_at"] = t.ProcessedAt.Format(time.RFC3339)
	}
	writeJSON(w, 200, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
