// Package api exposes the producer and inspection surface over HTTP.
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
	"go.uber.org/zap"

	"github.com/SirClappington/itemq/internal/domain"
	"github.com/SirClappington/itemq/internal/queue"
	"github.com/SirClappington/itemq/internal/storage"
)

// maxEnqueueBody caps POST /v1/jobs request bodies.
const maxEnqueueBody = 64 << 10

type Server struct {
	store  storage.Store
	notify queue.Notifier
	log    *zap.Logger
}

func New(store storage.Store, notify queue.Notifier, log *zap.Logger) *Server {
	if notify == nil {
		notify = queue.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, notify: notify, log: log.Named("api")}
}

func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(s.requestLog)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	rtr.Handle("/metrics", promhttp.Handler())

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/jobs", s.enqueue)
		rtr.Get("/jobs", s.list)
		rtr.Get("/jobs/{id}", s.get)
		rtr.Get("/stats", s.stats)
	})
	return rtr
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var nj domain.NewJob
	r.Body = http.MaxBytesReader(w, r.Body, maxEnqueueBody)
	if err := json.NewDecoder(r.Body).Decode(&nj); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if nj.ItemID == "" || nj.Type == "" {
		writeError(w, http.StatusBadRequest, "item_id and type are required")
		return
	}

	job, err := s.store.Enqueue(r.Context(), nj)
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if err := s.notify.WakeAt(r.Context(), job.ID, job.RunAfter); err != nil {
		s.log.Warn("wakeup not published", zap.String("job_id", job.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		State: domain.State(q.Get("state")),
		Type:  domain.Type(q.Get("type")),
	}
	if f.State != "" && !f.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	jobs, err := s.store.List(r.Context(), f)
	if err != nil {
		s.log.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.log.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
