// Package api is the operator HTTP surface of the worker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/service"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

type StatusReader interface {
	GetCurrentStatus(ctx context.Context, accountID string, jobType models.JobType) (*service.StatusView, error)
}

type Scheduler interface {
	ScheduleFullSync(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error)
	ScheduleIncrementalSync(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error)
	ScheduleFolderSync(ctx context.Context, accountID, folderPath string, fromScratch bool, delay time.Duration) (*models.Job, error)
	ScheduleAutoDelete(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error)
	ScheduleMboxImport(ctx context.Context, accountID, filePath string) (*models.Job, error)
}

type SettingsUpdater interface {
	Update(ctx context.Context, accountID string, update service.SettingsUpdate) (*models.AccountSettings, error)
}

type FailureLister interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.FailedMessage, error)
}

// Server wires HTTP handlers for operators and the frontend.
type Server struct {
	store     jobs.Store
	status    StatusReader
	scheduler Scheduler
	settings  SettingsUpdater
	failures  FailureLister
}

func New(store jobs.Store, status StatusReader, scheduler Scheduler, settings SettingsUpdater, failures FailureLister) *Server {
	return &Server{
		store:     store,
		status:    status,
		scheduler: scheduler,
		settings:  settings,
		failures:  failures,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/status/{jobType}", s.handleStatus)
		r.Get("/failed-messages", s.handleFailedMessages)
		r.Post("/sync", s.handleSync)
		r.Post("/folders/sync", s.handleFolderSync)
		r.Post("/auto-delete", s.handleAutoDelete)
		r.Post("/imports", s.handleImport)
		r.Put("/settings", s.handleSettings)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobType := models.JobType(chi.URLParam(r, "jobType"))
	if !jobType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job type")
		return
	}
	view, err := s.status.GetCurrentStatus(r.Context(), chi.URLParam(r, "id"), jobType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFailedMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := s.failures.ListByAccount(r.Context(), chi.URLParam(r, "id"), jobs.NormalizeLimit(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.FailedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_messages": list})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	var (
		list []models.Job
		err  error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "active":
		list, err = s.store.ListActive(r.Context(), limit)
	case "", "pending":
		list, err = s.store.ListPending(r.Context(), limit)
	case "failed":
		list, err = s.store.ListFailed(r.Context(), limit)
	default:
		writeError(w, http.StatusBadRequest, "state must be active, pending or failed")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reschedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type syncRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decode(w, r, &req) {
		return
	}
	accountID := chi.URLParam(r, "id")

	var (
		job *models.Job
		err error
	)
	switch req.Type {
	case "full":
		job, err = s.scheduler.ScheduleFullSync(r.Context(), accountID, 0)
	case "", "incremental":
		job, err = s.scheduler.ScheduleIncrementalSync(r.Context(), accountID, 0)
	default:
		writeError(w, http.StatusBadRequest, "type must be full or incremental")
		return
	}
	writeScheduled(w, job, err)
}

type folderSyncRequest struct {
	FolderPath  string `json:"folder_path"`
	FromScratch bool   `json:"from_scratch"`
}

func (s *Server) handleFolderSync(w http.ResponseWriter, r *http.Request) {
	var req folderSyncRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FolderPath == "" {
		writeError(w, http.StatusBadRequest, "folder_path is required")
		return
	}
	job, err := s.scheduler.ScheduleFolderSync(r.Context(), chi.URLParam(r, "id"), req.FolderPath, req.FromScratch, 0)
	writeScheduled(w, job, err)
}

func (s *Server) handleAutoDelete(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.ScheduleAutoDelete(r.Context(), chi.URLParam(r, "id"), 0)
	writeScheduled(w, job, err)
}

type importRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	job, err := s.scheduler.ScheduleMboxImport(r.Context(), chi.URLParam(r, "id"), req.FilePath)
	writeScheduled(w, job, err)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req service.SettingsUpdate
	if !decode(w, r, &req) {
		return
	}
	settings, err := s.settings.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSettings) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return 0, false
	}
	return n, true
}

// decode treats an empty body as an empty request
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeScheduled(w http.ResponseWriter, job *models.Job, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrJobLocked):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
