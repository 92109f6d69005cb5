package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/service"
)

type fakeStatus struct{}

func (fakeStatus) GetCurrentStatus(_ context.Context, accountID string, jobType models.JobType) (*service.StatusView, error) {
	return &service.StatusView{AccountID: accountID, JobType: jobType, Status: models.StatusNeverRun}, nil
}

type fakeSettings struct {
	updates []service.SettingsUpdate
}

func (f *fakeSettings) Update(_ context.Context, accountID string, update service.SettingsUpdate) (*models.AccountSettings, error) {
	if update.AutoDeleteMode != nil && !update.AutoDeleteMode.Valid() {
		return nil, fmt.Errorf("%w: bad mode", service.ErrInvalidSettings)
	}
	f.updates = append(f.updates, update)
	settings := models.DefaultSettings(accountID)
	if update.AutoDeleteMode != nil {
		settings.AutoDeleteMode = *update.AutoDeleteMode
	}
	return settings, nil
}

type fakeFailures struct {
	limit int
}

func (f *fakeFailures) ListByAccount(_ context.Context, accountID string, limit int) ([]models.FailedMessage, error) {
	f.limit = limit
	if accountID != "acct-1" {
		return nil, nil
	}
	return []models.FailedMessage{{AccountID: accountID, MessageID: "m1", Attempts: 2}}, nil
}

func newTestServer() (*Server, *jobs.MemoryStore, *fakeSettings) {
	store := jobs.NewMemoryStore()
	settings := &fakeSettings{}
	return New(store, fakeStatus{}, service.NewScheduler(store, 5), settings, &fakeFailures{}), store, settings
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer()
	rec := do(t, srv.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	rec := do(t, router, http.MethodGet, "/accounts/acc-1/status/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view service.StatusView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.AccountID != "acc-1" || view.Status != models.StatusNeverRun {
		t.Errorf("unexpected view %+v", view)
	}

	if rec := do(t, router, http.MethodGet, "/accounts/acc-1/status/payments", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown job type, got %d", rec.Code)
	}
}

func TestSchedulingEndpoints(t *testing.T) {
	srv, store, _ := newTestServer()
	router := srv.Router()

	tests := []struct {
		path     string
		body     string
		taskType models.TaskType
	}{
		{path: "/accounts/acc-1/sync", body: `{"type":"full"}`, taskType: models.TaskFullSync},
		{path: "/accounts/acc-1/sync", body: ``, taskType: models.TaskIncrementalSync},
		{path: "/accounts/acc-1/folders/sync", body: `{"folder_path":"INBOX","from_scratch":true}`, taskType: models.TaskFolderSync},
		{path: "/accounts/acc-1/auto-delete", body: ``, taskType: models.TaskAutoDelete},
		{path: "/accounts/acc-1/imports", body: `{"file_path":"/data/a.mbox"}`, taskType: models.TaskMboxImport},
	}
	for _, tt := range tests {
		rec := do(t, router, http.MethodPost, tt.path, tt.body)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d %s", tt.path, rec.Code, rec.Body.String())
		}
		var job models.Job
		if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if job.TaskType != tt.taskType || job.AccountID != "acc-1" {
			t.Errorf("%s: unexpected job %+v", tt.path, job)
		}
	}

	if n := len(store.All()); n != len(tests) {
		t.Errorf("expected %d jobs, got %d", len(tests), n)
	}

	bad := []struct{ path, body string }{
		{"/accounts/acc-1/sync", `{"type":"partial"}`},
		{"/accounts/acc-1/sync", `{not json`},
		{"/accounts/acc-1/folders/sync", `{}`},
		{"/accounts/acc-1/imports", `{}`},
	}
	for _, b := range bad {
		if rec := do(t, router, http.MethodPost, b.path, b.body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: expected 400, got %d", b.path, b.body, rec.Code)
		}
	}
}

func TestListRetryCancel(t *testing.T) {
	srv, store, _ := newTestServer()
	router := srv.Router()
	ctx := context.Background()

	job, err := store.Enqueue(ctx, models.TaskAutoDelete, models.AutoDeletePayload{AccountID: "acc-1"}, jobs.EnqueueOptions{AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := do(t, router, http.MethodGet, "/jobs?state=pending&limit=10", "")
	var body struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || len(body.Jobs) != 1 {
		t.Fatalf("expected one pending job, got %v %v", body.Jobs, err)
	}

	if rec := do(t, router, http.MethodPost, "/jobs/"+job.ID+"/cancel", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected cancel 200, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/jobs?state=failed", "")
	if !strings.Contains(rec.Body.String(), jobs.CancelledError) {
		t.Errorf("expected cancelled job in failed listing, got %s", rec.Body.String())
	}

	if rec := do(t, router, http.MethodPost, "/jobs/"+job.ID+"/retry", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected retry 200, got %d", rec.Code)
	}
	stored, _ := store.Get(job.ID)
	if stored.IsFailed() || stored.Attempts != 0 {
		t.Errorf("expected rescheduled job, got %+v", stored)
	}

	if _, err := store.LeaseNext(ctx, "w1", nil); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if rec := do(t, router, http.MethodPost, "/jobs/"+job.ID+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for leased job, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/jobs?state=active", ""); !strings.Contains(rec.Body.String(), job.ID) {
		t.Errorf("expected leased job in active listing, got %s", rec.Body.String())
	}
	if rec := do(t, router, http.MethodPost, "/jobs/missing/retry", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/jobs?state=done", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", rec.Code)
	}
}

func TestUpdateSettings(t *testing.T) {
	srv, _, settings := newTestServer()
	router := srv.Router()

	rec := do(t, router, http.MethodPut, "/accounts/acc-1/settings", `{"auto_delete_mode":"dry-run","delete_age_months":6}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if len(settings.updates) != 1 || *settings.updates[0].DeleteAgeMonths != 6 {
		t.Errorf("unexpected updates %+v", settings.updates)
	}

	rec = do(t, router, http.MethodPut, "/accounts/acc-1/settings", `{"auto_delete_mode":"sometimes"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid settings, got %d", rec.Code)
	}
}

func TestFailedMessages(t *testing.T) {
	srv, _, _ := newTestServer()
	failures := srv.failures.(*fakeFailures)

	rec := do(t, srv.Router(), http.MethodGet, "/accounts/acct-1/failed-messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		FailedMessages []models.FailedMessage `json:"failed_messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.FailedMessages) != 1 || body.FailedMessages[0].MessageID != "m1" {
		t.Errorf("unexpected body %+v", body)
	}
	if failures.limit != jobs.NormalizeLimit(0) {
		t.Errorf("expected default limit, got %d", failures.limit)
	}

	rec = do(t, srv.Router(), http.MethodGet, "/accounts/other/failed-messages", "")
	if !strings.Contains(rec.Body.String(), `"failed_messages":[]`) {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}

	rec = do(t, srv.Router(), http.MethodGet, "/accounts/acct-1/failed-messages?limit=x", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
