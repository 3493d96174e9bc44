package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/sheetsync/internal/domain"
)

type stubService struct {
	runErr     error
	runFailed  bool
	history    []domain.SyncRunLog
	gotLimit   int
	recoverErr error
	gotBy      string
	audits     []domain.DeletionAudit
	forgotten  []string
}

func (s *stubService) RunSync(ctx context.Context, scope string, trigger domain.Trigger) (domain.SyncRunLog, error) {
	if s.runErr != nil && !s.runFailed {
		return domain.SyncRunLog{}, s.runErr
	}
	run := domain.NewSyncRunLog(scope, trigger, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	run.Status = domain.RunStatusSuccess
	run.Counts.Added = 2
	if s.runFailed {
		run.Status = domain.RunStatusError
	}
	return run, s.runErr
}

func (s *stubService) RunHistory(ctx context.Context, scope string, limit int) ([]domain.SyncRunLog, error) {
	s.gotLimit = limit
	if scope != "sites" {
		return nil, domain.ErrUnknownScope
	}
	return s.history, nil
}

func (s *stubService) RecoverRecord(ctx context.Context, businessKey string, recoveredBy string) (domain.StoredRecord, error) {
	s.gotBy = recoveredBy
	if s.recoverErr != nil {
		return domain.StoredRecord{}, s.recoverErr
	}
	return domain.StoredRecord{BusinessKey: businessKey, Scope: "sites", Version: 3}, nil
}

func (s *stubService) DeletionAudits(ctx context.Context, scope string, limit int) ([]domain.DeletionAudit, error) {
	s.gotLimit = limit
	if scope != "sites" {
		return nil, domain.ErrUnknownScope
	}
	return s.audits, nil
}

func (s *stubService) ForgetDeletion(ctx context.Context, businessKey string) error {
	if businessKey == "missing" {
		return domain.ErrRecordNotFound
	}
	s.forgotten = append(s.forgotten, businessKey)
	return nil
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunSyncEndpoint(t *testing.T) {
	h := NewHandler(&stubService{}, Options{})
	rec := serve(t, h, http.MethodPost, "/api/scopes/sites/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var run domain.SyncRunLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "sites", run.Scope)
	assert.Equal(t, domain.TriggerManual, run.Trigger)
	assert.Equal(t, 2, run.Counts.Added)
}

func TestRunSyncErrorMapping(t *testing.T) {
	busy := NewHandler(&stubService{runErr: domain.ErrRunInProgress}, Options{})
	assert.Equal(t, http.StatusConflict, serve(t, busy, http.MethodPost, "/api/scopes/sites/sync", "").Code)

	unknown := NewHandler(&stubService{runErr: domain.ErrUnknownScope}, Options{})
	assert.Equal(t, http.StatusNotFound, serve(t, unknown, http.MethodPost, "/api/scopes/x/sync", "").Code)

	failed := NewHandler(&stubService{runErr: &domain.TransportError{Component: "datastore", Err: errors.New("down")}, runFailed: true}, Options{})
	rec := serve(t, failed, http.MethodPost, "/api/scopes/sites/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var run domain.SyncRunLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusError, run.Status)
}

func TestRunHistoryEndpoint(t *testing.T) {
	svc := &stubService{history: []domain.SyncRunLog{{Scope: "sites", Status: domain.RunStatusSuccess}}}
	h := NewHandler(svc, Options{})

	rec := serve(t, h, http.MethodGet, "/api/scopes/sites/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.gotLimit)

	serve(t, h, http.MethodGet, "/api/scopes/sites/runs", "")
	assert.Equal(t, defaultHistoryLimit, svc.gotLimit)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodGet, "/api/scopes/sites/runs?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/api/scopes/other/runs", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodDelete, "/api/scopes/sites/runs", "").Code)
}

func TestRecoverEndpoint(t *testing.T) {
	svc := &stubService{}
	h := NewHandler(svc, Options{})

	rec := serve(t, h, http.MethodPost, "/api/records/K-1/recover", `{"recovered_by":"ops@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops@example.com", svc.gotBy)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/api/records/K-1/recover", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodPost, "/api/records/K-1/recover", "{").Code)

	svc.recoverErr = &domain.NotRecoverableError{BusinessKey: "K-1", Reason: "already recovered"}
	assert.Equal(t, http.StatusConflict, serve(t, h, http.MethodPost, "/api/records/K-1/recover", `{"recovered_by":"x"}`).Code)

	svc.recoverErr = domain.ErrRecordNotFound
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodPost, "/api/records/K-1/recover", `{"recovered_by":"x"}`).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := NewHandler(&stubService{}, Options{})
	assert.Equal(t, http.StatusOK, serve(t, healthy, http.MethodGet, "/healthz", "").Code)

	down := NewHandler(&stubService{}, Options{Health: func(ctx context.Context) error { return errors.New("no db") }})
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, down, http.MethodGet, "/healthz", "").Code)

	rec := serve(t, healthy, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(&stubService{}, Options{AllowedOrigins: []string{"http://localhost:3000"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/scopes/sites/sync", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDeletionAuditEndpoints(t *testing.T) {
	svc := &stubService{audits: []domain.DeletionAudit{{
		BusinessKey: "K2",
		Scope:       "sites",
		DeletedBy:   "sync:sites",
		Reason:      "absent from source",
		CanRecover:  true,
	}}}
	h := NewHandler(svc, Options{})

	rec := serve(t, h, http.MethodGet, "/api/scopes/sites/deletions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var audits []domain.DeletionAudit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audits))
	require.Len(t, audits, 1)
	assert.Equal(t, "K2", audits[0].BusinessKey)
	assert.Equal(t, 5, svc.gotLimit)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodGet, "/api/scopes/sites/deletions?limit=x", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/api/scopes/other/deletions", "").Code)

	assert.Equal(t, http.StatusNoContent, serve(t, h, http.MethodDelete, "/api/records/K2/audit", "").Code)
	assert.Equal(t, []string{"K2"}, svc.forgotten)
	assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodDelete, "/api/records/missing/audit", "").Code)
}
