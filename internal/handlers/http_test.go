package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfield/capture-engine/internal/audit"
	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/executor"
	"github.com/lexfield/capture-engine/internal/rawstore"
	"github.com/lexfield/capture-engine/internal/registry"
)

type fakeRunner struct {
	mu      sync.Mutex
	submits []executor.Request
	runs    int
	ran     chan struct{}

	submitErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ran: make(chan struct{}, 1)}
}

func (f *fakeRunner) Submit(ctx context.Context, req executor.Request) (*database.CaptureJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, req)
	return &database.CaptureJob{
		ID:          uuid.New(),
		CaptureType: req.CaptureType,
		Status:      database.JobPending,
		TargetCode:  req.TargetCode,
	}, nil
}

func (f *fakeRunner) Run(ctx context.Context, job *database.CaptureJob, req executor.Request) (*database.CaptureJob, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	select {
	case f.ran <- struct{}{}:
	default:
	}
	return job, nil
}

type fakeJobs struct {
	byID map[uuid.UUID]*database.CaptureJob
	list []*database.CaptureJob

	lastFilter database.JobFilter
}

func (f *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*database.CaptureJob, error) {
	job, ok := f.byID[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(ctx context.Context, filter database.JobFilter) ([]*database.CaptureJob, int, error) {
	f.lastFilter = filter
	return f.list, len(f.list), nil
}

type fakePayloadReader struct {
	byID map[uuid.UUID]*rawstore.RawPayload
}

func (f *fakePayloadReader) Get(ctx context.Context, id uuid.UUID) (*rawstore.RawPayload, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, rawstore.ErrPayloadNotFound
	}
	return p, nil
}

type fakeAuditor struct {
	scopedTo *int64
	report   *audit.Report
}

func (f *fakeAuditor) DetectInconsistencies(ctx context.Context, caseID *int64) (*audit.Report, error) {
	f.scopedTo = caseID
	if f.report != nil {
		return f.report, nil
	}
	return &audit.Report{GeneratedAt: time.Now().UTC(), CaseID: caseID, Findings: []audit.Finding{}}, nil
}

func testHandlers(runner *fakeRunner, jobs *fakeJobs, payloads *fakePayloadReader, auditor *fakeAuditor) *mux.Router {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	if jobs == nil {
		jobs = &fakeJobs{byID: map[uuid.UUID]*database.CaptureJob{}}
	}
	if payloads == nil {
		payloads = &fakePayloadReader{byID: map[uuid.UUID]*rawstore.RawPayload{}}
	}
	if auditor == nil {
		auditor = &fakeAuditor{}
	}

	h := NewHTTPHandlers(runner, jobs, payloads, auditor,
		func(ctx context.Context) error { return nil }, logger)

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func TestTriggerCapture_Accepted(t *testing.T) {
	runner := newFakeRunner()
	router := testHandlers(runner, nil, nil, nil)

	body := `{
		"tipo_captura": "acervo_geral",
		"tribunal": "TRT3",
		"grau": "primeiro_grau",
		"credencial_ids": [1],
		"advogado_id": 42
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/captures", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "pending", resp["status"])

	require.Len(t, runner.submits, 1)
	assert.Equal(t, database.CaptureGeneralDocket, runner.submits[0].CaptureType)
	assert.Equal(t, registry.TRT3, runner.submits[0].TargetCode)
	assert.Equal(t, int64(1), runner.submits[0].CredentialID)

	select {
	case <-runner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("capture run was never started")
	}
}

func TestTriggerCapture_RequiresCredentials(t *testing.T) {
	runner := newFakeRunner()
	router := testHandlers(runner, nil, nil, nil)

	body := `{"tipo_captura": "acervo_geral", "tribunal": "TRT3", "grau": "primeiro_grau", "advogado_id": 42}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/captures", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.submits)
}

func TestTriggerCapture_InvalidBody(t *testing.T) {
	router := testHandlers(newFakeRunner(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/captures", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCapture(t *testing.T) {
	jobID := uuid.New()
	jobs := &fakeJobs{byID: map[uuid.UUID]*database.CaptureJob{
		jobID: {ID: jobID, CaptureType: database.CaptureParties, Status: database.JobCompleted},
	}}
	router := testHandlers(newFakeRunner(), jobs, nil, nil)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/"+jobID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var job database.CaptureJob
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		assert.Equal(t, jobID, job.ID)
		assert.Equal(t, database.JobCompleted, job.Status)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/"+uuid.NewString(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/captures/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListCaptures_Filter(t *testing.T) {
	jobs := &fakeJobs{
		byID: map[uuid.UUID]*database.CaptureJob{},
		list: []*database.CaptureJob{{ID: uuid.New(), CaptureType: database.CaptureParties}},
	}
	router := testHandlers(newFakeRunner(), jobs, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/captures?tipo_captura=partes&status=completed&advogado_id=42&page=2&per_page=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, database.CaptureParties, jobs.lastFilter.CaptureType)
	assert.Equal(t, database.JobCompleted, jobs.lastFilter.Status)
	assert.Equal(t, int64(42), jobs.lastFilter.RepresentativeID)
	assert.Equal(t, 2, jobs.lastFilter.Page)
	assert.Equal(t, 10, jobs.lastFilter.PerPage)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["total"])
}

func TestGetPayload(t *testing.T) {
	payloadID := uuid.New()
	payloads := &fakePayloadReader{byID: map[uuid.UUID]*rawstore.RawPayload{
		payloadID: {
			ID:          payloadID,
			CaptureType: database.CaptureParties,
			TargetCode:  registry.TRT3,
			Body:        json.RawMessage(`{"ATIVO": []}`),
		},
	}}
	router := testHandlers(newFakeRunner(), nil, payloads, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payloads/"+payloadID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload rawstore.RawPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, payloadID, payload.ID)
	assert.JSONEq(t, `{"ATIVO": []}`, string(payload.Body))
}

func TestGetPayload_NotFound(t *testing.T) {
	router := testHandlers(newFakeRunner(), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payloads/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCaseInconsistencies_ScopesAuditor(t *testing.T) {
	auditor := &fakeAuditor{}
	router := testHandlers(newFakeRunner(), nil, nil, auditor)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases/77/inconsistencies", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, auditor.scopedTo)
	assert.Equal(t, int64(77), *auditor.scopedTo)
}

func TestHealthEndpoints(t *testing.T) {
	router := testHandlers(newFakeRunner(), nil, nil, nil)

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestReadinessCheck_Unavailable(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	h := NewHTTPHandlers(newFakeRunner(), &fakeJobs{byID: map[uuid.UUID]*database.CaptureJob{}},
		&fakePayloadReader{byID: map[uuid.UUID]*rawstore.RawPayload{}}, &fakeAuditor{},
		func(ctx context.Context) error { return fmt.Errorf("connection refused") }, logger)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
