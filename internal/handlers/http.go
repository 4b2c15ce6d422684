package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/audit"
	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/executor"
	"github.com/lexfield/capture-engine/internal/rawstore"
	"github.com/lexfield/capture-engine/internal/registry"
)

// CaptureRunner submits and drives capture jobs.
type CaptureRunner interface {
	Submit(ctx context.Context, req executor.Request) (*database.CaptureJob, error)
	Run(ctx context.Context, job *database.CaptureJob, req executor.Request) (*database.CaptureJob, error)
}

// JobReader reads the capture job ledger.
type JobReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*database.CaptureJob, error)
	List(ctx context.Context, filter database.JobFilter) ([]*database.CaptureJob, int, error)
}

// PayloadReader exports raw payloads.
type PayloadReader interface {
	Get(ctx context.Context, id uuid.UUID) (*rawstore.RawPayload, error)
}

// InconsistencyDetector runs the consistency audit.
type InconsistencyDetector interface {
	DetectInconsistencies(ctx context.Context, caseID *int64) (*audit.Report, error)
}

// HTTPHandlers holds the HTTP route handlers.
type HTTPHandlers struct {
	runner   CaptureRunner
	jobs     JobReader
	payloads PayloadReader
	auditor  InconsistencyDetector
	ready    func(ctx context.Context) error
	logger   *logrus.Logger
}

// CaptureRequest is the body of a job trigger.
type CaptureRequest struct {
	CaptureType      database.CaptureType   `json:"tipo_captura"`
	TargetCode       registry.TribunalCode  `json:"tribunal"`
	InstanceLevel    registry.InstanceLevel `json:"grau"`
	CredentialIDs    []int64                `json:"credencial_ids"`
	RepresentativeID int64                  `json:"advogado_id"`
	CaseIDs          []int64                `json:"case_ids,omitempty"`
	MaxCases         int                    `json:"max_cases,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var startTime = time.Now()

func NewHTTPHandlers(
	runner CaptureRunner,
	jobs JobReader,
	payloads PayloadReader,
	auditor InconsistencyDetector,
	ready func(ctx context.Context) error,
	logger *logrus.Logger,
) *HTTPHandlers {
	return &HTTPHandlers{
		runner:   runner,
		jobs:     jobs,
		payloads: payloads,
		auditor:  auditor,
		ready:    ready,
		logger:   logger,
	}
}

// RegisterRoutes registers HTTP routes.
func (h *HTTPHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/captures", h.TriggerCapture).Methods("POST")
	router.HandleFunc("/api/v1/captures/{job_id}", h.GetCapture).Methods("GET")
	router.HandleFunc("/api/v1/captures", h.ListCaptures).Methods("GET")
	router.HandleFunc("/api/v1/payloads/{payload_id}", h.GetPayload).Methods("GET")
	router.HandleFunc("/api/v1/cases/{case_id}/inconsistencies", h.CaseInconsistencies).Methods("GET")
	router.HandleFunc("/api/v1/inconsistencies", h.AllInconsistencies).Methods("GET")

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/health/ready", h.ReadinessCheck).Methods("GET")
	router.HandleFunc("/health/live", h.LivenessCheck).Methods("GET")
}

// TriggerCapture submits a capture job and runs it in the background.
func (h *HTTPHandlers) TriggerCapture(w http.ResponseWriter, r *http.Request) {
	var body CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, http.StatusBadRequest, "INVALID_BODY", "Failed to parse request body", err)
		return
	}
	if len(body.CredentialIDs) == 0 {
		h.sendError(w, http.StatusBadRequest, "MISSING_CREDENTIALS", "At least one credential id is required", nil)
		return
	}
	if body.RepresentativeID == 0 {
		h.sendError(w, http.StatusBadRequest, "MISSING_REPRESENTATIVE", "advogado_id is required", nil)
		return
	}

	req := executor.Request{
		CaptureType:      body.CaptureType,
		TargetCode:       body.TargetCode,
		InstanceLevel:    body.InstanceLevel,
		CredentialID:     body.CredentialIDs[0],
		RepresentativeID: body.RepresentativeID,
		CaseIDs:          body.CaseIDs,
		MaxCases:         body.MaxCases,
	}

	job, err := h.runner.Submit(r.Context(), req)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to submit capture job", err)
		return
	}

	// The run outlives the request; its outcome lands in the ledger.
	go func() {
		if _, err := h.runner.Run(context.Background(), job, req); err != nil {
			h.logger.WithError(err).WithField("job_id", job.ID).Error("Capture run could not update the ledger")
		}
	}()

	h.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"capture_type": job.CaptureType,
		"target_code":  job.TargetCode,
	}).Info("Capture job accepted")

	h.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID.String(),
		"status": job.Status,
	})
}

// GetCapture returns one ledger row.
func (h *HTTPHandlers) GetCapture(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(mux.Vars(r)["job_id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", err)
		return
	}

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			h.sendError(w, http.StatusNotFound, "JOB_NOT_FOUND", "Capture job not found", err)
			return
		}
		h.sendError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load capture job", err)
		return
	}

	h.sendJSON(w, http.StatusOK, job)
}

// ListCaptures returns a filtered page of the ledger, newest first.
func (h *HTTPHandlers) ListCaptures(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := database.JobFilter{
		CaptureType: database.CaptureType(query.Get("tipo_captura")),
		Status:      database.JobStatus(query.Get("status")),
		Page:        parseIntParam(query.Get("page"), 1),
		PerPage:     parseIntParam(query.Get("per_page"), 20),
	}
	if v := query.Get("advogado_id"); v != "" {
		filter.RepresentativeID = int64(parseIntParam(v, 0))
	}
	if v := query.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &ts
		}
	}
	if v := query.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &ts
		}
	}

	jobs, total, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list capture jobs", err)
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":     jobs,
		"total":    total,
		"page":     filter.Page,
		"per_page": filter.PerPage,
	})
}

// GetPayload exports one raw payload.
func (h *HTTPHandlers) GetPayload(w http.ResponseWriter, r *http.Request) {
	payloadID, err := uuid.Parse(mux.Vars(r)["payload_id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "INVALID_PAYLOAD_ID", "Invalid payload ID format", err)
		return
	}

	payload, err := h.payloads.Get(r.Context(), payloadID)
	if err != nil {
		if errors.Is(err, rawstore.ErrPayloadNotFound) {
			h.sendError(w, http.StatusNotFound, "PAYLOAD_NOT_FOUND", "Raw payload not found", err)
			return
		}
		h.sendError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load raw payload", err)
		return
	}

	h.sendJSON(w, http.StatusOK, payload)
}

// CaseInconsistencies runs the auditor scoped to one case.
func (h *HTTPHandlers) CaseInconsistencies(w http.ResponseWriter, r *http.Request) {
	caseID, err := strconv.ParseInt(mux.Vars(r)["case_id"], 10, 64)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "INVALID_CASE_ID", "Invalid case ID format", err)
		return
	}

	report, err := h.auditor.DetectInconsistencies(r.Context(), &caseID)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Consistency audit failed", err)
		return
	}

	h.sendJSON(w, http.StatusOK, report)
}

// AllInconsistencies runs the auditor over the whole dataset.
func (h *HTTPHandlers) AllInconsistencies(w http.ResponseWriter, r *http.Request) {
	report, err := h.auditor.DetectInconsistencies(r.Context(), nil)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Consistency audit failed", err)
		return
	}

	h.sendJSON(w, http.StatusOK, report)
}

// HealthCheck reports overall service health.
func (h *HTTPHandlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	services := map[string]string{"database": "healthy"}

	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			status = "degraded"
			services["database"] = "unhealthy"
		}
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"services":  services,
		"uptime":    time.Since(startTime).String(),
	})
}

// ReadinessCheck reports whether dependencies are reachable.
func (h *HTTPHandlers) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.sendError(w, http.StatusServiceUnavailable, "NOT_READY", "Dependencies unavailable", err)
			return
		}
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

// LivenessCheck reports that the process is alive.
func (h *HTTPHandlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

func parseIntParam(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func (h *HTTPHandlers) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *HTTPHandlers) sendError(w http.ResponseWriter, statusCode int, code, message string, err error) {
	h.logger.WithFields(logrus.Fields{
		"status_code": statusCode,
		"code":        code,
	}).WithError(err).Error(message)

	h.sendJSON(w, statusCode, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	})
}
