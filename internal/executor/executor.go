// Package executor orchestrates one capture job end to end: ledger row,
// configuration validation, authenticated fetch under the retry policy, raw
// payload persistence and, for parties captures, synchronous reconciliation.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/events"
	"github.com/lexfield/capture-engine/internal/fetcher"
	"github.com/lexfield/capture-engine/internal/metrics"
	"github.com/lexfield/capture-engine/internal/rawstore"
	"github.com/lexfield/capture-engine/internal/reconcile"
	"github.com/lexfield/capture-engine/internal/registry"
	"github.com/lexfield/capture-engine/internal/retry"
	"github.com/lexfield/capture-engine/internal/vault"
)

// Request describes one capture job to run.
type Request struct {
	CaptureType      database.CaptureType   `json:"tipo_captura"`
	TargetCode       registry.TribunalCode  `json:"tribunal"`
	InstanceLevel    registry.InstanceLevel `json:"grau"`
	CredentialID     int64                  `json:"credencial_id"`
	RepresentativeID int64                  `json:"advogado_id"`
	Filters          fetcher.Filters        `json:"filters,omitempty"`
	// CaseIDs restricts a parties capture to specific cases. Empty means
	// every case of the target and level still awaiting a parties capture.
	CaseIDs  []int64 `json:"case_ids,omitempty"`
	MaxCases int     `json:"max_cases,omitempty"`
}

// DocketResult summarizes a docket-style capture (acervo_geral, arquivados,
// audiencias, pendentes).
type DocketResult struct {
	TotalRecords  int         `json:"total_registros"`
	CasesImported int         `json:"processos_importados"`
	Errors        []string    `json:"erros"`
	ErrorCount    int         `json:"erros_count"`
	RawPayloadIDs []uuid.UUID `json:"raw_payload_ids"`
	DurationMS    int64       `json:"duracao_ms"`
}

// PartiesResult summarizes a parties capture across its cases.
type PartiesResult struct {
	TotalCases       int                    `json:"total_processos"`
	TotalParties     int                    `json:"total_partes"`
	Clients          int                    `json:"clientes"`
	OpposingParties  int                    `json:"partes_contrarias"`
	ThirdParties     int                    `json:"terceiros"`
	Representatives  int                    `json:"representantes"`
	Links            int                    `json:"vinculos"`
	Errors           []reconcile.PartyError `json:"erros"`
	ErrorCount       int                    `json:"erros_count"`
	RawPayloadIDs    []uuid.UUID            `json:"raw_payload_ids"`
	RawStoreFailures int                    `json:"raw_store_failures"`
	DurationMS       int64                  `json:"duracao_ms"`
}

// Ledger is the slice of the job repository the executor drives.
type Ledger interface {
	Create(ctx context.Context, job *database.CaptureJob) error
	Start(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}

// TargetResolver validates a (target, instance level) pair before any
// network activity.
type TargetResolver interface {
	Validate(ctx context.Context, code registry.TribunalCode, level registry.InstanceLevel) (registry.TargetConfig, error)
}

// CredentialSource resolves credential ids into opened credentials.
type CredentialSource interface {
	Get(ctx context.Context, id int64) (*vault.Credential, error)
}

// PayloadStore persists raw capture responses.
type PayloadStore interface {
	Save(ctx context.Context, p *rawstore.RawPayload) error
}

// CaseStore is the slice of the case repository docket and parties captures
// need.
type CaseStore interface {
	Upsert(ctx context.Context, c *database.Case) error
	GetByID(ctx context.Context, id int64) (*database.Case, error)
	ListPendingParties(ctx context.Context, code registry.TribunalCode, level registry.InstanceLevel, limit int) ([]*database.Case, error)
	MarkPartiesCaptured(ctx context.Context, caseID int64) error
}

// Reconciler applies one case's parties against the entity graph.
type Reconciler interface {
	ReconcileCase(ctx context.Context, scope reconcile.Scope, caseRow *database.Case, parties []reconcile.RawParty, rep reconcile.Representative, idx *reconcile.EntityIndex) *reconcile.CaseOutcome
}

// EntityLister feeds the in-memory index a parties run resolves against.
type EntityLister interface {
	ListEntities(ctx context.Context, entityType database.EntityType) ([]*database.Entity, error)
	ListCrossReferences(ctx context.Context) ([]*database.CrossReference, error)
}

// Deps wires the executor's collaborators. Metrics and Emitter are optional.
type Deps struct {
	Jobs       Ledger
	Registry   TargetResolver
	Vault      CredentialSource
	Capability fetcher.Capability
	Payloads   PayloadStore
	Cases      CaseStore
	Engine     Reconciler
	Entities   EntityLister
	Policy     retry.Policy
	Logger     *logrus.Logger
	Metrics    *metrics.Collector
	Emitter    *events.Emitter
}

// Executor runs capture jobs. Stateless and reentrant; serializing jobs that
// share a target and credential is the caller's concern.
type Executor struct {
	deps Deps
}

func New(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Policy.MaxAttempts == 0 {
		deps.Policy = retry.DefaultPolicy
	}
	return &Executor{deps: deps}
}

// Submit validates the request shape and creates the pending ledger row.
// The job is not started; Run (or Execute) drives it to a terminal state.
func (e *Executor) Submit(ctx context.Context, req Request) (*database.CaptureJob, error) {
	if !req.CaptureType.IsValid() {
		return nil, fmt.Errorf("unknown capture type: %s", req.CaptureType)
	}

	job := &database.CaptureJob{
		CaptureType:      req.CaptureType,
		TargetCode:       req.TargetCode,
		InstanceLevel:    req.InstanceLevel,
		RepresentativeID: req.RepresentativeID,
		CredentialIDs:    []int64{req.CredentialID},
	}
	if err := e.deps.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Execute runs one capture job to a terminal state. The returned job carries
// the final status; an error return means the ledger itself could not be
// driven, not that the capture failed.
func (e *Executor) Execute(ctx context.Context, req Request) (*database.CaptureJob, error) {
	job, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, job, req)
}

// Run drives a submitted job to completed or failed.
func (e *Executor) Run(ctx context.Context, job *database.CaptureJob, req Request) (*database.CaptureJob, error) {
	log := e.deps.Logger.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"capture_type":   job.CaptureType,
		"target_code":    job.TargetCode,
		"instance_level": job.InstanceLevel,
	})

	// Configuration validation happens before any network call; a config
	// error fails the job straight from pending.
	target, err := e.deps.Registry.Validate(ctx, req.TargetCode, req.InstanceLevel)
	if err != nil {
		return e.failJob(ctx, job, fmt.Errorf("target validation failed: %w", err))
	}

	cred, err := e.deps.Vault.Get(ctx, req.CredentialID)
	if err != nil {
		return e.failJob(ctx, job, fmt.Errorf("credential lookup failed: %w", err))
	}
	if !cred.Active {
		return e.failJob(ctx, job, fmt.Errorf("credential %d: %w", cred.ID, vault.ErrCredentialInactive))
	}
	if cred.TargetCode != req.TargetCode {
		return e.failJob(ctx, job, fmt.Errorf("credential %d is scoped to %s, not %s", cred.ID, cred.TargetCode, req.TargetCode))
	}

	if err := e.deps.Jobs.Start(ctx, job.ID); err != nil {
		return nil, err
	}
	job.Status = database.JobInProgress
	started := time.Now()

	if e.deps.Metrics != nil {
		e.deps.Metrics.JobStarted(string(job.CaptureType), string(job.TargetCode))
	}
	e.emitTransition(job)
	log.Info("Capture job started")

	sess, err := retryObserved(e, ctx, "authenticate", string(job.TargetCode), func(ctx context.Context) (*fetcher.Session, error) {
		return e.deps.Capability.Authenticate(ctx, cred, target, req.InstanceLevel)
	})
	if err != nil {
		return e.finishFailed(ctx, job, started, fmt.Errorf("authentication failed: %w", err))
	}

	var result interface{}
	switch req.CaptureType {
	case database.CaptureParties:
		result, err = e.executeParties(ctx, job, target, sess, cred, req)
	default:
		result, err = e.executeDocket(ctx, job, sess, req)
	}
	if err != nil {
		return e.finishFailed(ctx, job, started, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return e.finishFailed(ctx, job, started, fmt.Errorf("failed to serialize result: %w", err))
	}
	if err := e.deps.Jobs.Complete(ctx, job.ID, raw); err != nil {
		return nil, err
	}
	job.Status = database.JobCompleted
	job.Result = raw

	if e.deps.Metrics != nil {
		e.deps.Metrics.JobCompleted(string(job.CaptureType), string(job.TargetCode), time.Since(started))
	}
	e.emitTransition(job)
	log.WithField("duration", time.Since(started)).Info("Capture job completed")

	return job, nil
}

func (e *Executor) executeDocket(ctx context.Context, job *database.CaptureJob, sess *fetcher.Session, req Request) (*DocketResult, error) {
	started := time.Now()

	operation, fetch := e.docketFetch(req.CaptureType)
	body, err := retryObserved(e, ctx, operation, string(job.TargetCode), func(ctx context.Context) (fetcher.RawBody, error) {
		return fetch(ctx, sess, req.Filters)
	})
	if err != nil {
		return nil, fmt.Errorf("%s fetch failed: %w", operation, err)
	}

	payload := &rawstore.RawPayload{
		JobID:         &job.ID,
		CaptureType:   job.CaptureType,
		TargetCode:    job.TargetCode,
		InstanceLevel: job.InstanceLevel,
		Body:          json.RawMessage(body),
		RequestContext: rawstore.RequestContext{
			CredentialID: req.CredentialID,
		},
	}
	if err := e.deps.Payloads.Save(ctx, payload); err != nil {
		return nil, fmt.Errorf("failed to persist raw payload: %w", err)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.PayloadStored(len(body))
	}

	records, err := parseDocket(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docket payload: %w", err)
	}

	result := &DocketResult{
		TotalRecords:  len(records),
		Errors:        []string{},
		RawPayloadIDs: []uuid.UUID{payload.ID},
	}

	// Docket records feed the acervo so parties captures know what to walk.
	// Hearing and deadline captures only archive the raw response.
	if req.CaptureType == database.CaptureGeneralDocket || req.CaptureType == database.CaptureArchived {
		for _, rec := range records {
			c := &database.Case{
				ExternalID:    rec.ExternalID,
				CaseNumber:    rec.CaseNumber,
				TargetCode:    job.TargetCode,
				InstanceLevel: job.InstanceLevel,
				JudicialClass: rec.JudicialClass,
				CourtBody:     rec.CourtBody,
				Archived:      req.CaptureType == database.CaptureArchived,
			}
			if err := e.deps.Cases.Upsert(ctx, c); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("case %s: %v", rec.CaseNumber, err))
				continue
			}
			result.CasesImported++
		}
	}

	result.ErrorCount = len(result.Errors)
	result.DurationMS = time.Since(started).Milliseconds()
	return result, nil
}

func (e *Executor) executeParties(
	ctx context.Context,
	job *database.CaptureJob,
	target registry.TargetConfig,
	sess *fetcher.Session,
	cred *vault.Credential,
	req Request,
) (*PartiesResult, error) {
	started := time.Now()

	cases, err := e.resolveCases(ctx, req)
	if err != nil {
		return nil, err
	}

	idx, err := reconcile.LoadIndex(ctx, e.deps.Entities)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity index: %w", err)
	}

	scope := reconcile.Scope{
		ExternalSystem: target.System,
		TargetCode:     job.TargetCode,
		InstanceLevel:  job.InstanceLevel,
	}
	rep := reconcile.Representative{
		ID:       req.RepresentativeID,
		Document: reconcile.NormalizeDocument(cred.Document),
	}

	result := &PartiesResult{
		Errors:        []reconcile.PartyError{},
		RawPayloadIDs: []uuid.UUID{},
	}

	for _, c := range cases {
		ref := fetcher.CaseRef{ExternalID: c.ExternalID, CaseNumber: c.CaseNumber}

		body, err := retryObserved(e, ctx, "fetch_parties", string(job.TargetCode), func(ctx context.Context) (fetcher.RawBody, error) {
			return e.deps.Capability.FetchParties(ctx, sess, ref)
		})
		if err != nil {
			result.Errors = append(result.Errors, reconcile.PartyError{
				CaseID:     c.ID,
				CaseNumber: c.CaseNumber,
				Error:      fmt.Sprintf("parties fetch failed: %v", err),
			})
			continue
		}

		payload := &rawstore.RawPayload{
			JobID:         &job.ID,
			CaptureType:   job.CaptureType,
			TargetCode:    job.TargetCode,
			InstanceLevel: job.InstanceLevel,
			Body:          json.RawMessage(body),
			RequestContext: rawstore.RequestContext{
				CaseNumber:     c.CaseNumber,
				ExternalCaseID: c.ExternalID,
				CredentialID:   req.CredentialID,
			},
		}
		if err := e.deps.Payloads.Save(ctx, payload); err != nil {
			// The reconciliation still runs; the payload is lost for replay
			// but the normalized graph stays correct.
			e.deps.Logger.WithError(err).WithField("case", c.CaseNumber).Error("Failed to persist raw payload")
			result.RawStoreFailures++
		} else {
			result.RawPayloadIDs = append(result.RawPayloadIDs, payload.ID)
			if e.deps.Metrics != nil {
				e.deps.Metrics.PayloadStored(len(body))
			}
		}

		parties, err := reconcile.ParseParties(body)
		if err != nil {
			result.Errors = append(result.Errors, reconcile.PartyError{
				CaseID:     c.ID,
				CaseNumber: c.CaseNumber,
				Error:      fmt.Sprintf("failed to parse parties payload: %v", err),
			})
			continue
		}

		outcome := e.deps.Engine.ReconcileCase(ctx, scope, c, parties, rep, idx)
		result.TotalCases++
		result.TotalParties += outcome.Parties
		result.Clients += outcome.Clients
		result.OpposingParties += outcome.OpposingParties
		result.ThirdParties += outcome.ThirdParties
		result.Representatives += outcome.Representatives
		result.Links += outcome.Links
		result.Errors = append(result.Errors, outcome.Errors...)

		if e.deps.Metrics != nil {
			e.deps.Metrics.CaseReconciled()
			for range outcome.Errors {
				e.deps.Metrics.PartyError()
			}
		}

		if err := e.deps.Cases.MarkPartiesCaptured(ctx, c.ID); err != nil {
			result.Errors = append(result.Errors, reconcile.PartyError{
				CaseID:     c.ID,
				CaseNumber: c.CaseNumber,
				Error:      fmt.Sprintf("failed to mark parties captured: %v", err),
			})
		}

		if e.deps.Emitter != nil {
			if err := e.deps.Emitter.ReconciliationSummary(job.ID.String(), c.ID, c.CaseNumber, outcome.Parties, outcome.Created, outcome.Matched); err != nil {
				e.deps.Logger.WithError(err).Warn("Failed to publish reconciliation event")
			}
		}
	}

	result.ErrorCount = len(result.Errors)
	result.DurationMS = time.Since(started).Milliseconds()
	return result, nil
}

func (e *Executor) resolveCases(ctx context.Context, req Request) ([]*database.Case, error) {
	if len(req.CaseIDs) > 0 {
		cases := make([]*database.Case, 0, len(req.CaseIDs))
		for _, id := range req.CaseIDs {
			c, err := e.deps.Cases.GetByID(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("case %d: %w", id, err)
			}
			cases = append(cases, c)
		}
		return cases, nil
	}
	return e.deps.Cases.ListPendingParties(ctx, req.TargetCode, req.InstanceLevel, req.MaxCases)
}

type docketFetchFn func(ctx context.Context, sess *fetcher.Session, filters fetcher.Filters) (fetcher.RawBody, error)

func (e *Executor) docketFetch(captureType database.CaptureType) (string, docketFetchFn) {
	switch captureType {
	case database.CaptureArchived:
		return "fetch_archived", e.deps.Capability.FetchArchived
	case database.CaptureHearings:
		return "fetch_hearings", e.deps.Capability.FetchHearings
	case database.CapturePending:
		return "fetch_pending", e.deps.Capability.FetchPending
	default:
		return "fetch_cases", e.deps.Capability.FetchCases
	}
}

// retryObserved runs op under the policy and records retried attempts.
func retryObserved[T any](e *Executor, ctx context.Context, name, targetCode string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := 0
	result, err := retry.Do(ctx, e.deps.Logger, e.deps.Policy, name, func(ctx context.Context) (T, error) {
		attempts++
		return op(ctx)
	})
	if e.deps.Metrics != nil {
		for i := 1; i < attempts; i++ {
			e.deps.Metrics.FetchRetried(targetCode)
		}
	}
	return result, err
}

func (e *Executor) failJob(ctx context.Context, job *database.CaptureJob, cause error) (*database.CaptureJob, error) {
	e.deps.Logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"capture_type": job.CaptureType,
		"target_code":  job.TargetCode,
	}).WithError(cause).Error("Capture job failed")

	if err := e.deps.Jobs.Fail(ctx, job.ID, cause.Error()); err != nil {
		return nil, err
	}
	job.Status = database.JobFailed
	msg := cause.Error()
	job.Error = &msg

	if e.deps.Emitter != nil {
		if err := e.deps.Emitter.JobError(job.ID.String(), string(job.CaptureType), string(job.TargetCode), msg); err != nil {
			e.deps.Logger.WithError(err).Warn("Failed to publish job error event")
		}
	}
	return job, nil
}

func (e *Executor) finishFailed(ctx context.Context, job *database.CaptureJob, started time.Time, cause error) (*database.CaptureJob, error) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.JobFailed(string(job.CaptureType), string(job.TargetCode), time.Since(started))
	}
	return e.failJob(ctx, job, cause)
}

func (e *Executor) emitTransition(job *database.CaptureJob) {
	if e.deps.Emitter == nil {
		return
	}
	err := e.deps.Emitter.JobTransition(job.ID.String(), string(job.CaptureType),
		string(job.TargetCode), string(job.InstanceLevel), string(job.Status))
	if err != nil {
		e.deps.Logger.WithError(err).Warn("Failed to publish job transition event")
	}
}

// docketRecord is the slice of one docket row the engine keeps. Source
// systems wrap their lists differently; parseDocket accepts a bare array or
// the common envelope keys.
type docketRecord struct {
	ExternalID    int64  `json:"id"`
	CaseNumber    string `json:"numeroProcesso"`
	JudicialClass string `json:"classeJudicial"`
	CourtBody     string `json:"orgaoJulgador"`
}

func parseDocket(body fetcher.RawBody) ([]docketRecord, error) {
	var records []docketRecord
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var envelope struct {
		Resultado []docketRecord `json:"resultado"`
		Content   []docketRecord `json:"content"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Resultado != nil {
		return envelope.Resultado, nil
	}
	return envelope.Content, nil
}
