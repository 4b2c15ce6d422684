package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/fetcher"
	"github.com/lexfield/capture-engine/internal/rawstore"
	"github.com/lexfield/capture-engine/internal/reconcile"
	"github.com/lexfield/capture-engine/internal/registry"
	"github.com/lexfield/capture-engine/internal/retry"
	"github.com/lexfield/capture-engine/internal/vault"
)

// fakeLedger keeps the job ledger in memory and enforces the same forward-only
// guards as the SQL layer.
type fakeLedger struct {
	jobs map[uuid.UUID]*database.CaptureJob
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{jobs: map[uuid.UUID]*database.CaptureJob{}}
}

func (l *fakeLedger) Create(ctx context.Context, job *database.CaptureJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = database.JobPending
	stored := *job
	l.jobs[job.ID] = &stored
	return nil
}

func (l *fakeLedger) Start(ctx context.Context, id uuid.UUID) error {
	job, ok := l.jobs[id]
	if !ok || job.Status != database.JobPending {
		return database.ErrInvalidTransition
	}
	job.Status = database.JobInProgress
	now := time.Now().UTC()
	job.StartedAt = &now
	return nil
}

func (l *fakeLedger) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	job, ok := l.jobs[id]
	if !ok || job.Status != database.JobInProgress {
		return database.ErrInvalidTransition
	}
	job.Status = database.JobCompleted
	job.Result = result
	return nil
}

func (l *fakeLedger) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	job, ok := l.jobs[id]
	if !ok || (job.Status != database.JobPending && job.Status != database.JobInProgress) {
		return database.ErrInvalidTransition
	}
	job.Status = database.JobFailed
	job.Error = &errMsg
	return nil
}

type fakeRegistry struct {
	configs map[registry.TribunalCode]registry.TargetConfig
}

func (r *fakeRegistry) Validate(ctx context.Context, code registry.TribunalCode, level registry.InstanceLevel) (registry.TargetConfig, error) {
	cfg, ok := r.configs[code]
	if !ok {
		return registry.TargetConfig{}, registry.ErrTargetNotFound
	}
	if !registry.Allows(cfg.AccessMode, level) {
		return registry.TargetConfig{}, registry.ErrInvalidInstanceLevel
	}
	return cfg, nil
}

type fakeVault struct {
	creds map[int64]*vault.Credential
}

func (v *fakeVault) Get(ctx context.Context, id int64) (*vault.Credential, error) {
	cred, ok := v.creds[id]
	if !ok {
		return nil, vault.ErrCredentialNotFound
	}
	return cred, nil
}

// fakeCapability counts every network-facing call and can fail the first N
// fetch attempts.
type fakeCapability struct {
	authCalls  int
	fetchCalls int

	failFetches int
	fetchErr    error
	casesBody   fetcher.RawBody
	partiesBody map[int64]fetcher.RawBody
}

func (c *fakeCapability) Authenticate(ctx context.Context, cred *vault.Credential, target registry.TargetConfig, level registry.InstanceLevel) (*fetcher.Session, error) {
	c.authCalls++
	return &fetcher.Session{
		TargetCode:    target.Code,
		InstanceLevel: level,
		AccessToken:   "token",
	}, nil
}

func (c *fakeCapability) fetch(body fetcher.RawBody) (fetcher.RawBody, error) {
	c.fetchCalls++
	if c.failFetches > 0 {
		c.failFetches--
		return nil, c.fetchErr
	}
	return body, nil
}

func (c *fakeCapability) FetchCases(ctx context.Context, sess *fetcher.Session, filters fetcher.Filters) (fetcher.RawBody, error) {
	return c.fetch(c.casesBody)
}

func (c *fakeCapability) FetchArchived(ctx context.Context, sess *fetcher.Session, filters fetcher.Filters) (fetcher.RawBody, error) {
	return c.fetch(c.casesBody)
}

func (c *fakeCapability) FetchHearings(ctx context.Context, sess *fetcher.Session, filters fetcher.Filters) (fetcher.RawBody, error) {
	return c.fetch(c.casesBody)
}

func (c *fakeCapability) FetchPending(ctx context.Context, sess *fetcher.Session, filters fetcher.Filters) (fetcher.RawBody, error) {
	return c.fetch(c.casesBody)
}

func (c *fakeCapability) FetchParties(ctx context.Context, sess *fetcher.Session, ref fetcher.CaseRef) (fetcher.RawBody, error) {
	return c.fetch(c.partiesBody[ref.ExternalID])
}

type fakePayloads struct {
	saved []*rawstore.RawPayload
}

func (p *fakePayloads) Save(ctx context.Context, payload *rawstore.RawPayload) error {
	if payload.ID == uuid.Nil {
		payload.ID = uuid.New()
	}
	stored := *payload
	p.saved = append(p.saved, &stored)
	return nil
}

type fakeCases struct {
	byID     map[int64]*database.Case
	pending  []*database.Case
	upserted []*database.Case
	marked   []int64
}

func (c *fakeCases) Upsert(ctx context.Context, row *database.Case) error {
	if row.ID == 0 {
		row.ID = int64(len(c.upserted) + 1)
	}
	c.upserted = append(c.upserted, row)
	return nil
}

func (c *fakeCases) GetByID(ctx context.Context, id int64) (*database.Case, error) {
	row, ok := c.byID[id]
	if !ok {
		return nil, database.ErrCaseNotFound
	}
	return row, nil
}

func (c *fakeCases) ListPendingParties(ctx context.Context, code registry.TribunalCode, level registry.InstanceLevel, limit int) ([]*database.Case, error) {
	return c.pending, nil
}

func (c *fakeCases) MarkPartiesCaptured(ctx context.Context, caseID int64) error {
	c.marked = append(c.marked, caseID)
	return nil
}

type fakeEntities struct{}

func (fakeEntities) ListEntities(ctx context.Context, entityType database.EntityType) ([]*database.Entity, error) {
	return nil, nil
}

func (fakeEntities) ListCrossReferences(ctx context.Context) ([]*database.CrossReference, error) {
	return nil, nil
}

// memEntityStore mirrors the in-memory store used by the reconcile tests,
// enough for the engine to run for real under the executor.
type memEntityStore struct {
	nextID   int64
	entities map[database.EntityType]map[int64]*database.Entity
	refs     map[string]int64
	links    int
}

func newMemEntityStore() *memEntityStore {
	return &memEntityStore{
		nextID: 1,
		entities: map[database.EntityType]map[int64]*database.Entity{
			database.EntityClient:         {},
			database.EntityOpposingParty:  {},
			database.EntityThirdParty:     {},
			database.EntityRepresentative: {},
		},
		refs: map[string]int64{},
	}
}

func (s *memEntityStore) WithTx(ctx context.Context, fn func(tx reconcile.EntityTx) error) error {
	return fn(s)
}

func (s *memEntityStore) FindByName(ctx context.Context, t database.EntityType, name string) (*database.Entity, error) {
	return nil, database.ErrEntityNotFound
}

func (s *memEntityStore) FindByDocument(ctx context.Context, t database.EntityType, doc string) (*database.Entity, error) {
	return nil, database.ErrEntityNotFound
}

func (s *memEntityStore) CreateEntity(ctx context.Context, e *database.Entity) error {
	e.ID = s.nextID
	s.nextID++
	s.entities[e.Type][e.ID] = e
	return nil
}

func (s *memEntityStore) RefreshEntityName(ctx context.Context, t database.EntityType, id int64, name string) error {
	return nil
}

func (s *memEntityStore) UpsertCrossReference(ctx context.Context, ref *database.CrossReference) error {
	key := fmt.Sprintf("%s|%s|%s|%s|%d", ref.EntityType, ref.ExternalSystem, ref.TargetCode, ref.InstanceLevel, ref.ExternalPersonID)
	if id, ok := s.refs[key]; ok {
		ref.EntityID = id
		return nil
	}
	s.refs[key] = ref.EntityID
	return nil
}

func (s *memEntityStore) UpsertCaseEntityLink(ctx context.Context, link *database.CaseEntityLink) error {
	s.links++
	return nil
}

func (s *memEntityStore) UpsertAddress(ctx context.Context, addr *database.Address) error {
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func activeCredential(id int64, code registry.TribunalCode) *vault.Credential {
	return &vault.Credential{
		ID:               id,
		RepresentativeID: 42,
		TargetCode:       code,
		InstanceLevel:    registry.FirstInstance,
		Document:         "111.444.777-35",
		Active:           true,
	}
}

func testDeps(capability *fakeCapability) (Deps, *fakeLedger, *fakePayloads, *fakeCases) {
	ledger := newFakeLedger()
	payloads := &fakePayloads{}
	cases := &fakeCases{byID: map[int64]*database.Case{}}

	deps := Deps{
		Jobs: ledger,
		Registry: &fakeRegistry{configs: map[registry.TribunalCode]registry.TargetConfig{
			registry.TRT3: {
				Code:       registry.TRT3,
				AccessMode: registry.AccessUnified,
				System:     "PJE",
				BaseURL:    "https://pje.trt3.jus.br",
			},
		}},
		Vault:      &fakeVault{creds: map[int64]*vault.Credential{1: activeCredential(1, registry.TRT3)}},
		Capability: capability,
		Payloads:   payloads,
		Cases:      cases,
		Engine:     reconcile.NewEngine(newMemEntityStore(), quietLogger()),
		Entities:   fakeEntities{},
		Policy:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:     quietLogger(),
	}
	return deps, ledger, payloads, cases
}

// Scenario: a parties capture over one TRT3 case with a represented claimant
// and an unrepresented respondent ends completed with the exact summary.
func TestExecute_PartiesCapture(t *testing.T) {
	partiesBody := fetcher.RawBody(`{
		"ATIVO": [{
			"idParte": 501, "nome": "Joao da Silva", "tipoParte": "AUTOR",
			"documento": "123.456.789-09", "principal": true,
			"representantes": [{"idParte": 77, "nome": "Dra. Maria", "numeroDocumento": "111.444.777-35"}]
		}],
		"PASSIVO": [{
			"idParte": 502, "nome": "Empresa XYZ Ltda", "tipoParte": "RECLAMADO",
			"documento": "12.345.678/0001-90", "principal": true
		}]
	}`)

	capability := &fakeCapability{partiesBody: map[int64]fetcher.RawBody{900001: partiesBody}}
	deps, ledger, payloads, cases := testDeps(capability)
	cases.pending = []*database.Case{{
		ID: 100, ExternalID: 900001, CaseNumber: "0010702-33.2024.5.03.0001",
		TargetCode: registry.TRT3, InstanceLevel: registry.FirstInstance,
	}}

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:      database.CaptureParties,
		TargetCode:       registry.TRT3,
		InstanceLevel:    registry.FirstInstance,
		CredentialID:     1,
		RepresentativeID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, database.JobCompleted, job.Status)
	assert.Equal(t, database.JobCompleted, ledger.jobs[job.ID].Status)

	var result PartiesResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 1, result.TotalCases)
	assert.Equal(t, 2, result.TotalParties)
	assert.Equal(t, 1, result.Clients)
	assert.Equal(t, 1, result.OpposingParties)
	assert.Equal(t, 0, result.ThirdParties)
	assert.Equal(t, 2, result.Links)
	assert.Equal(t, 0, result.ErrorCount)
	assert.Positive(t, result.Representatives)

	require.Len(t, payloads.saved, 1)
	assert.Equal(t, database.CaptureParties, payloads.saved[0].CaptureType)
	require.NotNil(t, payloads.saved[0].JobID)
	assert.Equal(t, job.ID, *payloads.saved[0].JobID)
	assert.Equal(t, []int64{100}, cases.marked)
}

// Scenario: an inactive credential is a configuration error. The job fails
// from pending and nothing touches the network or the payload store.
func TestExecute_InactiveCredentialFailsBeforeNetwork(t *testing.T) {
	capability := &fakeCapability{}
	deps, ledger, payloads, _ := testDeps(capability)
	cred := activeCredential(1, registry.TRT3)
	cred.Active = false
	deps.Vault = &fakeVault{creds: map[int64]*vault.Credential{1: cred}}

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureGeneralDocket,
		TargetCode:    registry.TRT3,
		InstanceLevel: registry.FirstInstance,
		CredentialID:  1,
	})
	require.NoError(t, err)
	require.Equal(t, database.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "inactive")

	assert.Equal(t, database.JobFailed, ledger.jobs[job.ID].Status)
	assert.Nil(t, ledger.jobs[job.ID].StartedAt, "config failures never reach in_progress")
	assert.Zero(t, capability.authCalls)
	assert.Zero(t, capability.fetchCalls)
	assert.Empty(t, payloads.saved)
}

// Scenario: the docket endpoint times out twice and answers on the third
// attempt. The job completes and exactly three attempts were made.
func TestExecute_TransientTimeoutsRetried(t *testing.T) {
	capability := &fakeCapability{
		casesBody:   fetcher.RawBody(`[{"id": 900001, "numeroProcesso": "0010702-33.2024.5.03.0001"}]`),
		failFetches: 2,
		fetchErr:    context.DeadlineExceeded,
	}
	deps, _, payloads, cases := testDeps(capability)

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureGeneralDocket,
		TargetCode:    registry.TRT3,
		InstanceLevel: registry.FirstInstance,
		CredentialID:  1,
	})
	require.NoError(t, err)
	require.Equal(t, database.JobCompleted, job.Status)
	assert.Equal(t, 3, capability.fetchCalls)

	var result DocketResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 1, result.TotalRecords)
	assert.Equal(t, 1, result.CasesImported)
	require.Len(t, payloads.saved, 1)
	require.Len(t, cases.upserted, 1)
	assert.Equal(t, int64(900001), cases.upserted[0].ExternalID)
}

func TestExecute_FatalFetchErrorFailsJob(t *testing.T) {
	capability := &fakeCapability{
		failFetches: 1,
		fetchErr:    &retry.HTTPError{StatusCode: 403},
	}
	deps, ledger, _, _ := testDeps(capability)

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureGeneralDocket,
		TargetCode:    registry.TRT3,
		InstanceLevel: registry.FirstInstance,
		CredentialID:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, job.Status)
	assert.Equal(t, 1, capability.fetchCalls, "4xx must not be retried")
	assert.Equal(t, database.JobFailed, ledger.jobs[job.ID].Status)
}

func TestExecute_InvalidTargetLevelRejectedWithoutFetch(t *testing.T) {
	capability := &fakeCapability{}
	deps, ledger, _, _ := testDeps(capability)

	// TRT3 is unified: superior-court level is not valid for it.
	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureGeneralDocket,
		TargetCode:    registry.TRT3,
		InstanceLevel: registry.SuperiorCourt,
		CredentialID:  1,
	})
	require.NoError(t, err)
	require.Equal(t, database.JobFailed, job.Status)
	assert.Zero(t, capability.authCalls)
	assert.Zero(t, capability.fetchCalls)
	assert.Equal(t, database.JobFailed, ledger.jobs[job.ID].Status)
}

func TestExecute_UnknownTargetRejected(t *testing.T) {
	capability := &fakeCapability{}
	deps, _, _, _ := testDeps(capability)

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureGeneralDocket,
		TargetCode:    registry.TRT9,
		InstanceLevel: registry.FirstInstance,
		CredentialID:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, job.Status)
	assert.Zero(t, capability.fetchCalls)
}

func TestExecute_CredentialTargetMismatchRejected(t *testing.T) {
	capability := &fakeCapability{}
	deps, _, _, _ := testDeps(capability)
	deps.Vault = &fakeVault{creds: map[int64]*vault.Credential{1: activeCredential(1, registry.TRT2)}}

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureGeneralDocket,
		TargetCode:    registry.TRT3,
		InstanceLevel: registry.FirstInstance,
		CredentialID:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, job.Status)
	assert.Zero(t, capability.authCalls)
}

func TestExecute_UnknownCaptureTypeRejected(t *testing.T) {
	deps, ledger, _, _ := testDeps(&fakeCapability{})

	_, err := New(deps).Execute(context.Background(), Request{
		CaptureType:   database.CaptureType("bogus"),
		TargetCode:    registry.TRT3,
		InstanceLevel: registry.FirstInstance,
		CredentialID:  1,
	})
	assert.Error(t, err)
	assert.Empty(t, ledger.jobs, "no ledger row for an unrepresentable capture type")
}

// Per-case fetch failures land in the result's error list; the job itself
// still completes.
func TestExecute_PartiesPartialFailureStillCompletes(t *testing.T) {
	partiesBody := fetcher.RawBody(`{
		"PASSIVO": [{"idParte": 502, "nome": "Empresa XYZ Ltda", "tipoParte": "RECLAMADO"}]
	}`)
	capability := &fakeCapability{
		partiesBody: map[int64]fetcher.RawBody{900002: partiesBody},
		failFetches: 1,
		fetchErr:    &retry.HTTPError{StatusCode: 404},
	}
	deps, _, _, cases := testDeps(capability)
	cases.pending = []*database.Case{
		{ID: 101, ExternalID: 900001, CaseNumber: "0000001-11.2024.5.03.0001", TargetCode: registry.TRT3, InstanceLevel: registry.FirstInstance},
		{ID: 102, ExternalID: 900002, CaseNumber: "0000002-22.2024.5.03.0001", TargetCode: registry.TRT3, InstanceLevel: registry.FirstInstance},
	}

	job, err := New(deps).Execute(context.Background(), Request{
		CaptureType:      database.CaptureParties,
		TargetCode:       registry.TRT3,
		InstanceLevel:    registry.FirstInstance,
		CredentialID:     1,
		RepresentativeID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, database.JobCompleted, job.Status)

	var result PartiesResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, 1, result.TotalCases, "only the fetchable case counts")
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, []int64{102}, cases.marked, "the failed case stays pending for the next run")
}

// Forward-only ledger property: whatever order transitions are attempted in,
// a terminal status never changes again.
func TestLedger_ForwardOnlyTransitions(t *testing.T) {
	ctx := context.Background()

	outcomes := [][]func(l *fakeLedger, id uuid.UUID) error{
		{
			func(l *fakeLedger, id uuid.UUID) error { return l.Start(ctx, id) },
			func(l *fakeLedger, id uuid.UUID) error { return l.Complete(ctx, id, nil) },
		},
		{
			func(l *fakeLedger, id uuid.UUID) error { return l.Start(ctx, id) },
			func(l *fakeLedger, id uuid.UUID) error { return l.Fail(ctx, id, "boom") },
		},
		{
			func(l *fakeLedger, id uuid.UUID) error { return l.Fail(ctx, id, "config") },
		},
	}

	for i, transitions := range outcomes {
		t.Run(fmt.Sprintf("outcome_%d", i), func(t *testing.T) {
			ledger := newFakeLedger()
			job := &database.CaptureJob{CaptureType: database.CaptureGeneralDocket}
			require.NoError(t, ledger.Create(ctx, job))

			for _, transition := range transitions {
				require.NoError(t, transition(ledger, job.ID))
			}
			final := ledger.jobs[job.ID].Status
			require.True(t, final.Terminal())

			// Every further transition must be rejected and leave the
			// status untouched.
			assert.ErrorIs(t, ledger.Start(ctx, job.ID), database.ErrInvalidTransition)
			assert.ErrorIs(t, ledger.Complete(ctx, job.ID, nil), database.ErrInvalidTransition)
			assert.ErrorIs(t, ledger.Fail(ctx, job.ID, "again"), database.ErrInvalidTransition)
			assert.Equal(t, final, ledger.jobs[job.ID].Status)
		})
	}
}
