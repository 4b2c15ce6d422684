// Package fetcher defines the capability this engine orchestrates: given a
// credential and a target, authenticate and pull JSON. The login mechanics
// of each portal (SSO, OTP, browser flows) live behind the Authenticator
// interface and are not implemented here.
package fetcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lexfield/capture-engine/internal/registry"
	"github.com/lexfield/capture-engine/internal/vault"
)

// RawBody is the untransformed response from a target.
type RawBody = json.RawMessage

// Session is an authenticated handle against one target. Tokens are opaque
// to the engine. APIURL and APITimeout are resolved from the target config
// at login so fetches need no registry lookup.
type Session struct {
	TargetCode    registry.TribunalCode
	InstanceLevel registry.InstanceLevel
	APIURL        string
	APITimeout    time.Duration
	AccessToken   string
	XSRFToken     string
	LawyerID      string
	ExpiresAt     time.Time
}

// Filters narrows a docket fetch.
type Filters struct {
	Archived    bool       `json:"archived,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	DeadlineTag string     `json:"deadline_tag,omitempty"` // pendentes: no_prazo | sem_prazo
	Page        int        `json:"page,omitempty"`
	PerPage     int        `json:"per_page,omitempty"`
}

// CaseRef identifies one case inside the source system.
type CaseRef struct {
	ExternalID int64  `json:"id_pje"`
	CaseNumber string `json:"numero_processo"`
}

// Authenticator logs a credential into a target.
type Authenticator interface {
	Authenticate(ctx context.Context, cred *vault.Credential, target registry.TargetConfig, level registry.InstanceLevel) (*Session, error)
}

// Fetcher pulls typed slices of court data from an authenticated session.
type Fetcher interface {
	FetchCases(ctx context.Context, sess *Session, filters Filters) (RawBody, error)
	FetchArchived(ctx context.Context, sess *Session, filters Filters) (RawBody, error)
	FetchHearings(ctx context.Context, sess *Session, filters Filters) (RawBody, error)
	FetchPending(ctx context.Context, sess *Session, filters Filters) (RawBody, error)
	FetchParties(ctx context.Context, sess *Session, ref CaseRef) (RawBody, error)
}

// Capability bundles authentication and fetching for one target access mode.
type Capability interface {
	Authenticator
	Fetcher
}
