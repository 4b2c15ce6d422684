package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/registry"
	"github.com/lexfield/capture-engine/internal/retry"
	"github.com/lexfield/capture-engine/internal/vault"
)

// Defaults applied when a target carries no timeout override.
type Defaults struct {
	LoginTimeout time.Duration
	APITimeout   time.Duration
}

// PJEClient fetches from PJE-style REST APIs over an already-established
// token session. It honors per-target timeout overrides and surfaces HTTP
// failures as retry.HTTPError so the retry policy can classify them.
type PJEClient struct {
	httpClient *http.Client
	defaults   Defaults
	logger     *logrus.Logger
}

func NewPJEClient(defaults Defaults, logger *logrus.Logger) *PJEClient {
	return &PJEClient{
		// Per-request deadlines come from context; the client itself does
		// not impose a second timeout.
		httpClient: &http.Client{},
		defaults:   defaults,
		logger:     logger,
	}
}

// Authenticate exchanges the credential for a token session. PJE portals
// front their SSO with a token endpoint; portals needing interactive logins
// are served by a different Capability implementation.
func (c *PJEClient) Authenticate(ctx context.Context, cred *vault.Credential, target registry.TargetConfig, level registry.InstanceLevel) (*Session, error) {
	timeout := target.Timeouts.Login
	if timeout == 0 {
		timeout = c.defaults.LoginTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	form := url.Values{}
	form.Set("username", cred.Document)
	form.Set("password", cred.Secret())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		XSRFToken   string `json:"xsrf_token"`
		LawyerID    string `json:"id_advogado"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"target": target.Code,
		"level":  level,
	}).Info("Authenticated against target")

	apiTimeout := target.Timeouts.API
	if apiTimeout == 0 {
		apiTimeout = c.defaults.APITimeout
	}

	return &Session{
		TargetCode:    target.Code,
		InstanceLevel: level,
		APIURL:        target.APIURL,
		APITimeout:    apiTimeout,
		AccessToken:   body.AccessToken,
		XSRFToken:     body.XSRFToken,
		LawyerID:      body.LawyerID,
		ExpiresAt:     time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// FetchCases pulls the general docket page by page.
func (c *PJEClient) FetchCases(ctx context.Context, sess *Session, filters Filters) (RawBody, error) {
	return c.get(ctx, sess, "/processos", filterQuery(filters))
}

// FetchArchived pulls archived cases.
func (c *PJEClient) FetchArchived(ctx context.Context, sess *Session, filters Filters) (RawBody, error) {
	q := filterQuery(filters)
	q.Set("arquivados", "true")
	return c.get(ctx, sess, "/processos", q)
}

// FetchHearings pulls hearings inside the filter window.
func (c *PJEClient) FetchHearings(ctx context.Context, sess *Session, filters Filters) (RawBody, error) {
	return c.get(ctx, sess, "/audiencias", filterQuery(filters))
}

// FetchPending pulls pending-manifestation items.
func (c *PJEClient) FetchPending(ctx context.Context, sess *Session, filters Filters) (RawBody, error) {
	q := filterQuery(filters)
	if filters.DeadlineTag != "" {
		q.Set("prazo", filters.DeadlineTag)
	}
	return c.get(ctx, sess, "/expedientes", q)
}

// FetchParties pulls the party list for one case.
func (c *PJEClient) FetchParties(ctx context.Context, sess *Session, ref CaseRef) (RawBody, error) {
	return c.get(ctx, sess, fmt.Sprintf("/processos/%d/partes", ref.ExternalID), url.Values{})
}

func (c *PJEClient) get(ctx context.Context, sess *Session, path string, query url.Values) (RawBody, error) {
	timeout := sess.APITimeout
	if timeout == 0 {
		timeout = c.defaults.APITimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base, err := url.Parse(sess.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	base.Path += path
	base.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	if sess.XSRFToken != "" {
		req.Header.Set("X-XSRF-TOKEN", sess.XSRFToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return RawBody(body), nil
}

func filterQuery(filters Filters) url.Values {
	q := url.Values{}
	if filters.From != nil {
		q.Set("dataInicio", filters.From.Format("2006-01-02"))
	}
	if filters.To != nil {
		q.Set("dataFim", filters.To.Format("2006-01-02"))
	}
	if filters.Page > 0 {
		q.Set("pagina", strconv.Itoa(filters.Page))
	}
	if filters.PerPage > 0 {
		q.Set("tamanhoPagina", strconv.Itoa(filters.PerPage))
	}
	return q
}
