package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TribunalCode identifies one external court system.
type TribunalCode string

// Regional labor courts plus the superior labor court.
const (
	TRT1  TribunalCode = "TRT1"
	TRT2  TribunalCode = "TRT2"
	TRT3  TribunalCode = "TRT3"
	TRT4  TribunalCode = "TRT4"
	TRT5  TribunalCode = "TRT5"
	TRT6  TribunalCode = "TRT6"
	TRT7  TribunalCode = "TRT7"
	TRT8  TribunalCode = "TRT8"
	TRT9  TribunalCode = "TRT9"
	TRT10 TribunalCode = "TRT10"
	TRT11 TribunalCode = "TRT11"
	TRT12 TribunalCode = "TRT12"
	TRT13 TribunalCode = "TRT13"
	TRT14 TribunalCode = "TRT14"
	TRT15 TribunalCode = "TRT15"
	TRT16 TribunalCode = "TRT16"
	TRT17 TribunalCode = "TRT17"
	TRT18 TribunalCode = "TRT18"
	TRT19 TribunalCode = "TRT19"
	TRT20 TribunalCode = "TRT20"
	TRT21 TribunalCode = "TRT21"
	TRT22 TribunalCode = "TRT22"
	TRT23 TribunalCode = "TRT23"
	TRT24 TribunalCode = "TRT24"
	TST   TribunalCode = "TST"
)

// AllTribunalCodes lists every supported tribunal.
var AllTribunalCodes = []TribunalCode{
	TRT1, TRT2, TRT3, TRT4, TRT5, TRT6, TRT7, TRT8, TRT9, TRT10,
	TRT11, TRT12, TRT13, TRT14, TRT15, TRT16, TRT17, TRT18, TRT19, TRT20,
	TRT21, TRT22, TRT23, TRT24, TST,
}

// IsValid reports whether the code names a known tribunal.
func (c TribunalCode) IsValid() bool {
	for _, code := range AllTribunalCodes {
		if c == code {
			return true
		}
	}
	return false
}

// AccessMode describes how a tribunal expects credentials to be scoped:
// one login per instance level, one unified login for both levels, or a
// single login for superior courts.
type AccessMode string

const (
	AccessFirstInstance  AccessMode = "primeiro_grau"
	AccessSecondInstance AccessMode = "segundo_grau"
	AccessUnified        AccessMode = "unificado"
	AccessSingle         AccessMode = "unico"
)

// InstanceLevel is the tier of a case within the court hierarchy.
type InstanceLevel string

const (
	FirstInstance  InstanceLevel = "primeiro_grau"
	SecondInstance InstanceLevel = "segundo_grau"
	SuperiorCourt  InstanceLevel = "tribunal_superior"
)

// Timeouts carries per-target overrides. A zero value means the engine
// default applies.
type Timeouts struct {
	Login       time.Duration `json:"login"`
	Redirect    time.Duration `json:"redirect"`
	NetworkIdle time.Duration `json:"network_idle"`
	API         time.Duration `json:"api"`
}

// TargetConfig identifies one external system. Immutable once loaded.
type TargetConfig struct {
	Code       TribunalCode `json:"code"`
	AccessMode AccessMode   `json:"access_mode"`
	System     string       `json:"system"` // PJE, ESAJ, EPROC, PROJUDI
	BaseURL    string       `json:"base_url"`
	LoginURL   string       `json:"login_url"`
	APIURL     string       `json:"api_url"`
	Timeouts   Timeouts     `json:"timeouts"`
}

// ErrTargetNotFound indicates no configuration exists for a tribunal code.
// A registry miss is fatal for the job: nothing can be fetched without URLs.
var ErrTargetNotFound = errors.New("target configuration not found")

// ErrInvalidInstanceLevel indicates a (target, instance level) combination
// that the target's access mode does not allow.
var ErrInvalidInstanceLevel = errors.New("instance level not valid for target access mode")

// Store loads target configurations from the config table.
type Store interface {
	LoadTargetConfigs(ctx context.Context) ([]TargetConfig, error)
}

// Registry is the in-memory catalog of target configurations. Configs are
// loaded once and memoized for the lifetime of the process.
type Registry struct {
	store Store

	mu      sync.RWMutex
	configs map[TribunalCode]TargetConfig
	loaded  bool
}

// New creates a registry backed by the given store.
func New(store Store) *Registry {
	return &Registry{
		store:   store,
		configs: make(map[TribunalCode]TargetConfig),
	}
}

// NewStatic creates a registry pre-populated with the given configs,
// bypassing the store. Used by tests and bootstrap tooling.
func NewStatic(configs []TargetConfig) *Registry {
	r := &Registry{configs: make(map[TribunalCode]TargetConfig, len(configs)), loaded: true}
	for _, cfg := range configs {
		r.configs[cfg.Code] = cfg
	}
	return r
}

// Resolve returns the configuration for a tribunal code, loading the catalog
// on first use.
func (r *Registry) Resolve(ctx context.Context, code TribunalCode) (TargetConfig, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return TargetConfig{}, err
	}

	r.mu.RLock()
	cfg, ok := r.configs[code]
	r.mu.RUnlock()

	if !ok {
		return TargetConfig{}, fmt.Errorf("%w: %s", ErrTargetNotFound, code)
	}
	return cfg, nil
}

// Allows reports whether the access mode accepts the given instance level.
func Allows(mode AccessMode, level InstanceLevel) bool {
	switch mode {
	case AccessFirstInstance:
		return level == FirstInstance
	case AccessSecondInstance:
		return level == SecondInstance
	case AccessUnified:
		return level == FirstInstance || level == SecondInstance
	case AccessSingle:
		return level == SuperiorCourt
	default:
		return false
	}
}

// ValidLevels returns the instance levels an access mode accepts.
func ValidLevels(mode AccessMode) []InstanceLevel {
	switch mode {
	case AccessFirstInstance:
		return []InstanceLevel{FirstInstance}
	case AccessSecondInstance:
		return []InstanceLevel{SecondInstance}
	case AccessUnified:
		return []InstanceLevel{FirstInstance, SecondInstance}
	case AccessSingle:
		return []InstanceLevel{SuperiorCourt}
	default:
		return nil
	}
}

// Validate resolves the target and checks that its access mode accepts the
// instance level. Called by the executor before any network activity.
func (r *Registry) Validate(ctx context.Context, code TribunalCode, level InstanceLevel) (TargetConfig, error) {
	cfg, err := r.Resolve(ctx, code)
	if err != nil {
		return TargetConfig{}, err
	}
	if !Allows(cfg.AccessMode, level) {
		return TargetConfig{}, fmt.Errorf("%w: %s does not accept %s (access mode %s)",
			ErrInvalidInstanceLevel, code, level, cfg.AccessMode)
	}
	return cfg, nil
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	configs, err := r.store.LoadTargetConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load target configurations: %w", err)
	}

	for _, cfg := range configs {
		r.configs[cfg.Code] = cfg
	}
	r.loaded = true
	return nil
}
