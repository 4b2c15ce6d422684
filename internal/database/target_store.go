package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lexfield/capture-engine/internal/registry"
)

// TargetConfigStore loads tribunal configurations from the target_configs
// table. It satisfies registry.Store.
type TargetConfigStore struct {
	db *sql.DB
}

func NewTargetConfigStore(db *sql.DB) *TargetConfigStore {
	return &TargetConfigStore{db: db}
}

// LoadTargetConfigs reads the whole catalog. Timeout columns hold
// milliseconds; zero means the engine default applies.
func (s *TargetConfigStore) LoadTargetConfigs(ctx context.Context) ([]registry.TargetConfig, error) {
	query := `
		SELECT code, access_mode, system, base_url, login_url, api_url,
			   COALESCE(login_timeout_ms, 0),
			   COALESCE(redirect_timeout_ms, 0),
			   COALESCE(network_idle_timeout_ms, 0),
			   COALESCE(api_timeout_ms, 0)
		FROM target_configs`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load target configs: %w", err)
	}
	defer rows.Close()

	var configs []registry.TargetConfig
	for rows.Next() {
		var cfg registry.TargetConfig
		var login, redirect, idle, api int64

		err := rows.Scan(&cfg.Code, &cfg.AccessMode, &cfg.System,
			&cfg.BaseURL, &cfg.LoginURL, &cfg.APIURL,
			&login, &redirect, &idle, &api)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target config: %w", err)
		}

		cfg.Timeouts = registry.Timeouts{
			Login:       time.Duration(login) * time.Millisecond,
			Redirect:    time.Duration(redirect) * time.Millisecond,
			NetworkIdle: time.Duration(idle) * time.Millisecond,
			API:         time.Duration(api) * time.Millisecond,
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
