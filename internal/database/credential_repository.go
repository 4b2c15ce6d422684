package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lexfield/capture-engine/internal/registry"
)

// ErrCredentialNotFound indicates no credential row exists for the id.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialRow is a credential as stored: the secret stays sealed here and
// is only opened inside the vault at the point of use.
type CredentialRow struct {
	ID               int64                  `db:"id"`
	RepresentativeID int64                  `db:"representative_id"`
	TargetCode       registry.TribunalCode  `db:"target_code"`
	InstanceLevel    registry.InstanceLevel `db:"instance_level"`
	Document         string                 `db:"document"`
	SealedSecret     []byte                 `db:"sealed_secret"`
	Active           bool                   `db:"active"`
}

// CredentialRepository reads credentials. Rows are created by admin tooling
// out of band; this engine never writes them.
type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetByID returns the stored credential row or ErrCredentialNotFound.
func (r *CredentialRepository) GetByID(ctx context.Context, id int64) (*CredentialRow, error) {
	query := `
		SELECT id, representative_id, target_code, instance_level,
			   document, sealed_secret, active
		FROM credentials WHERE id = $1`

	row := &CredentialRow{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&row.ID, &row.RepresentativeID, &row.TargetCode, &row.InstanceLevel,
		&row.Document, &row.SealedSecret, &row.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return row, nil
}
