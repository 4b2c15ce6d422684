// Package vault resolves logical credential ids into usable court-system
// credentials. Secrets are stored sealed and only opened at the point of
// use; they never reach logs, payloads or error messages.
package vault

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/registry"
)

// ErrCredentialNotFound re-exports the storage sentinel so callers depend
// only on this package.
var ErrCredentialNotFound = database.ErrCredentialNotFound

// ErrCredentialInactive indicates a credential that exists but is disabled.
var ErrCredentialInactive = errors.New("credential is inactive")

// ErrSealedSecretCorrupt indicates the sealed secret could not be opened.
var ErrSealedSecretCorrupt = errors.New("sealed secret could not be opened")

// Credential is a decrypted credential scoped to one representative and one
// target. The secret is unexported and reachable only through Secret().
type Credential struct {
	ID               int64
	RepresentativeID int64
	TargetCode       registry.TribunalCode
	InstanceLevel    registry.InstanceLevel
	Document         string
	Active           bool

	secret string
}

// Secret returns the decrypted secret for immediate use.
func (c *Credential) Secret() string { return c.secret }

// String implements fmt.Stringer with the secret redacted, so accidental
// logging of a credential never leaks it.
func (c *Credential) String() string {
	return fmt.Sprintf("Credential{id=%d, representative=%d, target=%s, document=%s, secret=[REDACTED]}",
		c.ID, c.RepresentativeID, c.TargetCode, c.Document)
}

// MarshalJSON keeps the secret out of any serialized form.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"id":%d,"representative_id":%d,"target_code":%q,"document":%q,"secret":"[REDACTED]"}`,
		c.ID, c.RepresentativeID, c.TargetCode, c.Document)), nil
}

// Store reads sealed credential rows.
type Store interface {
	GetByID(ctx context.Context, id int64) (*database.CredentialRow, error)
}

// Vault opens sealed credentials with a process-scoped secretbox key.
type Vault struct {
	store   Store
	sealKey *[32]byte
}

func New(store Store, sealKey *[32]byte) *Vault {
	return &Vault{store: store, sealKey: sealKey}
}

// Get resolves and opens a credential. Lookup failure is fatal for the job
// and is never retried.
func (v *Vault) Get(ctx context.Context, id int64) (*Credential, error) {
	row, err := v.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, err := v.open(row.SealedSecret)
	if err != nil {
		return nil, fmt.Errorf("credential %d: %w", id, err)
	}

	return &Credential{
		ID:               row.ID,
		RepresentativeID: row.RepresentativeID,
		TargetCode:       row.TargetCode,
		InstanceLevel:    row.InstanceLevel,
		Document:         row.Document,
		Active:           row.Active,
		secret:           secret,
	}, nil
}

// IsActive reports whether the credential exists and is enabled.
func (v *Vault) IsActive(ctx context.Context, id int64) (bool, error) {
	row, err := v.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return row.Active, nil
}

// open decrypts a sealed secret: 24-byte nonce prefix followed by the
// secretbox ciphertext.
func (v *Vault) open(sealed []byte) (string, error) {
	if v.sealKey == nil {
		return "", fmt.Errorf("vault seal key is not configured")
	}
	if len(sealed) < 24 {
		return "", ErrSealedSecretCorrupt
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, v.sealKey)
	if !ok {
		return "", ErrSealedSecretCorrupt
	}
	return string(plain), nil
}

// Seal encrypts a secret for storage. Used by admin tooling and tests; the
// engine itself never writes credentials.
func Seal(secret string, key *[32]byte, nonce *[24]byte) []byte {
	return secretbox.Seal(nonce[:], []byte(secret), nonce, key)
}
