package pgxstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/primal-host/session-backend/internal/eventstore"
)

// SaveLookup implements ownership.SaveLookup against the saves table.
type SaveLookup struct {
	store *Store
}

// NewSaveLookup wraps store's pool for save-ownership lookups.
func NewSaveLookup(store *Store) *SaveLookup {
	return &SaveLookup{store: store}
}

// Lookup returns the owning user id and soft-delete status for saveID.
func (s *SaveLookup) Lookup(ctx context.Context, saveID string) (string, bool, error) {
	var ownerID string
	var deleted bool
	err := s.store.pool.QueryRow(ctx,
		`SELECT owner_id, deleted_at IS NOT NULL FROM saves WHERE save_id = $1`,
		saveID,
	).Scan(&ownerID, &deleted)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, eventstore.ErrNotFound
		}
		return "", false, fmt.Errorf("pgxstore: lookup save: %w", err)
	}
	return ownerID, deleted, nil
}
