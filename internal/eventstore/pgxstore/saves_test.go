package pgxstore

import (
	"context"
	"testing"

	"github.com/primal-host/session-backend/internal/eventstore"
)

func TestSaveLookupReturnsOwnerAndDeletedState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	lookup := NewSaveLookup(store)

	_, err := store.pool.Exec(ctx,
		`INSERT INTO saves (save_id, owner_id) VALUES ($1, $2)
		 ON CONFLICT (save_id) DO UPDATE SET owner_id = EXCLUDED.owner_id, deleted_at = NULL`,
		"pgxtest-save-lookup", "pgxtest-owner")
	if err != nil {
		t.Fatalf("seed save: %v", err)
	}
	t.Cleanup(func() {
		store.pool.Exec(context.Background(), `DELETE FROM saves WHERE save_id = $1`, "pgxtest-save-lookup")
	})

	owner, deleted, err := lookup.Lookup(ctx, "pgxtest-save-lookup")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if owner != "pgxtest-owner" || deleted {
		t.Fatalf("lookup = (%q, %v), want (pgxtest-owner, false)", owner, deleted)
	}
}

func TestSaveLookupReturnsNotFoundForMissingSave(t *testing.T) {
	store := openTestStore(t)
	lookup := NewSaveLookup(store)

	_, _, err := lookup.Lookup(context.Background(), "pgxtest-save-does-not-exist")
	if err != eventstore.ErrNotFound {
		t.Fatalf("err = %v, want eventstore.ErrNotFound", err)
	}
}
