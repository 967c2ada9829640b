package ownership

import (
	"context"
	"testing"

	"github.com/primal-host/session-backend/internal/apperror"
	"github.com/primal-host/session-backend/internal/eventstore"
	"github.com/primal-host/session-backend/internal/eventstore/memstore"
)

type fakeSaves struct {
	owner   map[string]string
	deleted map[string]bool
}

func (f fakeSaves) Lookup(ctx context.Context, saveID string) (string, bool, error) {
	owner, ok := f.owner[saveID]
	if !ok {
		return "", false, eventstore.ErrNotFound
	}
	return owner, f.deleted[saveID], nil
}

func TestNormalizeDevice(t *testing.T) {
	cases := map[string]string{
		"":      LegacyDevice,
		"   ":   LegacyDevice,
		"abc":   "abc",
		" abc ": "abc",
	}
	for in, want := range cases {
		if got := NormalizeDevice(in); got != want {
			t.Errorf("NormalizeDevice(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckOwnershipRejectsWrongOwner(t *testing.T) {
	saves := fakeSaves{owner: map[string]string{"S": "U1"}}
	r := NewResolver(saves, memstore.New(), 200, 8)

	err := r.CheckOwnership(context.Background(), "U2", "S")
	if !apperror.Is(err, apperror.KindOwnership) {
		t.Fatalf("expected KindOwnership, got %v", err)
	}
}

func TestCheckOwnershipRejectsDeleted(t *testing.T) {
	saves := fakeSaves{
		owner:   map[string]string{"S": "U1"},
		deleted: map[string]bool{"S": true},
	}
	r := NewResolver(saves, memstore.New(), 200, 8)

	err := r.CheckOwnership(context.Background(), "U1", "S")
	if !apperror.Is(err, apperror.KindOwnership) {
		t.Fatalf("expected KindOwnership, got %v", err)
	}
}

func TestCheckOwnershipAccepts(t *testing.T) {
	saves := fakeSaves{owner: map[string]string{"S": "U1"}}
	r := NewResolver(saves, memstore.New(), 200, 8)

	if err := r.CheckOwnership(context.Background(), "U1", "S"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeviceQuotaAllowsReconnectButBlocksNewDeviceOverCap(t *testing.T) {
	store := memstore.New()
	r := NewResolver(fakeSaves{}, store, 200, 2)
	ctx := context.Background()
	key := eventstore.StreamKey{UserID: "U", SaveID: "S"}

	if err := r.CheckDeviceQuota(ctx, key, "A"); err != nil {
		t.Fatalf("new device A: %v", err)
	}
	if err := store.EnsureDeviceCursor(ctx, key, "A"); err != nil {
		t.Fatalf("ensure A: %v", err)
	}

	if err := r.CheckDeviceQuota(ctx, key, "B"); err != nil {
		t.Fatalf("new device B: %v", err)
	}
	if err := store.EnsureDeviceCursor(ctx, key, "B"); err != nil {
		t.Fatalf("ensure B: %v", err)
	}

	err := r.CheckDeviceQuota(ctx, key, "C")
	if !apperror.Is(err, apperror.KindQuota) {
		t.Fatalf("expected KindQuota for third device, got %v", err)
	}

	if err := r.CheckDeviceQuota(ctx, key, "A"); err != nil {
		t.Fatalf("reconnect of existing device A should succeed: %v", err)
	}
}

func TestCheckDeviceIDLength(t *testing.T) {
	r := NewResolver(fakeSaves{}, memstore.New(), 4, 8)
	if err := r.CheckDeviceID("abcd"); err != nil {
		t.Fatalf("exactly at limit should pass: %v", err)
	}
	err := r.CheckDeviceID("abcde")
	if !apperror.Is(err, apperror.KindQuota) {
		t.Fatalf("expected KindQuota, got %v", err)
	}
}
