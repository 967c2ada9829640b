// Package ownership resolves whether a user may attach to a save, and
// enforces the device identifier and per-save device count quotas checked
// before a duplex session is accepted. Grounded on the handshake
// preconditions the original session-loop handler runs before accept.
package ownership

import (
	"context"
	"fmt"
	"strings"

	"github.com/primal-host/session-backend/internal/apperror"
	"github.com/primal-host/session-backend/internal/eventstore"
)

// LegacyDevice is the sentinel device id used when a client supplies no
// device_id. All unidentified clients for a stream share this cursor and
// can therefore block each other's trims — documented, not fixed, per the
// original behavior.
const LegacyDevice = "legacy"

// SaveLookup resolves whether a save exists, who owns it, and whether it
// has been soft-deleted. Implemented by whatever persistence layer backs
// the save/account domain; out of scope for this module beyond this one
// read-only check.
type SaveLookup interface {
	// Lookup returns the owning user id and soft-delete status for saveID.
	// Returns eventstore.ErrNotFound if no such save exists.
	Lookup(ctx context.Context, saveID string) (ownerUserID string, deleted bool, err error)
}

// Resolver enforces ownership and device-quota checks.
type Resolver struct {
	saves             SaveLookup
	store             eventstore.Store
	maxDeviceIDLength int
	maxDevicesPerSave int
}

// NewResolver constructs a Resolver backed by saves for ownership lookups
// and store for device cursor bookkeeping.
func NewResolver(saves SaveLookup, store eventstore.Store, maxDeviceIDLength, maxDevicesPerSave int) *Resolver {
	return &Resolver{
		saves:             saves,
		store:             store,
		maxDeviceIDLength: maxDeviceIDLength,
		maxDevicesPerSave: maxDevicesPerSave,
	}
}

// NormalizeDevice maps an absent or blank client-supplied device id to the
// legacy sentinel, and trims surrounding whitespace otherwise.
func NormalizeDevice(deviceID string) string {
	trimmed := strings.TrimSpace(deviceID)
	if trimmed == "" {
		return LegacyDevice
	}
	return trimmed
}

// CheckOwnership verifies userID owns saveID and the save is not deleted.
func (r *Resolver) CheckOwnership(ctx context.Context, userID, saveID string) error {
	ownerID, deleted, err := r.saves.Lookup(ctx, saveID)
	if err != nil {
		if err == eventstore.ErrNotFound {
			return apperror.New(apperror.KindOwnership, "ownership: check", fmt.Errorf("save %q not found", saveID))
		}
		return apperror.New(apperror.KindStorage, "ownership: check", err)
	}
	if deleted {
		return apperror.New(apperror.KindOwnership, "ownership: check", fmt.Errorf("save %q deleted", saveID))
	}
	if ownerID != userID {
		return apperror.New(apperror.KindOwnership, "ownership: check", fmt.Errorf("save %q not owned by user", saveID))
	}
	return nil
}

// CheckDeviceID verifies device does not exceed the configured max length.
func (r *Resolver) CheckDeviceID(device string) error {
	if len(device) > r.maxDeviceIDLength {
		return apperror.New(apperror.KindQuota, "ownership: check device id", fmt.Errorf("device id exceeds max length %d", r.maxDeviceIDLength))
	}
	return nil
}

// CheckDeviceQuota enforces the per-save device count cap: an existing
// device always succeeds (reconnect), a new device succeeds only if the
// save has not already reached maxDevicesPerSave distinct cursors.
func (r *Resolver) CheckDeviceQuota(ctx context.Context, key eventstore.StreamKey, device string) error {
	exists, err := r.store.DeviceCursorExists(ctx, key, device)
	if err != nil {
		return apperror.New(apperror.KindStorage, "ownership: check device quota", err)
	}
	if exists {
		return nil
	}
	count, err := r.store.CountDeviceCursors(ctx, key)
	if err != nil {
		return apperror.New(apperror.KindStorage, "ownership: check device quota", err)
	}
	if count >= r.maxDevicesPerSave {
		return apperror.New(apperror.KindQuota, "ownership: check device quota", fmt.Errorf("max devices per save (%d) reached", r.maxDevicesPerSave))
	}
	return nil
}
