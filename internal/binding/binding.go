// Package binding is the hardware binding manager: seat admission, binding
// inventory, and resets, layered over the binding repository with admission
// metrics. The validation engine consults it on every request; the HTTP API
// uses it for binding management endpoints.
package binding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/telemetry"
)

// store is the slice of BindingRepository the manager needs
type store interface {
	Admit(ctx context.Context, licenseID, hwid string, machineName, ipAddress *string) (*models.HardwareBinding, string, error)
	ListBindingsByLicense(ctx context.Context, licenseID string) ([]*models.HardwareBinding, error)
	DeactivateBinding(ctx context.Context, bindingID string) error
	DeactivateAllBindings(ctx context.Context, licenseID, resetByUserID string, reason *string) (int, error)
	ListResetHistory(ctx context.Context, licenseID string) ([]*models.HWIDResetLog, error)
	CountActiveBindings(ctx context.Context, licenseID string) (int, error)
}

// Manager mediates all seat state changes for licenses
type Manager struct {
	bindings store
}

// NewManager creates a binding manager
func NewManager(bindings store) *Manager {
	return &Manager{bindings: bindings}
}

// Admit runs the seat-admission decision for one (license, hwid) pair.
// Outcomes are counted per admission result: bound, refreshed, or rejected.
func (m *Manager) Admit(ctx context.Context, licenseID, hwid string, machineName, ipAddress *string) (*models.HardwareBinding, string, error) {
	binding, outcome, err := m.bindings.Admit(ctx, licenseID, hwid, machineName, ipAddress)
	if err != nil {
		if errors.Is(err, repositories.ErrSeatLimitReached) {
			telemetry.HWIDBindingsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, "", err
	}

	telemetry.HWIDBindingsTotal.WithLabelValues(outcome).Inc()
	if outcome == repositories.AdmitOutcomeBound {
		slog.Info("hardware binding created", "license_id", licenseID, "hwid", hwid)
	}
	return binding, outcome, nil
}

// List returns every binding on a license, active and inactive, oldest first
func (m *Manager) List(ctx context.Context, licenseID string) ([]*models.HardwareBinding, error) {
	return m.bindings.ListBindingsByLicense(ctx, licenseID)
}

// Remove frees a single seat. The binding row survives deactivated so the
// machine's history is preserved; the same fingerprint can re-admit later.
func (m *Manager) Remove(ctx context.Context, bindingID string) error {
	return m.bindings.DeactivateBinding(ctx, bindingID)
}

// RemoveAll frees every seat on a license and records who reset it and why.
// Returns the number of seats that were occupied.
func (m *Manager) RemoveAll(ctx context.Context, licenseID, resetByUserID string, reason *string) (int, error) {
	removed, err := m.bindings.DeactivateAllBindings(ctx, licenseID, resetByUserID, reason)
	if err != nil {
		return 0, err
	}
	slog.Info("hardware bindings reset", "license_id", licenseID, "removed", removed, "reset_by", resetByUserID)
	return removed, nil
}

// ResetHistory returns every recorded seat reset for a license, newest first
func (m *Manager) ResetHistory(ctx context.Context, licenseID string) ([]*models.HWIDResetLog, error) {
	return m.bindings.ListResetHistory(ctx, licenseID)
}

// ActiveCount returns the number of seats currently consumed on a license
func (m *Manager) ActiveCount(ctx context.Context, licenseID string) (int, error) {
	return m.bindings.CountActiveBindings(ctx, licenseID)
}
