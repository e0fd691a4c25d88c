package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/codevault/codevault/internal/db/models"
)

// ErrSeatLimitReached is returned by Admit when a previously unseen hardware
// fingerprint arrives and every seat on the license is already taken.
var ErrSeatLimitReached = errors.New("hardware binding seat limit reached")

// Admission outcomes returned by Admit.
const (
	AdmitOutcomeBound     = "bound"     // new seat consumed
	AdmitOutcomeRefreshed = "refreshed" // returning machine, liveness updated
)

// BindingRepository handles hardware binding database operations
type BindingRepository struct {
	db *sql.DB
}

// NewBindingRepository creates a new BindingRepository
func NewBindingRepository(db *sql.DB) *BindingRepository {
	return &BindingRepository{db: db}
}

// Admit performs the seat-admission decision for one (license, hwid) pair
// atomically. A returning fingerprint refreshes its liveness without a seat
// check; an unseen fingerprint consumes a seat only if the active count is
// below the license's cap, otherwise ErrSeatLimitReached.
//
// The whole decision runs inside a transaction that first takes a row lock on
// the license (SELECT ... FOR UPDATE), serializing concurrent admissions per
// license so the count-then-insert pair cannot oversubscribe seats. The
// (license_id, hwid) unique constraint backstops the invariant at the schema
// level.
func (r *BindingRepository) Admit(ctx context.Context, licenseID, hwid string, machineName, ipAddress *string) (*models.HardwareBinding, string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	var maxMachines int
	err = tx.QueryRowContext(ctx,
		`SELECT max_machines FROM licenses WHERE id = $1 FOR UPDATE`,
		licenseID,
	).Scan(&maxMachines)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()

	// Returning machine: the (license, hwid) pair is the binding identity, so
	// re-admission only refreshes liveness and reactivates if needed.
	binding := &models.HardwareBinding{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, license_id, hwid, machine_name, ip_address, first_seen_at, last_seen_at, is_active
		 FROM hardware_bindings
		 WHERE license_id = $1 AND hwid = $2`,
		licenseID, hwid,
	).Scan(
		&binding.ID,
		&binding.LicenseID,
		&binding.HWID,
		&binding.MachineName,
		&binding.IPAddress,
		&binding.FirstSeenAt,
		&binding.LastSeenAt,
		&binding.IsActive,
	)

	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE hardware_bindings
			 SET machine_name = COALESCE($2, machine_name), ip_address = $3,
				 last_seen_at = $4, is_active = TRUE
			 WHERE id = $1`,
			binding.ID, machineName, ipAddress, now,
		)
		if err != nil {
			return nil, "", err
		}
		if machineName != nil {
			binding.MachineName = machineName
		}
		binding.IPAddress = ipAddress
		binding.LastSeenAt = now
		binding.IsActive = true

		if err := tx.Commit(); err != nil {
			return nil, "", err
		}
		return binding, AdmitOutcomeRefreshed, nil

	case err == sql.ErrNoRows:
		var active int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM hardware_bindings WHERE license_id = $1 AND is_active`,
			licenseID,
		).Scan(&active)
		if err != nil {
			return nil, "", err
		}

		if active >= maxMachines {
			return nil, "", ErrSeatLimitReached
		}

		binding = &models.HardwareBinding{
			ID:          uuid.New().String(),
			LicenseID:   licenseID,
			HWID:        hwid,
			MachineName: machineName,
			IPAddress:   ipAddress,
			FirstSeenAt: now,
			LastSeenAt:  now,
			IsActive:    true,
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO hardware_bindings (id, license_id, hwid, machine_name, ip_address, first_seen_at, last_seen_at, is_active)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)`,
			binding.ID, binding.LicenseID, binding.HWID, binding.MachineName,
			binding.IPAddress, binding.FirstSeenAt, binding.LastSeenAt,
		)
		if err != nil {
			return nil, "", err
		}

		if err := tx.Commit(); err != nil {
			return nil, "", err
		}
		return binding, AdmitOutcomeBound, nil

	default:
		return nil, "", err
	}
}

// ListBindingsByLicense retrieves all bindings (active and inactive) for a
// license, newest first seen last.
func (r *BindingRepository) ListBindingsByLicense(ctx context.Context, licenseID string) ([]*models.HardwareBinding, error) {
	query := `
		SELECT id, license_id, hwid, machine_name, ip_address, first_seen_at, last_seen_at, is_active
		FROM hardware_bindings
		WHERE license_id = $1
		ORDER BY first_seen_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := make([]*models.HardwareBinding, 0)
	for rows.Next() {
		binding := &models.HardwareBinding{}
		err := rows.Scan(
			&binding.ID,
			&binding.LicenseID,
			&binding.HWID,
			&binding.MachineName,
			&binding.IPAddress,
			&binding.FirstSeenAt,
			&binding.LastSeenAt,
			&binding.IsActive,
		)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}

	return bindings, rows.Err()
}

// DeactivateBinding frees one seat by deactivating a single binding.
// The row is kept so the (license, hwid) history survives; a returning
// machine reactivates it through Admit.
func (r *BindingRepository) DeactivateBinding(ctx context.Context, bindingID string) error {
	query := `UPDATE hardware_bindings SET is_active = FALSE WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, bindingID)
	return err
}

// DeactivateAllBindings frees every seat on a license and records the reset in
// the audit trail. Returns the number of bindings that were active.
func (r *BindingRepository) DeactivateAllBindings(ctx context.Context, licenseID, resetByUserID string, reason *string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE hardware_bindings SET is_active = FALSE WHERE license_id = $1 AND is_active`,
		licenseID,
	)
	if err != nil {
		return 0, err
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO hwid_reset_logs (id, license_id, reset_by_user_id, bindings_removed, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), licenseID, resetByUserID, removed, reason, time.Now(),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return int(removed), nil
}

// ListResetHistory returns every seat reset recorded for a license, newest first
func (r *BindingRepository) ListResetHistory(ctx context.Context, licenseID string) ([]*models.HWIDResetLog, error) {
	query := `
		SELECT id, license_id, reset_by_user_id, bindings_removed, reason, created_at
		FROM hwid_reset_logs
		WHERE license_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]*models.HWIDResetLog, 0)
	for rows.Next() {
		entry := &models.HWIDResetLog{}
		err := rows.Scan(
			&entry.ID,
			&entry.LicenseID,
			&entry.ResetByUserID,
			&entry.BindingsRemoved,
			&entry.Reason,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// CountActiveBindings returns the number of seats currently consumed on a license
func (r *BindingRepository) CountActiveBindings(ctx context.Context, licenseID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM hardware_bindings WHERE license_id = $1 AND is_active`
	err := r.db.QueryRowContext(ctx, query, licenseID).Scan(&count)
	return count, err
}
