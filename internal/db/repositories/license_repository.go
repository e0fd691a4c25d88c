package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codevault/codevault/internal/db/models"
)

// LicenseRepository handles license database operations
type LicenseRepository struct {
	db *sql.DB
}

// NewLicenseRepository creates a new LicenseRepository
func NewLicenseRepository(db *sql.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// licenseColumns is the canonical select list for license rows, with the active
// seat count joined in as a subquery.
const licenseColumns = `
	l.id, l.project_id, l.license_key, l.status, l.expires_at, l.max_machines,
	l.features, l.client_name, l.client_email, l.notes, l.last_validated_at,
	l.created_at, l.updated_at,
	(SELECT COUNT(*) FROM hardware_bindings hb WHERE hb.license_id = l.id AND hb.is_active) AS active_machines
`

// CreateLicense creates a new license
func (r *LicenseRepository) CreateLicense(ctx context.Context, license *models.License) error {
	license.ID = uuid.New().String()
	license.CreatedAt = time.Now()
	license.UpdatedAt = time.Now()
	if license.Status == "" {
		license.Status = models.LicenseStatusActive
	}
	if license.MaxMachines < 1 {
		license.MaxMachines = 1
	}
	if license.Features == nil {
		license.Features = []string{}
	}

	featuresJSON, err := json.Marshal(license.Features)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO licenses (id, project_id, license_key, status, expires_at, max_machines,
			features, client_name, client_email, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		license.ID,
		license.ProjectID,
		license.LicenseKey,
		license.Status,
		license.ExpiresAt,
		license.MaxMachines,
		featuresJSON,
		license.ClientName,
		license.ClientEmail,
		license.Notes,
		license.CreatedAt,
		license.UpdatedAt,
	)

	return err
}

// GetLicenseByID retrieves a license by ID
func (r *LicenseRepository) GetLicenseByID(ctx context.Context, licenseID string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses l WHERE l.id = $1`
	return r.scanLicense(r.db.QueryRowContext(ctx, query, licenseID))
}

// GetLicenseByKey retrieves a license by its opaque key. Returns (nil, nil)
// for unknown keys so the validation engine can distinguish "no such license"
// from a query failure.
func (r *LicenseRepository) GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses l WHERE l.license_key = $1`
	return r.scanLicense(r.db.QueryRowContext(ctx, query, licenseKey))
}

// ListLicensesByProject retrieves all licenses for a project, newest first
func (r *LicenseRepository) ListLicensesByProject(ctx context.Context, projectID string) ([]*models.License, error) {
	query := `
		SELECT ` + licenseColumns + `
		FROM licenses l
		WHERE l.project_id = $1
		ORDER BY l.created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := make([]*models.License, 0)
	for rows.Next() {
		license, err := r.scanLicenseRow(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// CountLicensesByProject returns the number of licenses issued under a project.
// Used by the entitlement gate to enforce per-tier license limits.
func (r *LicenseRepository) CountLicensesByProject(ctx context.Context, projectID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM licenses WHERE project_id = $1`
	err := r.db.QueryRowContext(ctx, query, projectID).Scan(&count)
	return count, err
}

// UpdateLicense updates a license's mutable fields (expiry, seat cap, features,
// client metadata). The key and status are managed by dedicated operations.
func (r *LicenseRepository) UpdateLicense(ctx context.Context, license *models.License) error {
	license.UpdatedAt = time.Now()

	featuresJSON, err := json.Marshal(license.Features)
	if err != nil {
		return err
	}

	query := `
		UPDATE licenses
		SET expires_at = $2, max_machines = $3, features = $4,
			client_name = $5, client_email = $6, notes = $7, updated_at = $8
		WHERE id = $1
	`

	_, err = r.db.ExecContext(ctx, query,
		license.ID,
		license.ExpiresAt,
		license.MaxMachines,
		featuresJSON,
		license.ClientName,
		license.ClientEmail,
		license.Notes,
		license.UpdatedAt,
	)

	return err
}

// RevokeLicense marks a license revoked. Revocation is one-way; there is no
// corresponding un-revoke operation.
func (r *LicenseRepository) RevokeLicense(ctx context.Context, licenseID string) error {
	query := `UPDATE licenses SET status = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, licenseID, models.LicenseStatusRevoked, time.Now())
	return err
}

// FindNewlyExpired returns active licenses whose expiry has passed and whose
// expiration has not yet been notified, oldest expiry first. The owning user
// is joined in because the expiry sweeper fans the event out by owner.
func (r *LicenseRepository) FindNewlyExpired(ctx context.Context, now time.Time, limit int) ([]*models.License, error) {
	query := `
		SELECT l.id, l.project_id, l.license_key, l.expires_at, p.user_id
		FROM licenses l
		JOIN projects p ON p.id = l.project_id
		WHERE l.status = $1
		  AND l.expires_at IS NOT NULL
		  AND l.expires_at <= $2
		  AND l.expiry_notified_at IS NULL
		ORDER BY l.expires_at
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.LicenseStatusActive, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := make([]*models.License, 0)
	for rows.Next() {
		license := &models.License{}
		err := rows.Scan(
			&license.ID,
			&license.ProjectID,
			&license.LicenseKey,
			&license.ExpiresAt,
			&license.OwnerUserID,
		)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// MarkExpiryNotified stamps a license so the expiry sweeper never emits
// license.expired for it again.
func (r *LicenseRepository) MarkExpiryNotified(ctx context.Context, licenseID string, at time.Time) error {
	query := `UPDATE licenses SET expiry_notified_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, licenseID, at)
	return err
}

// TouchLastValidated stamps the license's last successful validation time
func (r *LicenseRepository) TouchLastValidated(ctx context.Context, licenseID string, at time.Time) error {
	query := `UPDATE licenses SET last_validated_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, licenseID, at)
	return err
}

// DeleteLicense deletes a license (cascades to bindings and reset logs)
func (r *LicenseRepository) DeleteLicense(ctx context.Context, licenseID string) error {
	query := `DELETE FROM licenses WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, licenseID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *LicenseRepository) scanLicense(row *sql.Row) (*models.License, error) {
	license, err := r.scanLicenseRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func (r *LicenseRepository) scanLicenseRow(row rowScanner) (*models.License, error) {
	license := &models.License{}
	var featuresJSON []byte

	err := row.Scan(
		&license.ID,
		&license.ProjectID,
		&license.LicenseKey,
		&license.Status,
		&license.ExpiresAt,
		&license.MaxMachines,
		&featuresJSON,
		&license.ClientName,
		&license.ClientEmail,
		&license.Notes,
		&license.LastValidatedAt,
		&license.CreatedAt,
		&license.UpdatedAt,
		&license.ActiveMachines,
	)
	if err != nil {
		return nil, err
	}

	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &license.Features); err != nil {
			return nil, err
		}
	}
	if license.Features == nil {
		license.Features = []string{}
	}

	return license, nil
}
