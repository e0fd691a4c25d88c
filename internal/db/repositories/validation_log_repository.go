package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/codevault/codevault/internal/db/models"
)

// ValidationLogRepository handles the append-only validation audit trail
type ValidationLogRepository struct {
	db *sql.DB
}

// NewValidationLogRepository creates a new ValidationLogRepository
func NewValidationLogRepository(db *sql.DB) *ValidationLogRepository {
	return &ValidationLogRepository{db: db}
}

// InsertLog appends one validation attempt to the audit trail. LicenseID is
// nil for attempts against unknown keys — those are logged too.
func (r *ValidationLogRepository) InsertLog(ctx context.Context, entry *models.ValidationLog) error {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now()

	query := `
		INSERT INTO validation_logs (id, license_id, license_key, hwid, ip_address, result,
			response_time_ms, city, country, latitude, longitude, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.LicenseID,
		entry.LicenseKey,
		entry.HWID,
		entry.IPAddress,
		entry.Result,
		entry.ResponseTimeMS,
		entry.City,
		entry.Country,
		entry.Latitude,
		entry.Longitude,
		entry.CreatedAt,
	)

	return err
}

// ListByLicense retrieves a page of validation attempts for a license, newest first
func (r *ValidationLogRepository) ListByLicense(ctx context.Context, licenseID string, limit, offset int) ([]*models.ValidationLog, error) {
	query := `
		SELECT id, license_id, license_key, hwid, ip_address, result,
			response_time_ms, city, country, latitude, longitude, created_at
		FROM validation_logs
		WHERE license_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, licenseID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanValidationLogs(rows)
}

// CountByResult returns per-outcome totals for a license over the trailing
// window, for the dashboard analytics view.
func (r *ValidationLogRepository) CountByResult(ctx context.Context, licenseID string, since time.Time) (map[string]int, error) {
	query := `
		SELECT result, COUNT(*)
		FROM validation_logs
		WHERE license_id = $1 AND created_at >= $2
		GROUP BY result
	`

	rows, err := r.db.QueryContext(ctx, query, licenseID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var result string
		var count int
		if err := rows.Scan(&result, &count); err != nil {
			return nil, err
		}
		counts[result] = count
	}

	return counts, rows.Err()
}

func scanValidationLogs(rows *sql.Rows) ([]*models.ValidationLog, error) {
	logs := make([]*models.ValidationLog, 0)
	for rows.Next() {
		entry := &models.ValidationLog{}
		err := rows.Scan(
			&entry.ID,
			&entry.LicenseID,
			&entry.LicenseKey,
			&entry.HWID,
			&entry.IPAddress,
			&entry.Result,
			&entry.ResponseTimeMS,
			&entry.City,
			&entry.Country,
			&entry.Latitude,
			&entry.Longitude,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
