// Package jobs contains background workers that run on a schedule. The license
// expiry sweeper periodically scans for licenses whose expiry instant has
// passed and emits a license.expired webhook event to the owning account.
// Validation already rejects expired licenses on contact; the sweeper exists
// for licenses that expire while idle, so subscribers hear about the
// transition without waiting for the next check-in. Notification state is
// persisted (expiry_notified_at column) so the event fires exactly once even
// across server restarts.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/events"
)

// sweepBatchSize caps how many licenses one sweep processes. A backlog larger
// than this drains over consecutive sweeps instead of one unbounded pass.
const sweepBatchSize = 500

// licenseSweepStore is the slice of LicenseRepository the sweeper needs.
type licenseSweepStore interface {
	FindNewlyExpired(ctx context.Context, now time.Time, limit int) ([]*models.License, error)
	MarkExpiryNotified(ctx context.Context, licenseID string, at time.Time) error
}

// eventEmitter is the slice of the event dispatcher the sweeper needs.
type eventEmitter interface {
	EmitSync(ctx context.Context, ownerID, event string, data map[string]interface{}) (int, error)
}

// LicenseExpirySweeper periodically emits license.expired for licenses that
// lapsed since the previous sweep.
type LicenseExpirySweeper struct {
	licenses licenseSweepStore
	events   eventEmitter
	interval time.Duration
	stopChan chan struct{}
	now      func() time.Time
}

// NewLicenseExpirySweeper creates a sweeper that scans on the given interval.
func NewLicenseExpirySweeper(licenses licenseSweepStore, emitter eventEmitter, interval time.Duration) *LicenseExpirySweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LicenseExpirySweeper{
		licenses: licenses,
		events:   emitter,
		interval: interval,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the background sweep loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (s *LicenseExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("license expiry sweeper started", "interval", s.interval)

	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopChan:
			slog.Info("license expiry sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("license expiry sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *LicenseExpirySweeper) Stop() {
	close(s.stopChan)
}

// runSweep finds licenses that lapsed since the last sweep, emits
// license.expired for each, and stamps them notified. The stamp is written
// only after a successful emit attempt set, so a crash mid-sweep re-delivers
// rather than drops (webhook delivery is best-effort either way).
func (s *LicenseExpirySweeper) runSweep(ctx context.Context) {
	now := s.now()

	expired, err := s.licenses.FindNewlyExpired(ctx, now, sweepBatchSize)
	if err != nil {
		slog.Error("license expiry sweep query failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	slog.Info("license expiry sweep found lapsed licenses", "count", len(expired))

	for _, lic := range expired {
		data := map[string]interface{}{
			"license_id":  lic.ID,
			"license_key": lic.LicenseKey,
			"project_id":  lic.ProjectID,
		}
		if lic.ExpiresAt != nil {
			data["expired_at"] = lic.ExpiresAt.UTC().Format(time.RFC3339)
		}

		if _, err := s.events.EmitSync(ctx, lic.OwnerUserID, events.LicenseExpired, data); err != nil {
			slog.Error("license expiry event emit failed", "error", err, "license_id", lic.ID)
			continue
		}

		if err := s.licenses.MarkExpiryNotified(ctx, lic.ID, now); err != nil {
			slog.Error("license expiry stamp failed", "error", err, "license_id", lic.ID)
		}
	}
}
