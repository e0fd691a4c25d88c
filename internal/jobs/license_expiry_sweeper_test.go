package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/events"
)

// stubSweepStore is an in-memory licenseSweepStore.
type stubSweepStore struct {
	mu       sync.Mutex
	expired  []*models.License
	findErr  error
	markErr  error
	notified []string
}

func (s *stubSweepStore) FindNewlyExpired(_ context.Context, _ time.Time, _ int) ([]*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.expired, nil
}

func (s *stubSweepStore) MarkExpiryNotified(_ context.Context, licenseID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.notified = append(s.notified, licenseID)
	return nil
}

type emittedEvent struct {
	ownerID string
	event   string
	data    map[string]interface{}
}

type stubEmitter struct {
	mu      sync.Mutex
	emitted []emittedEvent
	err     error
}

func (e *stubEmitter) EmitSync(_ context.Context, ownerID, event string, data map[string]interface{}) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return 0, e.err
	}
	e.emitted = append(e.emitted, emittedEvent{ownerID: ownerID, event: event, data: data})
	return 1, nil
}

func expiredLicense(id, key, owner string, expiredAt time.Time) *models.License {
	return &models.License{
		ID:          id,
		ProjectID:   "proj-1",
		LicenseKey:  key,
		ExpiresAt:   &expiredAt,
		OwnerUserID: owner,
	}
}

func TestRunSweep_EmitsAndStamps(t *testing.T) {
	lapsed := time.Now().Add(-time.Hour)
	store := &stubSweepStore{expired: []*models.License{
		expiredLicense("lic-1", "LIC-AAAA-BBBB-CCCC-DDDD", "user-1", lapsed),
		expiredLicense("lic-2", "LIC-EEEE-FFFF-GGGG-HHHH", "user-2", lapsed),
	}}
	emitter := &stubEmitter{}

	s := NewLicenseExpirySweeper(store, emitter, time.Hour)
	s.runSweep(context.Background())

	if len(emitter.emitted) != 2 {
		t.Fatalf("emitted %d events, want 2", len(emitter.emitted))
	}
	first := emitter.emitted[0]
	if first.event != events.LicenseExpired {
		t.Errorf("event = %q, want %q", first.event, events.LicenseExpired)
	}
	if first.ownerID != "user-1" {
		t.Errorf("ownerID = %q, want user-1", first.ownerID)
	}
	if first.data["license_key"] != "LIC-AAAA-BBBB-CCCC-DDDD" {
		t.Errorf("license_key = %v, want LIC-AAAA-BBBB-CCCC-DDDD", first.data["license_key"])
	}
	if _, ok := first.data["expired_at"]; !ok {
		t.Error("event data missing expired_at")
	}

	if len(store.notified) != 2 {
		t.Fatalf("stamped %d licenses, want 2", len(store.notified))
	}
	if store.notified[0] != "lic-1" || store.notified[1] != "lic-2" {
		t.Errorf("notified = %v, want [lic-1 lic-2]", store.notified)
	}
}

func TestRunSweep_NothingExpired(t *testing.T) {
	store := &stubSweepStore{}
	emitter := &stubEmitter{}

	s := NewLicenseExpirySweeper(store, emitter, time.Hour)
	s.runSweep(context.Background())

	if len(emitter.emitted) != 0 {
		t.Errorf("emitted %d events, want 0", len(emitter.emitted))
	}
	if len(store.notified) != 0 {
		t.Errorf("stamped %d licenses, want 0", len(store.notified))
	}
}

func TestRunSweep_QueryFailureEmitsNothing(t *testing.T) {
	store := &stubSweepStore{findErr: errors.New("db down")}
	emitter := &stubEmitter{}

	s := NewLicenseExpirySweeper(store, emitter, time.Hour)
	s.runSweep(context.Background())

	if len(emitter.emitted) != 0 {
		t.Errorf("emitted %d events after query failure, want 0", len(emitter.emitted))
	}
}

func TestRunSweep_EmitFailureSkipsStamp(t *testing.T) {
	// If the subscriber list cannot even be loaded, the license must stay
	// unstamped so the next sweep retries it.
	lapsed := time.Now().Add(-time.Hour)
	store := &stubSweepStore{expired: []*models.License{
		expiredLicense("lic-1", "LIC-AAAA-BBBB-CCCC-DDDD", "user-1", lapsed),
	}}
	emitter := &stubEmitter{err: errors.New("dispatcher unavailable")}

	s := NewLicenseExpirySweeper(store, emitter, time.Hour)
	s.runSweep(context.Background())

	if len(store.notified) != 0 {
		t.Errorf("stamped %d licenses after emit failure, want 0", len(store.notified))
	}
}

func TestSweeper_StartStop(t *testing.T) {
	store := &stubSweepStore{}
	emitter := &stubEmitter{}
	s := NewLicenseExpirySweeper(store, emitter, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestSweeper_StartHonorsContextCancel(t *testing.T) {
	store := &stubSweepStore{}
	emitter := &stubEmitter{}
	s := NewLicenseExpirySweeper(store, emitter, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestNewLicenseExpirySweeper_DefaultsInterval(t *testing.T) {
	s := NewLicenseExpirySweeper(&stubSweepStore{}, &stubEmitter{}, 0)
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want 1h default", s.interval)
	}
}
