package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/geo"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeLicenseStore struct {
	licenses map[string]*models.License
	touched  map[string]time.Time
	err      error
}

func (f *fakeLicenseStore) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.licenses[key], nil
}

func (f *fakeLicenseStore) TouchLastValidated(_ context.Context, id string, at time.Time) error {
	if f.touched == nil {
		f.touched = make(map[string]time.Time)
	}
	f.touched[id] = at
	return nil
}

// fakeSeats enforces max_machines over an in-memory binding set, mirroring the
// repository's admission semantics.
type fakeSeats struct {
	maxMachines int
	bound       map[string]bool // hwid -> active
}

func (f *fakeSeats) Admit(_ context.Context, _ string, hwid string, _, _ *string) (*models.HardwareBinding, string, error) {
	if f.bound == nil {
		f.bound = make(map[string]bool)
	}
	if f.bound[hwid] {
		return &models.HardwareBinding{HWID: hwid, IsActive: true}, repositories.AdmitOutcomeRefreshed, nil
	}
	active := 0
	for _, a := range f.bound {
		if a {
			active++
		}
	}
	if active >= f.maxMachines {
		return nil, "", repositories.ErrSeatLimitReached
	}
	f.bound[hwid] = true
	return &models.HardwareBinding{HWID: hwid, IsActive: true}, repositories.AdmitOutcomeBound, nil
}

type fakeAudit struct {
	entries []*models.ValidationLog
}

func (f *fakeAudit) InsertLog(_ context.Context, entry *models.ValidationLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

const testSecret = "engine-test-secret"

type harness struct {
	engine *Engine
	store  *fakeLicenseStore
	seats  *fakeSeats
	audit  *fakeAudit
	signer *Signer
}

func newHarness(lic *models.License, maxMachines int) *harness {
	store := &fakeLicenseStore{licenses: map[string]*models.License{}}
	if lic != nil {
		store.licenses[lic.LicenseKey] = lic
	}
	seats := &fakeSeats{maxMachines: maxMachines}
	audit := &fakeAudit{}
	signer := NewSigner(testSecret)
	engine := NewEngine(store, seats, audit, geo.NoopResolver{}, signer, 300*time.Second)
	return &harness{engine: engine, store: store, seats: seats, audit: audit, signer: signer}
}

func validRequest(key, hwid string) *Request {
	return &Request{
		LicenseKey:  key,
		HWID:        hwid,
		MachineName: "test-machine",
		Nonce:       "client-nonce-1",
		Timestamp:   time.Now().Unix(),
	}
}

func activeLicense(key string, maxMachines int) *models.License {
	return &models.License{
		ID:          "lic-1",
		ProjectID:   "proj-1",
		LicenseKey:  key,
		Status:      models.LicenseStatusActive,
		MaxMachines: maxMachines,
		Features:    []string{"export"},
	}
}

// ---------------------------------------------------------------------------
// Pipeline outcomes
// ---------------------------------------------------------------------------

func TestValidate_StaleTimestampRejectedBeforeLookup(t *testing.T) {
	h := newHarness(activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1), 1)

	req := validRequest("LIC-AAAA-BBBB-CCCC-DDDD", "F1")
	req.Timestamp = time.Now().Add(-301 * time.Second).Unix()

	resp := h.engine.Validate(context.Background(), req, "203.0.113.7")

	assert.Equal(t, StatusInvalid, resp.Status)
	assert.Equal(t, "Request timestamp expired", resp.Message)
	// Logged with a null license reference: the license was never resolved.
	require.Len(t, h.audit.entries, 1)
	assert.Nil(t, h.audit.entries[0].LicenseID)
	// No binding was created.
	assert.Empty(t, h.seats.bound)
}

func TestValidate_FutureTimestampAlsoRejected(t *testing.T) {
	h := newHarness(activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1), 1)

	req := validRequest("LIC-AAAA-BBBB-CCCC-DDDD", "F1")
	req.Timestamp = time.Now().Add(301 * time.Second).Unix()

	resp := h.engine.Validate(context.Background(), req, "203.0.113.7")
	assert.Equal(t, StatusInvalid, resp.Status)
}

func TestValidate_TimestampWithinWindowAccepted(t *testing.T) {
	h := newHarness(activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1), 1)

	req := validRequest("LIC-AAAA-BBBB-CCCC-DDDD", "F1")
	req.Timestamp = time.Now().Add(-299 * time.Second).Unix()

	resp := h.engine.Validate(context.Background(), req, "203.0.113.7")
	assert.Equal(t, StatusValid, resp.Status)
}

func TestValidate_UnknownKeyLoggedWithNullLicense(t *testing.T) {
	h := newHarness(nil, 1)

	resp := h.engine.Validate(context.Background(), validRequest("LIC-DOES-NOTE-XIST-0000", "F1"), "203.0.113.7")

	assert.Equal(t, StatusInvalid, resp.Status)
	assert.Equal(t, "License not found", resp.Message)
	require.Len(t, h.audit.entries, 1)
	assert.Nil(t, h.audit.entries[0].LicenseID)
	assert.Equal(t, "LIC-DOES-NOTE-XIST-0000", h.audit.entries[0].LicenseKey)
}

func TestValidate_RevokedLicense(t *testing.T) {
	lic := activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1)
	lic.Status = models.LicenseStatusRevoked
	h := newHarness(lic, 1)

	resp := h.engine.Validate(context.Background(), validRequest(lic.LicenseKey, "F1"), "203.0.113.7")

	assert.Equal(t, StatusRevoked, resp.Status)
	require.Len(t, h.audit.entries, 1)
	require.NotNil(t, h.audit.entries[0].LicenseID)
	assert.Equal(t, "lic-1", *h.audit.entries[0].LicenseID)
	// Binding state untouched.
	assert.Empty(t, h.seats.bound)
}

func TestValidate_ExpiredLicense(t *testing.T) {
	lic := activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1)
	past := time.Now().Add(-time.Hour)
	lic.ExpiresAt = &past
	h := newHarness(lic, 1)

	resp := h.engine.Validate(context.Background(), validRequest(lic.LicenseKey, "F1"), "203.0.113.7")

	assert.Equal(t, StatusExpired, resp.Status)
	assert.Empty(t, h.seats.bound)
}

// The spec scenario: max_machines=1, F1 binds, F2 is rejected, after revoke F1
// gets revoked.
func TestValidate_SeatScenario(t *testing.T) {
	lic := activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1)
	h := newHarness(lic, 1)
	ctx := context.Background()

	resp := h.engine.Validate(ctx, validRequest(lic.LicenseKey, "F1"), "203.0.113.7")
	assert.Equal(t, StatusValid, resp.Status)

	resp = h.engine.Validate(ctx, validRequest(lic.LicenseKey, "F2"), "203.0.113.8")
	assert.Equal(t, StatusHWIDMismatch, resp.Status)
	assert.Contains(t, resp.Message, "Maximum machines (1)")

	// Re-validation from the bound fingerprint still succeeds at saturation.
	resp = h.engine.Validate(ctx, validRequest(lic.LicenseKey, "F1"), "203.0.113.7")
	assert.Equal(t, StatusValid, resp.Status)

	lic.Status = models.LicenseStatusRevoked
	resp = h.engine.Validate(ctx, validRequest(lic.LicenseKey, "F1"), "203.0.113.7")
	assert.Equal(t, StatusRevoked, resp.Status)

	// One audit row per attempt, every attempt.
	assert.Len(t, h.audit.entries, 4)
}

func TestValidate_SuccessStampsLastValidatedAndReturnsFeatures(t *testing.T) {
	lic := activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 2)
	future := time.Now().Add(48 * time.Hour)
	lic.ExpiresAt = &future
	h := newHarness(lic, 2)

	resp := h.engine.Validate(context.Background(), validRequest(lic.LicenseKey, "F1"), "203.0.113.7")

	assert.Equal(t, StatusValid, resp.Status)
	assert.Equal(t, []string{"export"}, resp.Features)
	require.NotNil(t, resp.ExpiresAt)
	assert.Equal(t, future.Unix(), *resp.ExpiresAt)
	assert.Contains(t, h.store.touched, "lic-1")
}

func TestValidate_InfrastructureErrorFailsClosed(t *testing.T) {
	h := newHarness(nil, 1)
	h.store.err = assert.AnError

	resp := h.engine.Validate(context.Background(), validRequest("LIC-AAAA-BBBB-CCCC-DDDD", "F1"), "203.0.113.7")

	assert.Equal(t, StatusInvalid, resp.Status)
	assert.Equal(t, "Validation unavailable", resp.Message)
}

// ---------------------------------------------------------------------------
// Response integrity
// ---------------------------------------------------------------------------

// Recomputing the HMAC over the returned tuple reproduces the signature for
// every response, including rejections.
func TestValidate_EveryResponseSigned(t *testing.T) {
	lic := activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1)
	h := newHarness(lic, 1)
	ctx := context.Background()

	responses := []*Response{
		h.engine.Validate(ctx, validRequest(lic.LicenseKey, "F1"), "203.0.113.7"),      // valid
		h.engine.Validate(ctx, validRequest(lic.LicenseKey, "F2"), "203.0.113.8"),      // hwid_mismatch
		h.engine.Validate(ctx, validRequest("LIC-DOES-NOTE-XIST-0000", "F3"), "1.2.3.4"), // invalid
	}

	stale := validRequest(lic.LicenseKey, "F1")
	stale.Timestamp = time.Now().Add(-time.Hour).Unix()
	responses = append(responses, h.engine.Validate(ctx, stale, "203.0.113.7")) // stale

	for _, resp := range responses {
		ok := h.signer.Verify(resp.Signature, resp.Status, resp.ExpiresAt, resp.ClientNonce, resp.ServerNonce, resp.Timestamp)
		assert.True(t, ok, "signature did not verify for status %q", resp.Status)
	}
}

func TestValidate_EchoesClientNonceAndFreshServerNonce(t *testing.T) {
	lic := activeLicense("LIC-AAAA-BBBB-CCCC-DDDD", 1)
	h := newHarness(lic, 1)

	req := validRequest(lic.LicenseKey, "F1")
	req.Nonce = "my-client-nonce"
	resp1 := h.engine.Validate(context.Background(), req, "203.0.113.7")
	resp2 := h.engine.Validate(context.Background(), req, "203.0.113.7")

	assert.Equal(t, "my-client-nonce", resp1.ClientNonce)
	assert.NotEmpty(t, resp1.ServerNonce)
	assert.NotEqual(t, resp1.ServerNonce, resp2.ServerNonce)
}

func TestValidate_RejectionsCarryEmptyFeatureList(t *testing.T) {
	h := newHarness(nil, 1)

	resp := h.engine.Validate(context.Background(), validRequest("LIC-DOES-NOTE-XIST-0000", "F1"), "203.0.113.7")

	require.NotNil(t, resp.Features)
	assert.Empty(t, resp.Features)
	assert.Nil(t, resp.ExpiresAt)
}
