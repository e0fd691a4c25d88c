package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codevault/codevault/internal/db/models"
)

// ---------------------------------------------------------------------------
// In-memory store fake
// ---------------------------------------------------------------------------

type fakeWebhookStore struct {
	hooks      []*models.Webhook
	listErr    error
	deliveries []*models.WebhookDelivery
	successes  []string
	failures   []string
}

func (f *fakeWebhookStore) ListActiveByUser(_ context.Context, _ string) ([]*models.Webhook, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.hooks, nil
}

func (f *fakeWebhookStore) RecordDelivery(_ context.Context, delivery *models.WebhookDelivery) error {
	f.deliveries = append(f.deliveries, delivery)
	return nil
}

func (f *fakeWebhookStore) MarkDeliverySuccess(_ context.Context, webhookID string, _ time.Time) error {
	f.successes = append(f.successes, webhookID)
	return nil
}

func (f *fakeWebhookStore) MarkDeliveryFailure(_ context.Context, webhookID string, _ time.Time) error {
	f.failures = append(f.failures, webhookID)
	return nil
}

func newHook(id, url string, secret *string, events ...string) *models.Webhook {
	return &models.Webhook{
		ID:       id,
		UserID:   "user-1",
		Name:     "hook " + id,
		URL:      url,
		Secret:   secret,
		Events:   events,
		IsActive: true,
	}
}

// ---------------------------------------------------------------------------
// Single deliveries
// ---------------------------------------------------------------------------

func TestDeliver_SuccessRecordsRowAndResetsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("accepted"))
	}))
	defer srv.Close()

	store := &fakeWebhookStore{}
	d := NewDispatcher(store, 10*time.Second)

	hook := newHook("wh-1", srv.URL, nil, LicenseCreated)
	delivery := d.Deliver(context.Background(), hook, LicenseCreated, map[string]interface{}{"license_id": "lic-1"})

	require.NotNil(t, delivery)
	assert.True(t, delivery.Success)
	assert.Equal(t, http.StatusOK, delivery.ResponseStatus)
	require.NotNil(t, delivery.ResponseBody)
	assert.Equal(t, "accepted", *delivery.ResponseBody)

	require.Len(t, store.deliveries, 1)
	assert.Equal(t, []string{"wh-1"}, store.successes)
	assert.Empty(t, store.failures)
}

func TestDeliver_Non2xxRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "subscriber broke", http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &fakeWebhookStore{}
	d := NewDispatcher(store, 10*time.Second)

	hook := newHook("wh-1", srv.URL, nil, LicenseRevoked)
	delivery := d.Deliver(context.Background(), hook, LicenseRevoked, nil)

	require.NotNil(t, delivery)
	assert.False(t, delivery.Success)
	assert.Equal(t, http.StatusInternalServerError, delivery.ResponseStatus)

	require.Len(t, store.deliveries, 1)
	assert.Equal(t, []string{"wh-1"}, store.failures)
	assert.Empty(t, store.successes)
}

func TestDeliver_TransportFailureRecordsStatusZero(t *testing.T) {
	// A server that is already closed guarantees a connection error.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	store := &fakeWebhookStore{}
	d := NewDispatcher(store, time.Second)

	delivery := d.Deliver(context.Background(), newHook("wh-1", url, nil, HWIDReset), HWIDReset, nil)

	require.NotNil(t, delivery)
	assert.False(t, delivery.Success)
	assert.Equal(t, 0, delivery.ResponseStatus)
	require.NotNil(t, delivery.ResponseBody)
	assert.NotEmpty(t, *delivery.ResponseBody)
	assert.Equal(t, []string{"wh-1"}, store.failures)
}

func TestDeliver_ResponseBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer srv.Close()

	store := &fakeWebhookStore{}
	d := NewDispatcher(store, 10*time.Second)

	delivery := d.Deliver(context.Background(), newHook("wh-1", srv.URL, nil, LicenseCreated), LicenseCreated, nil)

	require.NotNil(t, delivery)
	require.NotNil(t, delivery.ResponseBody)
	assert.Len(t, *delivery.ResponseBody, maxRecordedBody)
}

// ---------------------------------------------------------------------------
// Envelope and signature
// ---------------------------------------------------------------------------

func TestDeliver_EnvelopeShapeAndSignature(t *testing.T) {
	secret := "hook-secret"

	var gotBody []byte
	var gotSignature, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Webhook-Signature")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeWebhookStore{}
	d := NewDispatcher(store, 10*time.Second)

	hook := newHook("wh-1", srv.URL, &secret, LicenseValidated)
	delivery := d.Deliver(context.Background(), hook, LicenseValidated, map[string]interface{}{"license_key": "LIC-AAAA-BBBB-CCCC-DDDD"})
	require.NotNil(t, delivery)

	assert.Equal(t, "application/json", gotContentType)

	// The signature covers the exact bytes on the wire.
	assert.Equal(t, SignPayload(secret, gotBody), gotSignature)
	assert.Equal(t, string(gotBody), delivery.Payload)

	var envelope struct {
		Event     string                 `json:"event"`
		Timestamp string                 `json:"timestamp"`
		Data      map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, LicenseValidated, envelope.Event)
	assert.Equal(t, "LIC-AAAA-BBBB-CCCC-DDDD", envelope.Data["license_key"])
	_, err := time.Parse(time.RFC3339, envelope.Timestamp)
	assert.NoError(t, err)
}

func TestDeliver_NoSecretSendsNoSignatureHeader(t *testing.T) {
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawHeader = r.Header["X-Webhook-Signature"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(&fakeWebhookStore{}, 10*time.Second)
	d.Deliver(context.Background(), newHook("wh-1", srv.URL, nil, LicenseCreated), LicenseCreated, nil)

	assert.False(t, sawHeader)
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func TestEmitSync_SkipsUnsubscribedHooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeWebhookStore{hooks: []*models.Webhook{
		newHook("wh-created", srv.URL, nil, LicenseCreated),
		newHook("wh-revoked", srv.URL, nil, LicenseRevoked),
		newHook("wh-both", srv.URL, nil, LicenseCreated, LicenseRevoked),
	}}
	d := NewDispatcher(store, 10*time.Second)

	attempts, err := d.EmitSync(context.Background(), "user-1", LicenseCreated, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Len(t, store.deliveries, 2)
	ids := []string{store.deliveries[0].WebhookID, store.deliveries[1].WebhookID}
	assert.ElementsMatch(t, []string{"wh-created", "wh-both"}, ids)
}

func TestEmitSync_ListErrorPropagates(t *testing.T) {
	store := &fakeWebhookStore{listErr: assert.AnError}
	d := NewDispatcher(store, time.Second)

	_, err := d.EmitSync(context.Background(), "user-1", LicenseCreated, nil)
	assert.Error(t, err)
}

func TestEmitSync_FailedSubscriberDoesNotBlockOthers(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	store := &fakeWebhookStore{hooks: []*models.Webhook{
		newHook("wh-bad", bad.URL, nil, HWIDReset),
		newHook("wh-good", good.URL, nil, HWIDReset),
	}}
	d := NewDispatcher(store, 10*time.Second)

	attempts, err := d.EmitSync(context.Background(), "user-1", HWIDReset, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"wh-bad"}, store.failures)
	assert.Equal(t, []string{"wh-good"}, store.successes)
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func TestCatalog_EveryEventDescribed(t *testing.T) {
	for _, event := range Catalog {
		if _, ok := Descriptions[event]; !ok {
			t.Errorf("event %q has no description", event)
		}
	}
	assert.Len(t, Descriptions, len(Catalog))
}
