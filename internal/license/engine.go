package license

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/geo"
	"github.com/codevault/codevault/internal/telemetry"
)

// Validation outcomes form a closed enumeration.
const (
	StatusValid        = "valid"
	StatusInvalid      = "invalid"
	StatusRevoked      = "revoked"
	StatusExpired      = "expired"
	StatusHWIDMismatch = "hwid_mismatch"
)

// Request is the stable wire shape of a validation call
type Request struct {
	LicenseKey  string `json:"license_key" binding:"required"`
	HWID        string `json:"hwid" binding:"required"`
	MachineName string `json:"machine_name"`
	Nonce       string `json:"nonce" binding:"required"`
	Timestamp   int64  `json:"timestamp" binding:"required"`
}

// Response is the signed validation decision returned to clients
type Response struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	ExpiresAt   *int64   `json:"expires_at"`
	Features    []string `json:"features"`
	ClientNonce string   `json:"client_nonce"`
	ServerNonce string   `json:"server_nonce"`
	Timestamp   int64    `json:"timestamp"`
	Signature   string   `json:"signature"`
}

// licenseStore is the slice of LicenseRepository the engine needs
type licenseStore interface {
	GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error)
	TouchLastValidated(ctx context.Context, licenseID string, at time.Time) error
}

// seatAdmitter is the slice of the binding manager the engine needs
type seatAdmitter interface {
	Admit(ctx context.Context, licenseID, hwid string, machineName, ipAddress *string) (*models.HardwareBinding, string, error)
}

// auditTrail is the slice of ValidationLogRepository the engine needs
type auditTrail interface {
	InsertLog(ctx context.Context, entry *models.ValidationLog) error
}

// Engine evaluates validation requests against stored license state and
// produces signed responses. Every request yields exactly one audit row and
// one signed response; the engine itself never returns an error to the
// transport layer — infrastructure failures resolve to the fail-closed
// "invalid" outcome.
type Engine struct {
	licenses licenseStore
	seats    seatAdmitter
	audit    auditTrail
	geo      geo.Resolver
	signer   *Signer

	// clockSkewWindow bounds |now - request.timestamp|; requests outside it are
	// rejected before any license lookup.
	clockSkewWindow time.Duration

	now func() time.Time
}

// NewEngine creates a validation engine
func NewEngine(licenses licenseStore, seats seatAdmitter, audit auditTrail, resolver geo.Resolver, signer *Signer, clockSkewWindow time.Duration) *Engine {
	return &Engine{
		licenses:        licenses,
		seats:           seats,
		audit:           audit,
		geo:             resolver,
		signer:          signer,
		clockSkewWindow: clockSkewWindow,
		now:             time.Now,
	}
}

// Validate runs the decision pipeline for one request. clientIP is the
// network origin recorded on the audit row and on any new binding.
func (e *Engine) Validate(ctx context.Context, req *Request, clientIP string) *Response {
	start := e.now()
	location := e.geo.Resolve(ctx, clientIP)

	// Clock-skew / replay guard, checked before any lookup.
	if d := start.Unix() - req.Timestamp; d > int64(e.clockSkewWindow.Seconds()) || -d > int64(e.clockSkewWindow.Seconds()) {
		e.log(ctx, nil, req, clientIP, StatusInvalid, start, location)
		return e.respond(StatusInvalid, "Request timestamp expired", req.Nonce, nil, nil)
	}

	lic, err := e.licenses.GetLicenseByKey(ctx, req.LicenseKey)
	if err != nil {
		slog.Error("license lookup failed", "error", err)
		e.log(ctx, nil, req, clientIP, StatusInvalid, start, location)
		return e.respond(StatusInvalid, "Validation unavailable", req.Nonce, nil, nil)
	}

	if lic == nil {
		e.log(ctx, nil, req, clientIP, StatusInvalid, start, location)
		return e.respond(StatusInvalid, "License not found", req.Nonce, nil, nil)
	}

	if lic.Status == models.LicenseStatusRevoked {
		e.log(ctx, &lic.ID, req, clientIP, StatusRevoked, start, location)
		return e.respond(StatusRevoked, "License has been revoked", req.Nonce, nil, nil)
	}

	if lic.IsExpired(start) {
		e.log(ctx, &lic.ID, req, clientIP, StatusExpired, start, location)
		return e.respond(StatusExpired, "License has expired", req.Nonce, nil, nil)
	}

	var machineName *string
	if req.MachineName != "" {
		machineName = &req.MachineName
	}
	var origin *string
	if clientIP != "" {
		origin = &clientIP
	}

	_, _, err = e.seats.Admit(ctx, lic.ID, req.HWID, machineName, origin)
	if err != nil {
		if errors.Is(err, repositories.ErrSeatLimitReached) {
			e.log(ctx, &lic.ID, req, clientIP, StatusHWIDMismatch, start, location)
			return e.respond(StatusHWIDMismatch,
				"Maximum machines ("+strconv.Itoa(lic.MaxMachines)+") reached",
				req.Nonce, nil, nil)
		}
		slog.Error("seat admission failed", "error", err, "license_id", lic.ID)
		e.log(ctx, &lic.ID, req, clientIP, StatusInvalid, start, location)
		return e.respond(StatusInvalid, "Validation unavailable", req.Nonce, nil, nil)
	}

	if err := e.licenses.TouchLastValidated(ctx, lic.ID, start); err != nil {
		slog.Warn("failed to stamp last_validated_at", "error", err, "license_id", lic.ID)
	}

	e.log(ctx, &lic.ID, req, clientIP, StatusValid, start, location)

	var expiresAt *int64
	if lic.ExpiresAt != nil {
		epoch := lic.ExpiresAt.Unix()
		expiresAt = &epoch
	}

	return e.respond(StatusValid, "License valid", req.Nonce, expiresAt, lic.Features)
}

// respond builds a signed response. A nonce generation failure would leave the
// response unsigned, so it is treated as fatal to the response and downgraded
// to an empty server nonce with the signature still covering it.
func (e *Engine) respond(status, message, clientNonce string, expiresAt *int64, features []string) *Response {
	serverNonce, err := GenerateNonce()
	if err != nil {
		slog.Error("server nonce generation failed", "error", err)
		serverNonce = ""
	}
	if features == nil {
		features = []string{}
	}

	timestamp := e.now().Unix()
	resp := &Response{
		Status:      status,
		Message:     message,
		ExpiresAt:   expiresAt,
		Features:    features,
		ClientNonce: clientNonce,
		ServerNonce: serverNonce,
		Timestamp:   timestamp,
	}
	resp.Signature = e.signer.Sign(status, expiresAt, clientNonce, serverNonce, timestamp)

	telemetry.ValidationsTotal.WithLabelValues(status).Inc()
	return resp
}

// log appends the audit row for one attempt. Audit failures are logged but do
// not change the validation outcome — the decision has already been made.
func (e *Engine) log(ctx context.Context, licenseID *string, req *Request, clientIP, result string, start time.Time, location geo.Location) {
	elapsed := e.now().Sub(start)
	telemetry.ValidationDuration.Observe(elapsed.Seconds())

	entry := &models.ValidationLog{
		LicenseID:      licenseID,
		LicenseKey:     req.LicenseKey,
		HWID:           req.HWID,
		IPAddress:      clientIP,
		Result:         result,
		ResponseTimeMS: int(elapsed.Milliseconds()),
		City:           location.City,
		Country:        location.Country,
		Latitude:       location.Latitude,
		Longitude:      location.Longitude,
	}

	if err := e.audit.InsertLog(ctx, entry); err != nil {
		slog.Error("validation audit write failed", "error", err, "result", result)
	}
}
