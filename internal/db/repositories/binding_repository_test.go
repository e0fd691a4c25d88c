package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var bindingCols = []string{
	"id", "license_id", "hwid", "machine_name", "ip_address",
	"first_seen_at", "last_seen_at", "is_active",
}

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func sampleBindingRow() *sqlmock.Rows {
	return sqlmock.NewRows(bindingCols).
		AddRow("bind-1", "lic-1", "hwid-aaa", "workstation-01", "203.0.113.7",
			time.Now().Add(-24*time.Hour), time.Now().Add(-time.Hour), true)
}

func emptyBindingRow() *sqlmock.Rows {
	return sqlmock.NewRows(bindingCols)
}

func newBindingRepo(t *testing.T) (*BindingRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewBindingRepository(db), mock
}

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// Admit — returning machine refreshes liveness without a seat check
// ---------------------------------------------------------------------------

func TestAdmit_ReturningMachineRefreshed(t *testing.T) {
	repo, mock := newBindingRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_machines FROM licenses.*FOR UPDATE").
		WithArgs("lic-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_machines"}).AddRow(1))
	mock.ExpectQuery("SELECT.*FROM hardware_bindings.*WHERE license_id").
		WithArgs("lic-1", "hwid-aaa").
		WillReturnRows(sampleBindingRow())
	mock.ExpectExec("UPDATE hardware_bindings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	binding, outcome, err := repo.Admit(context.Background(), "lic-1", "hwid-aaa", strPtr("workstation-01"), strPtr("203.0.113.9"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != AdmitOutcomeRefreshed {
		t.Errorf("outcome = %q, want %q", outcome, AdmitOutcomeRefreshed)
	}
	if binding.ID != "bind-1" {
		t.Errorf("binding.ID = %s, want bind-1", binding.ID)
	}
	if !binding.IsActive {
		t.Error("refreshed binding should be active")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// A returning machine is admitted even when the license is at its seat cap —
// its seat is the one it already holds.
func TestAdmit_ReturningMachineSkipsSeatCount(t *testing.T) {
	repo, mock := newBindingRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_machines FROM licenses.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"max_machines"}).AddRow(1))
	mock.ExpectQuery("SELECT.*FROM hardware_bindings.*WHERE license_id").
		WillReturnRows(sampleBindingRow())
	mock.ExpectExec("UPDATE hardware_bindings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, outcome, err := repo.Admit(context.Background(), "lic-1", "hwid-aaa", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != AdmitOutcomeRefreshed {
		t.Errorf("outcome = %q, want %q", outcome, AdmitOutcomeRefreshed)
	}
	// No COUNT query was expected or issued.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Admit — new machine consumes a seat when capacity remains
// ---------------------------------------------------------------------------

func TestAdmit_NewMachineBound(t *testing.T) {
	repo, mock := newBindingRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_machines FROM licenses.*FOR UPDATE").
		WithArgs("lic-1").
		WillReturnRows(sqlmock.NewRows([]string{"max_machines"}).AddRow(3))
	mock.ExpectQuery("SELECT.*FROM hardware_bindings.*WHERE license_id").
		WithArgs("lic-1", "hwid-new").
		WillReturnRows(emptyBindingRow())
	mock.ExpectQuery("SELECT COUNT.*FROM hardware_bindings").
		WithArgs("lic-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("INSERT INTO hardware_bindings").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	binding, outcome, err := repo.Admit(context.Background(), "lic-1", "hwid-new", strPtr("laptop"), strPtr("198.51.100.4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != AdmitOutcomeBound {
		t.Errorf("outcome = %q, want %q", outcome, AdmitOutcomeBound)
	}
	if binding.ID == "" {
		t.Error("new binding should have an assigned ID")
	}
	if binding.HWID != "hwid-new" {
		t.Errorf("HWID = %s, want hwid-new", binding.HWID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Admit — new machine rejected at the seat cap
// ---------------------------------------------------------------------------

func TestAdmit_SeatLimitReached(t *testing.T) {
	repo, mock := newBindingRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_machines FROM licenses.*FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"max_machines"}).AddRow(2))
	mock.ExpectQuery("SELECT.*FROM hardware_bindings.*WHERE license_id").
		WillReturnRows(emptyBindingRow())
	mock.ExpectQuery("SELECT COUNT.*FROM hardware_bindings").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, _, err := repo.Admit(context.Background(), "lic-1", "hwid-third", nil, nil)
	if !errors.Is(err, ErrSeatLimitReached) {
		t.Fatalf("err = %v, want ErrSeatLimitReached", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAdmit_LicenseLockFails(t *testing.T) {
	repo, mock := newBindingRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT max_machines FROM licenses.*FOR UPDATE").
		WillReturnError(errDB)
	mock.ExpectRollback()

	_, _, err := repo.Admit(context.Background(), "lic-1", "hwid-aaa", nil, nil)
	if err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// ListBindingsByLicense
// ---------------------------------------------------------------------------

func TestListBindingsByLicense(t *testing.T) {
	repo, mock := newBindingRepo(t)
	rows := sqlmock.NewRows(bindingCols).
		AddRow("bind-1", "lic-1", "hwid-aaa", nil, nil, time.Now(), time.Now(), true).
		AddRow("bind-2", "lic-1", "hwid-bbb", nil, nil, time.Now(), time.Now(), false)
	mock.ExpectQuery("SELECT.*FROM hardware_bindings.*WHERE license_id").
		WithArgs("lic-1").
		WillReturnRows(rows)

	bindings, err := repo.ListBindingsByLicense(context.Background(), "lic-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("len = %d, want 2", len(bindings))
	}
	if bindings[1].IsActive {
		t.Error("second binding should be inactive")
	}
}

// ---------------------------------------------------------------------------
// DeactivateBinding / DeactivateAllBindings
// ---------------------------------------------------------------------------

func TestDeactivateBinding(t *testing.T) {
	repo, mock := newBindingRepo(t)
	mock.ExpectExec("UPDATE hardware_bindings SET is_active = FALSE WHERE id").
		WithArgs("bind-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeactivateBinding(context.Background(), "bind-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeactivateAllBindings_RecordsResetLog(t *testing.T) {
	repo, mock := newBindingRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE hardware_bindings SET is_active = FALSE WHERE license_id").
		WithArgs("lic-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO hwid_reset_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	removed, err := repo.DeactivateAllBindings(context.Background(), "lic-1", "user-1", strPtr("customer replaced hardware"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCountActiveBindings(t *testing.T) {
	repo, mock := newBindingRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM hardware_bindings").
		WithArgs("lic-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountActiveBindings(context.Background(), "lic-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
