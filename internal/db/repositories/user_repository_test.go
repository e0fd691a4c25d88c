package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/codevault/codevault/internal/db/models"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var userCols = []string{
	"id", "email", "name", "password_hash", "api_key_hash", "api_key_prefix",
	"role", "created_at", "updated_at",
}

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func sampleUserRow() *sqlmock.Rows {
	return sqlmock.NewRows(userCols).
		AddRow("user-1", "dev@example.com", "Dev User", "$2a$12$hash", "$2a$12$keyhash",
			"cv_1a2b3c4", "user", time.Now(), time.Now())
}

func emptyUserRow() *sqlmock.Rows {
	return sqlmock.NewRows(userCols)
}

func newUserRepo(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUserRepository(db), mock
}

// ---------------------------------------------------------------------------
// CreateUser
// ---------------------------------------------------------------------------

func TestCreateUser_Success(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))

	user := &models.User{Email: "new@example.com", PasswordHash: "$2a$12$hash"}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID == "" {
		t.Error("CreateUser did not assign an ID")
	}
	if user.Role != "user" {
		t.Errorf("Role = %q, want default %q", user.Role, "user")
	}
}

func TestCreateUser_DBError(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(errDB)

	user := &models.User{Email: "new@example.com"}
	if err := repo.CreateUser(context.Background(), user); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetUserByID / GetUserByEmail
// ---------------------------------------------------------------------------

func TestGetUserByID_Found(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users.*WHERE id").
		WithArgs("user-1").
		WillReturnRows(sampleUserRow())

	user, err := repo.GetUserByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}
	if user.Email != "dev@example.com" {
		t.Errorf("Email = %s, want dev@example.com", user.Email)
	}
}

func TestGetUserByID_NotFound(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users.*WHERE id").
		WillReturnRows(emptyUserRow())

	user, err := repo.GetUserByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Error("expected nil, got non-nil")
	}
}

func TestGetUserByEmail_Found(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users.*WHERE email").
		WithArgs("dev@example.com").
		WillReturnRows(sampleUserRow())

	user, err := repo.GetUserByEmail(context.Background(), "dev@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetUserByAPIKeyPrefix
// ---------------------------------------------------------------------------

func TestGetUserByAPIKeyPrefix_Found(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users.*WHERE api_key_prefix").
		WithArgs("cv_1a2b3c4").
		WillReturnRows(sampleUserRow())

	user, err := repo.GetUserByAPIKeyPrefix(context.Background(), "cv_1a2b3c4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}
	if user.APIKeyPrefix == nil || *user.APIKeyPrefix != "cv_1a2b3c4" {
		t.Errorf("APIKeyPrefix = %v, want cv_1a2b3c4", user.APIKeyPrefix)
	}
}

func TestGetUserByAPIKeyPrefix_NotFound(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users.*WHERE api_key_prefix").
		WillReturnRows(emptyUserRow())

	user, err := repo.GetUserByAPIKeyPrefix(context.Background(), "cv_nothere")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Error("expected nil, got non-nil")
	}
}

// ---------------------------------------------------------------------------
// UpdateAPIKey
// ---------------------------------------------------------------------------

func TestUpdateAPIKey_Success(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectExec("UPDATE users.*SET api_key_hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateAPIKey(context.Background(), "user-1", "$2a$12$newhash", "cv_9z8y7x6"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// DeleteUser
// ---------------------------------------------------------------------------

func TestDeleteUser_Success(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectExec("DELETE FROM users").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeleteUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
