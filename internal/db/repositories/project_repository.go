package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/codevault/codevault/internal/db/models"
)

// ProjectRepository handles project database operations
type ProjectRepository struct {
	db *sql.DB
}

// NewProjectRepository creates a new ProjectRepository
func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// CreateProject creates a new project
func (r *ProjectRepository) CreateProject(ctx context.Context, project *models.Project) error {
	project.ID = uuid.New().String()
	project.CreatedAt = time.Now()
	project.UpdatedAt = time.Now()
	if project.Language == "" {
		project.Language = "python"
	}

	query := `
		INSERT INTO projects (id, user_id, name, description, language, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		project.ID,
		project.UserID,
		project.Name,
		project.Description,
		project.Language,
		project.CreatedAt,
		project.UpdatedAt,
	)

	return err
}

// GetProjectByID retrieves a project by ID
func (r *ProjectRepository) GetProjectByID(ctx context.Context, projectID string) (*models.Project, error) {
	query := `
		SELECT id, user_id, name, description, language, created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	project := &models.Project{}
	err := r.db.QueryRowContext(ctx, query, projectID).Scan(
		&project.ID,
		&project.UserID,
		&project.Name,
		&project.Description,
		&project.Language,
		&project.CreatedAt,
		&project.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return project, nil
}

// ListProjectsByUser retrieves all projects owned by a user, newest first
func (r *ProjectRepository) ListProjectsByUser(ctx context.Context, userID string) ([]*models.Project, error) {
	query := `
		SELECT id, user_id, name, description, language, created_at, updated_at
		FROM projects
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]*models.Project, 0)
	for rows.Next() {
		project := &models.Project{}
		err := rows.Scan(
			&project.ID,
			&project.UserID,
			&project.Name,
			&project.Description,
			&project.Language,
			&project.CreatedAt,
			&project.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}

	return projects, rows.Err()
}

// CountProjectsByUser returns the number of projects a user owns.
// Used by the entitlement gate to enforce per-tier project limits.
func (r *ProjectRepository) CountProjectsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM projects WHERE user_id = $1`
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	return count, err
}

// UpdateProject updates a project's name, description, and language
func (r *ProjectRepository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now()

	query := `
		UPDATE projects
		SET name = $2, description = $3, language = $4, updated_at = $5
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.Description,
		project.Language,
		project.UpdatedAt,
	)

	return err
}

// DeleteProject deletes a project (cascades to licenses and their bindings)
func (r *ProjectRepository) DeleteProject(ctx context.Context, projectID string) error {
	query := `DELETE FROM projects WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, projectID)
	return err
}
