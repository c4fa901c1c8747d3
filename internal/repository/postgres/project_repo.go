package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
)

// projectRepository implements repository.ProjectRepository for PostgreSQL.
type projectRepository struct {
	db *DB
}

// NewProjectRepository creates a new PostgreSQL project repository.
func NewProjectRepository(db *DB) repository.ProjectRepository {
	return &projectRepository{db: db}
}

const projectColumns = `
	p.id, p.user_id, p.name, p.created_on, p.expire_on, p.webdav_path,
	COALESCE((SELECT SUM(f.filesize) FROM files f WHERE f.project_id = p.id), 0)::BIGINT
`

func scanProject(row pgx.Row) (*domain.Project, error) {
	project := &domain.Project{}
	err := row.Scan(
		&project.ID,
		&project.UserID,
		&project.Name,
		&project.CreatedOn,
		&project.ExpireOn,
		&project.WebDAVPath,
		&project.UsedSpace,
	)
	if err != nil {
		return nil, err
	}
	return project, nil
}

// Create creates a project and its initial archive in one transaction.
func (r *projectRepository) Create(ctx context.Context, project *domain.Project, archive *domain.Archive) error {
	return r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query := `
			INSERT INTO projects (id, user_id, name, created_on, expire_on, webdav_path)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err := tx.Exec(ctx, query,
			project.ID,
			project.UserID,
			project.Name,
			project.CreatedOn,
			project.ExpireOn,
			project.WebDAVPath,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrUserNotFound
			}
			return fmt.Errorf("failed to create project: %w", err)
		}

		if archive != nil {
			if err := insertArchive(ctx, tx, archive); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves a project by ID.
func (r *projectRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE p.id = $1`

	project, err := scanProject(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project by ID: %w", err)
	}
	return project, nil
}

// ListByUser returns a user's projects.
func (r *projectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE p.user_id = $1 ORDER BY p.created_on ASC`
	return r.list(ctx, query, userID)
}

// ListExpired returns projects whose expiry is before the given time.
func (r *projectRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects p
		WHERE p.expire_on IS NOT NULL AND p.expire_on < $1
		ORDER BY p.expire_on ASC
		LIMIT $2
	`
	return r.list(ctx, query, before, limit)
}

func (r *projectRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Project, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// Update updates the name and WebDAV path of a project.
func (r *projectRepository) Update(ctx context.Context, project *domain.Project) error {
	query := `
		UPDATE projects
		SET name = $2, webdav_path = $3
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, project.ID, project.Name, project.WebDAVPath)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrProjectNotFound
	}

	return nil
}

// Delete deletes a project by ID.
func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrProjectNotFound
	}

	return nil
}

// ExtendExpiry moves expire_on forward, never backward.
func (r *projectRepository) ExtendExpiry(ctx context.Context, id uuid.UUID, expireOn time.Time) (bool, error) {
	query := `
		UPDATE projects
		SET expire_on = $2
		WHERE id = $1 AND (expire_on IS NULL OR expire_on < $2)
	`

	result, err := r.db.Pool.Exec(ctx, query, id, expireOn)
	if err != nil {
		return false, fmt.Errorf("failed to update project expiry: %w", err)
	}

	return result.RowsAffected() > 0, nil
}
