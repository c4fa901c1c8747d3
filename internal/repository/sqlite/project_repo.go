package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
)

// projectRepository implements repository.ProjectRepository for SQLite.
type projectRepository struct {
	db *DB
}

// NewProjectRepository creates a new SQLite project repository.
func NewProjectRepository(db *DB) repository.ProjectRepository {
	return &projectRepository{db: db}
}

const projectColumns = `
	p.id, p.user_id, p.name, p.created_on, p.expire_on, p.webdav_path,
	COALESCE((SELECT SUM(f.filesize) FROM files f WHERE f.project_id = p.id), 0)
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	project := &domain.Project{}
	var createdOn string
	var expireOn, webdavPath sql.NullString

	if err := row.Scan(
		&project.ID,
		&project.UserID,
		&project.Name,
		&createdOn,
		&expireOn,
		&webdavPath,
		&project.UsedSpace,
	); err != nil {
		return nil, err
	}

	project.CreatedOn = parseTime(createdOn)
	project.ExpireOn = timePtr(expireOn)
	project.WebDAVPath = stringPtr(webdavPath)
	return project, nil
}

// Create creates a project and its initial archive in one transaction.
func (r *projectRepository) Create(ctx context.Context, project *domain.Project, archive *domain.Archive) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO projects (id, user_id, name, created_on, expire_on, webdav_path)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			project.ID,
			project.UserID,
			project.Name,
			formatTime(project.CreatedOn),
			nullTime(project.ExpireOn),
			nullString(project.WebDAVPath),
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
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE p.id = ?`

	project, err := scanProject(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project by ID: %w", err)
	}
	return project, nil
}

// ListByUser returns a user's projects.
func (r *projectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p WHERE p.user_id = ? ORDER BY p.created_on ASC`
	return r.list(ctx, query, userID)
}

// ListExpired returns projects whose expiry is before the given time.
func (r *projectRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]*domain.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects p
		WHERE p.expire_on IS NOT NULL AND p.expire_on < ?
		ORDER BY p.expire_on ASC
		LIMIT ?
	`
	return r.list(ctx, query, formatTime(before), limit)
}

func (r *projectRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
		SET name = ?, webdav_path = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, project.Name, nullString(project.WebDAVPath), project.ID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrProjectNotFound
	}

	return nil
}

// Delete deletes a project by ID.
func (r *projectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrProjectNotFound
	}

	return nil
}

// ExtendExpiry moves expire_on forward, never backward.
func (r *projectRepository) ExtendExpiry(ctx context.Context, id uuid.UUID, expireOn time.Time) (bool, error) {
	query := `
		UPDATE projects
		SET expire_on = ?
		WHERE id = ? AND (expire_on IS NULL OR expire_on < ?)
	`

	ts := formatTime(expireOn)
	result, err := r.db.ExecContext(ctx, query, ts, id, ts)
	if err != nil {
		return false, fmt.Errorf("failed to update project expiry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
