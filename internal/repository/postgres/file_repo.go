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

// fileRepository implements repository.FileRepository for PostgreSQL.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `
	id, project_id, filename, filesize, title, authors, description,
	uploaded_on, updated_on, hash, type, path, status
`

func scanFile(row pgx.Row) (*domain.File, error) {
	file := &domain.File{}
	err := row.Scan(
		&file.ID,
		&file.ProjectID,
		&file.Filename,
		&file.Filesize,
		&file.Title,
		&file.Authors,
		&file.Description,
		&file.UploadedOn,
		&file.UpdatedOn,
		&file.Hash,
		&file.Type,
		&file.Path,
		&file.Status,
	)
	if err != nil {
		return nil, err
	}
	if file.Authors == nil {
		file.Authors = []string{}
	}
	return file, nil
}

func authorsArg(authors []string) []string {
	if authors == nil {
		return []string{}
	}
	return authors
}

// Create creates a new file.
func (r *fileRepository) Create(ctx context.Context, file *domain.File) error {
	query := `
		INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		file.ID,
		file.ProjectID,
		file.Filename,
		file.Filesize,
		file.Title,
		authorsArg(file.Authors),
		file.Description,
		file.UploadedOn,
		file.UpdatedOn,
		file.Hash,
		file.Type,
		file.Path,
		file.Status,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrProjectNotFound
		}
		return fmt.Errorf("failed to create file: %w", err)
	}

	return nil
}

// GetByID retrieves a file by ID.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	file, err := scanFile(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file by ID: %w", err)
	}
	return file, nil
}

// ListByProject returns the files of a project.
func (r *fileRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE project_id = $1 ORDER BY uploaded_on ASC`
	return r.list(ctx, query, projectID)
}

// ListStale returns files in status not updated since before.
func (r *fileRepository) ListStale(ctx context.Context, status domain.FileStatus, before time.Time, limit int) ([]*domain.File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE status = $1 AND updated_on < $2
		ORDER BY updated_on ASC
		LIMIT $3
	`
	return r.list(ctx, query, status, before, limit)
}

func (r *fileRepository) list(ctx context.Context, query string, args ...any) ([]*domain.File, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*domain.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return files, nil
}

// UpdateMetadata updates the user-editable fields of a file.
func (r *fileRepository) UpdateMetadata(ctx context.Context, file *domain.File) error {
	query := `
		UPDATE files
		SET filename = $2, title = $3, authors = $4, description = $5
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query,
		file.ID, file.Filename, file.Title, authorsArg(file.Authors), file.Description)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// Delete deletes a file by ID.
func (r *fileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// CountByProject returns the number of files in a project.
func (r *fileRepository) CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM files WHERE project_id = $1`, projectID)
}

// UsedSpace returns the total size of a project's files.
func (r *fileRepository) UsedSpace(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return r.count(ctx, `SELECT COALESCE(SUM(filesize), 0)::BIGINT FROM files WHERE project_id = $1`, projectID)
}

// CountByHash returns the number of files sharing a hash within a project.
func (r *fileRepository) CountByHash(ctx context.Context, projectID uuid.UUID, hash string) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM files WHERE project_id = $1 AND hash = $2`, projectID, hash)
}

// CountLocalByPath counts other files still holding a local copy at path.
func (r *fileRepository) CountLocalByPath(ctx context.Context, projectID uuid.UUID, path string, excludeID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*) FROM files
		WHERE project_id = $1 AND path = $2 AND id <> $3
		AND status IN ('LOCAL', 'PROCESSING', 'FAILURE')
	`
	return r.count(ctx, query, projectID, path, excludeID)
}

func (r *fileRepository) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return n, nil
}

// ClaimForPromotion atomically moves a LOCAL file to PROCESSING.
func (r *fileRepository) ClaimForPromotion(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE files
		SET status = 'PROCESSING', updated_on = NOW()
		WHERE id = $1 AND status = 'LOCAL'
	`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim file: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ReleaseStaleClaim returns a PROCESSING file not updated since before to LOCAL.
func (r *fileRepository) ReleaseStaleClaim(ctx context.Context, id uuid.UUID, before time.Time) (bool, error) {
	query := `
		UPDATE files
		SET status = 'LOCAL', updated_on = NOW()
		WHERE id = $1 AND status = 'PROCESSING' AND updated_on < $2
	`

	result, err := r.db.Pool.Exec(ctx, query, id, before)
	if err != nil {
		return false, fmt.Errorf("failed to release claim: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetStatus sets the status, and the path when non-empty.
func (r *fileRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.FileStatus, path string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidFileStatus, status)
	}

	query := `
		UPDATE files
		SET status = $2, path = COALESCE(NULLIF($3, ''), path), updated_on = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, id, status, path)
	if err != nil {
		return fmt.Errorf("failed to set file status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}
