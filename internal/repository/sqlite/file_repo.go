package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
)

// fileRepository implements repository.FileRepository for SQLite.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new SQLite file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `
	id, project_id, filename, filesize, title, authors, description,
	uploaded_on, updated_on, hash, type, path, status
`

func scanFile(row rowScanner) (*domain.File, error) {
	file := &domain.File{}
	var authors, uploadedOn, updatedOn string

	if err := row.Scan(
		&file.ID,
		&file.ProjectID,
		&file.Filename,
		&file.Filesize,
		&file.Title,
		&authors,
		&file.Description,
		&uploadedOn,
		&updatedOn,
		&file.Hash,
		&file.Type,
		&file.Path,
		&file.Status,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(authors), &file.Authors); err != nil {
		return nil, fmt.Errorf("invalid authors: %w", err)
	}
	if file.Authors == nil {
		file.Authors = []string{}
	}
	file.UploadedOn = parseTime(uploadedOn)
	file.UpdatedOn = parseTime(updatedOn)
	return file, nil
}

func marshalAuthors(authors []string) (string, error) {
	if authors == nil {
		authors = []string{}
	}
	data, err := json.Marshal(authors)
	if err != nil {
		return "", fmt.Errorf("failed to encode authors: %w", err)
	}
	return string(data), nil
}

// Create creates a new file.
func (r *fileRepository) Create(ctx context.Context, file *domain.File) error {
	authors, err := marshalAuthors(file.Authors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO files (` + fileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		file.ID,
		file.ProjectID,
		file.Filename,
		file.Filesize,
		file.Title,
		authors,
		file.Description,
		formatTime(file.UploadedOn),
		formatTime(file.UpdatedOn),
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
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ?`

	file, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file by ID: %w", err)
	}
	return file, nil
}

// ListByProject returns the files of a project.
func (r *fileRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE project_id = ? ORDER BY uploaded_on ASC`
	return r.list(ctx, query, projectID)
}

// ListStale returns files in status not updated since before.
func (r *fileRepository) ListStale(ctx context.Context, status domain.FileStatus, before time.Time, limit int) ([]*domain.File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE status = ? AND updated_on < ?
		ORDER BY updated_on ASC
		LIMIT ?
	`
	return r.list(ctx, query, status, formatTime(before), limit)
}

func (r *fileRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
	authors, err := marshalAuthors(file.Authors)
	if err != nil {
		return err
	}

	query := `
		UPDATE files
		SET filename = ?, title = ?, authors = ?, description = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, file.Filename, file.Title, authors, file.Description, file.ID)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	return requireAffected(result, domain.ErrFileNotFound)
}

// Delete deletes a file by ID.
func (r *fileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return requireAffected(result, domain.ErrFileNotFound)
}

// CountByProject returns the number of files in a project.
func (r *fileRepository) CountByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, projectID)
}

// UsedSpace returns the total size of a project's files.
func (r *fileRepository) UsedSpace(ctx context.Context, projectID uuid.UUID) (int64, error) {
	return r.count(ctx, `SELECT COALESCE(SUM(filesize), 0) FROM files WHERE project_id = ?`, projectID)
}

// CountByHash returns the number of files sharing a hash within a project.
func (r *fileRepository) CountByHash(ctx context.Context, projectID uuid.UUID, hash string) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ? AND hash = ?`, projectID, hash)
}

// CountLocalByPath counts other files still holding a local copy at path.
func (r *fileRepository) CountLocalByPath(ctx context.Context, projectID uuid.UUID, path string, excludeID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*) FROM files
		WHERE project_id = ? AND path = ? AND id <> ?
		AND status IN ('LOCAL', 'PROCESSING', 'FAILURE')
	`
	return r.count(ctx, query, projectID, path, excludeID)
}

func (r *fileRepository) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return n, nil
}

// ClaimForPromotion atomically moves a LOCAL file to PROCESSING.
func (r *fileRepository) ClaimForPromotion(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE files
		SET status = 'PROCESSING', updated_on = ?
		WHERE id = ? AND status = 'LOCAL'
	`

	result, err := r.db.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim file: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReleaseStaleClaim returns a PROCESSING file not updated since before to LOCAL.
func (r *fileRepository) ReleaseStaleClaim(ctx context.Context, id uuid.UUID, before time.Time) (bool, error) {
	query := `
		UPDATE files
		SET status = 'LOCAL', updated_on = ?
		WHERE id = ? AND status = 'PROCESSING' AND updated_on < ?
	`

	result, err := r.db.ExecContext(ctx, query, formatTime(time.Now()), id, formatTime(before))
	if err != nil {
		return false, fmt.Errorf("failed to release claim: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetStatus sets the status, and the path when non-empty.
func (r *fileRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.FileStatus, path string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidFileStatus, status)
	}

	query := `
		UPDATE files
		SET status = ?, path = CASE WHEN ? = '' THEN path ELSE ? END, updated_on = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, path, path, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set file status: %w", err)
	}
	return requireAffected(result, domain.ErrFileNotFound)
}

func requireAffected(result interface{ RowsAffected() (int64, error) }, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
