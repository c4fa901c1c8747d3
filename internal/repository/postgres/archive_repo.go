package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
)

// archiveRepository implements repository.ArchiveRepository for PostgreSQL.
type archiveRepository struct {
	db *DB
}

// NewArchiveRepository creates a new PostgreSQL archive repository.
func NewArchiveRepository(db *DB) repository.ArchiveRepository {
	return &archiveRepository{db: db}
}

const archiveColumns = `
	id, project_id, filesize, created_on, requested_on, completed_on,
	download_url, collection_json_path, status, zimfarm_task_id, email, config
`

// config is stored as JSONB and decoded by pgx directly into the struct.
func scanArchive(row pgx.Row) (*domain.Archive, error) {
	archive := &domain.Archive{}
	err := row.Scan(
		&archive.ID,
		&archive.ProjectID,
		&archive.Filesize,
		&archive.CreatedOn,
		&archive.RequestedOn,
		&archive.CompletedOn,
		&archive.DownloadURL,
		&archive.CollectionJSONPath,
		&archive.Status,
		&archive.ZimfarmTaskID,
		&archive.Email,
		&archive.Config,
	)
	if err != nil {
		return nil, err
	}
	return archive, nil
}

func insertArchive(ctx context.Context, q Querier, archive *domain.Archive) error {
	query := `
		INSERT INTO archives (` + archiveColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := q.Exec(ctx, query,
		archive.ID,
		archive.ProjectID,
		archive.Filesize,
		archive.CreatedOn,
		archive.RequestedOn,
		archive.CompletedOn,
		archive.DownloadURL,
		archive.CollectionJSONPath,
		archive.Status,
		archive.ZimfarmTaskID,
		archive.Email,
		archive.Config,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrProjectNotFound
		}
		return fmt.Errorf("failed to create archive: %w", err)
	}
	return nil
}

// Create creates a new archive.
func (r *archiveRepository) Create(ctx context.Context, archive *domain.Archive) error {
	return insertArchive(ctx, r.db.Pool, archive)
}

// GetByID retrieves an archive by ID.
func (r *archiveRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Archive, error) {
	query := `SELECT ` + archiveColumns + ` FROM archives WHERE id = $1`

	archive, err := scanArchive(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to get archive by ID: %w", err)
	}
	return archive, nil
}

// ListByProject returns the archives of a project.
func (r *archiveRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Archive, error) {
	query := `SELECT ` + archiveColumns + ` FROM archives WHERE project_id = $1 ORDER BY created_on ASC`

	rows, err := r.db.Pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	defer rows.Close()

	var archives []*domain.Archive
	for rows.Next() {
		archive, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		archives = append(archives, archive)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archives: %w", err)
	}

	return archives, nil
}

// Update persists every mutable field of an archive.
func (r *archiveRepository) Update(ctx context.Context, archive *domain.Archive) error {
	query := `
		UPDATE archives
		SET filesize = $2, requested_on = $3, completed_on = $4, download_url = $5,
			collection_json_path = $6, status = $7, zimfarm_task_id = $8, email = $9, config = $10
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query,
		archive.ID,
		archive.Filesize,
		archive.RequestedOn,
		archive.CompletedOn,
		archive.DownloadURL,
		archive.CollectionJSONPath,
		archive.Status,
		archive.ZimfarmTaskID,
		archive.Email,
		archive.Config,
	)
	if err != nil {
		return fmt.Errorf("failed to update archive: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrArchiveNotFound
	}
	return nil
}
