package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/repository"
)

// archiveRepository implements repository.ArchiveRepository for SQLite.
type archiveRepository struct {
	db *DB
}

// NewArchiveRepository creates a new SQLite archive repository.
func NewArchiveRepository(db *DB) repository.ArchiveRepository {
	return &archiveRepository{db: db}
}

const archiveColumns = `
	id, project_id, filesize, created_on, requested_on, completed_on,
	download_url, collection_json_path, status, zimfarm_task_id, email, config
`

func scanArchive(row rowScanner) (*domain.Archive, error) {
	archive := &domain.Archive{}
	var filesize sql.NullInt64
	var createdOn, config string
	var requestedOn, completedOn, downloadURL, collectionPath, email sql.NullString
	var taskID uuid.NullUUID

	if err := row.Scan(
		&archive.ID,
		&archive.ProjectID,
		&filesize,
		&createdOn,
		&requestedOn,
		&completedOn,
		&downloadURL,
		&collectionPath,
		&archive.Status,
		&taskID,
		&email,
		&config,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(config), &archive.Config); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}
	if filesize.Valid {
		archive.Filesize = &filesize.Int64
	}
	if taskID.Valid {
		archive.ZimfarmTaskID = &taskID.UUID
	}
	archive.CreatedOn = parseTime(createdOn)
	archive.RequestedOn = timePtr(requestedOn)
	archive.CompletedOn = timePtr(completedOn)
	archive.DownloadURL = stringPtr(downloadURL)
	archive.CollectionJSONPath = stringPtr(collectionPath)
	archive.Email = stringPtr(email)
	return archive, nil
}

func archiveArgs(archive *domain.Archive) (filesize sql.NullInt64, taskID uuid.NullUUID, config string, err error) {
	if archive.Filesize != nil {
		filesize = sql.NullInt64{Int64: *archive.Filesize, Valid: true}
	}
	if archive.ZimfarmTaskID != nil {
		taskID = uuid.NullUUID{UUID: *archive.ZimfarmTaskID, Valid: true}
	}
	data, err := json.Marshal(archive.Config)
	if err != nil {
		return filesize, taskID, "", fmt.Errorf("failed to encode archive config: %w", err)
	}
	return filesize, taskID, string(data), nil
}

func insertArchive(ctx context.Context, db execer, archive *domain.Archive) error {
	filesize, taskID, config, err := archiveArgs(archive)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO archives (` + archiveColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.ExecContext(ctx, query,
		archive.ID,
		archive.ProjectID,
		filesize,
		formatTime(archive.CreatedOn),
		nullTime(archive.RequestedOn),
		nullTime(archive.CompletedOn),
		nullString(archive.DownloadURL),
		nullString(archive.CollectionJSONPath),
		archive.Status,
		taskID,
		nullString(archive.Email),
		config,
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
	return insertArchive(ctx, r.db, archive)
}

// GetByID retrieves an archive by ID.
func (r *archiveRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Archive, error) {
	query := `SELECT ` + archiveColumns + ` FROM archives WHERE id = ?`

	archive, err := scanArchive(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to get archive by ID: %w", err)
	}
	return archive, nil
}

// ListByProject returns the archives of a project.
func (r *archiveRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Archive, error) {
	query := `SELECT ` + archiveColumns + ` FROM archives WHERE project_id = ? ORDER BY created_on ASC`

	rows, err := r.db.QueryContext(ctx, query, projectID)
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
	filesize, taskID, config, err := archiveArgs(archive)
	if err != nil {
		return err
	}

	query := `
		UPDATE archives
		SET filesize = ?, requested_on = ?, completed_on = ?, download_url = ?,
			collection_json_path = ?, status = ?, zimfarm_task_id = ?, email = ?, config = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		filesize,
		nullTime(archive.RequestedOn),
		nullTime(archive.CompletedOn),
		nullString(archive.DownloadURL),
		nullString(archive.CollectionJSONPath),
		archive.Status,
		taskID,
		nullString(archive.Email),
		config,
		archive.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update archive: %w", err)
	}
	return requireAffected(result, domain.ErrArchiveNotFound)
}
