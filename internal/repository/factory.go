package repository

import (
	"context"
)

// Repositories holds all repository instances.
type Repositories struct {
	User    UserRepository
	Project ProjectRepository
	File    FileRepository
	Archive ArchiveRepository
}

// DatabaseHealth is an interface for database health checks.
// This interface satisfies handler.HealthChecker for health endpoints.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// Database is an opened database with its repositories.
type Database struct {
	Repos  *Repositories
	Health DatabaseHealth

	// Migrate applies pending schema migrations.
	Migrate func(ctx context.Context) error

	// Version returns the current schema version.
	Version func(ctx context.Context) (int, error)
}
