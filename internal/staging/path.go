package staging

import (
	"path/filepath"
)

// PathConfig holds configuration for staging path generation.
type PathConfig struct {
	// BasePath is the root directory for staged files.
	BasePath string

	// ShardLevels is the number of directory levels for sharding.
	// Default: 1 (e.g., /ab/abcdef...)
	ShardLevels int

	// ShardWidth is the number of characters per shard level.
	// Default: 2 (e.g., ab)
	ShardWidth int
}

// DefaultPathConfig returns the default path configuration.
func DefaultPathConfig(basePath string) PathConfig {
	return PathConfig{
		BasePath:    basePath,
		ShardLevels: 1,
		ShardWidth:  2,
	}
}

// ComputePath generates the staging path for a content hash.
// Uses directory sharding to distribute files across directories.
//
// Example with default config (1 level, 2 chars):
//
//	hash: "abcdef1234567890..."
//	basePath: "/data/<project_id>"
//	result: "/data/<project_id>/ab/abcdef1234567890..."
func ComputePath(config PathConfig, contentHash string) string {
	dir := ShardPath(config, contentHash)
	return filepath.Join(dir, contentHash)
}

// ShardDirs returns the shard directory components for a hash.
//
// Example:
//
//	hash: "abcdef..."
//	result: ["ab"]
func ShardDirs(config PathConfig, contentHash string) []string {
	minLength := config.ShardLevels * config.ShardWidth
	if len(contentHash) < minLength {
		return nil
	}

	dirs := make([]string, config.ShardLevels)
	offset := 0
	for i := 0; i < config.ShardLevels; i++ {
		dirs[i] = contentHash[offset : offset+config.ShardWidth]
		offset += config.ShardWidth
	}

	return dirs
}

// ShardPath returns the directory path for a hash (without the filename).
func ShardPath(config PathConfig, contentHash string) string {
	dirs := ShardDirs(config, contentHash)
	if dirs == nil {
		return config.BasePath
	}

	components := make([]string, 0, len(dirs)+1)
	components = append(components, config.BasePath)
	components = append(components, dirs...)

	return filepath.Join(components...)
}
