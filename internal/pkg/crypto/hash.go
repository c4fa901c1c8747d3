// Package crypto provides hashing and key utilities for Nautilus.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/google/uuid"
)

// DefaultChunkSize is the read size used when hashing streams.
const DefaultChunkSize = 2 * 1024 * 1024

// HashStream computes the SHA-256 digest and size of r, reading it in
// chunkSize pieces, then rewinds r to its start so the same stream can be
// written out afterward. Reader and seek errors are returned unmodified.
func HashStream(r io.ReadSeeker, chunkSize int) (string, int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			size += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// HashReader wraps an io.Reader and computes a SHA-256 while reading.
type HashReader struct {
	reader io.Reader
	sha256 hash.Hash
	size   int64
}

// NewHashReader creates a new HashReader.
func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{
		reader: r,
		sha256: sha256.New(),
	}
}

// Read implements io.Reader and updates the digest.
func (h *HashReader) Read(p []byte) (n int, err error) {
	n, err = h.reader.Read(p)
	if n > 0 {
		h.sha256.Write(p[:n])
		h.size += int64(n)
	}
	return n, err
}

// SHA256 returns the hex-encoded digest of everything read so far.
func (h *HashReader) SHA256() string {
	return hex.EncodeToString(h.sha256.Sum(nil))
}

// Size returns the total number of bytes read.
func (h *HashReader) Size() int64 {
	return h.size
}

// ComputeSHA256 computes the SHA-256 hash of a byte slice.
func ComputeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// StorageDigest derives the unguessable part of a durable storage key.
// Identical content in two projects yields two different digests, and
// the digest cannot be recomputed without the salt.
//
// Example:
//
//	sha256("{project_id}-{file_hash}-{salt}")
func StorageDigest(projectID uuid.UUID, fileHash, salt string) string {
	return ComputeSHA256([]byte(fmt.Sprintf("%s-%s-%s", projectID, fileHash, salt)))
}

// ValidateSHA256 validates that a string is a valid SHA-256 hex hash.
func ValidateSHA256(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
