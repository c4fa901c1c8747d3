// Package memory provides an in-process storage.Backend.
// It is used by tests and by single-node development deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prn-tf/nautilus/internal/domain"
	"github.com/prn-tf/nautilus/internal/pkg/crypto"
	"github.com/prn-tf/nautilus/internal/storage"
)

type object struct {
	data        []byte
	contentType string
	modifiedOn  time.Time
	autoDelete  *time.Time
}

// Backend keeps objects in a map. Keys follow the S3 scheme.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]*object
	errs    map[string]error
	salt    string
	baseURL string
}

// New creates an empty memory backend.
func New(salt, baseURL string) *Backend {
	if baseURL == "" {
		baseURL = "memory://nautilus"
	}
	return &Backend{
		objects: make(map[string]*object),
		errs:    make(map[string]error),
		salt:    salt,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// SetError makes every subsequent call of op ("has", "upload", "delete",
// "list", "autodelete") fail with err. A nil err clears it.
func (b *Backend) SetError(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.errs, op)
		return
	}
	b.errs[op] = err
}

func (b *Backend) fail(op string) error {
	if err, ok := b.errs[op]; ok {
		return err
	}
	return nil
}

// Object returns the stored content at key.
func (b *Backend) Object(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// AutoDeleteOn returns the expiry recorded for key.
func (b *Backend) AutoDeleteOn(key string) *time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if obj, ok := b.objects[key]; ok {
		return obj.autoDelete
	}
	return nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

func (b *Backend) Name() string {
	return "memory"
}

func (b *Backend) Check(ctx context.Context) error {
	return nil
}

func (b *Backend) FileKey(project *domain.Project, file *domain.File) (string, error) {
	return fmt.Sprintf("%s/%s", file.ProjectID, crypto.StorageDigest(file.ProjectID, file.Hash, b.salt)), nil
}

func (b *Backend) CompanionKey(project *domain.Project, fileHash, suffix string) (string, error) {
	return fmt.Sprintf("%s/%s_%s", project.ID, fileHash, suffix), nil
}

func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.fail("has"); err != nil {
		return false, err
	}
	_, ok := b.objects[key]
	return ok, nil
}

func (b *Backend) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	b.mu.RLock()
	err := b.fail("upload")
	b.mu.RUnlock()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = &object{
		data:        buf.Bytes(),
		contentType: contentType,
		modifiedOn:  time.Now().UTC(),
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("delete"); err != nil {
		return err
	}
	delete(b.objects, key)
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.fail("list"); err != nil {
		return nil, err
	}

	var objects []storage.ObjectInfo
	for key, obj := range b.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, storage.ObjectInfo{
			Path:       key,
			Size:       int64(len(obj.data)),
			MimeType:   obj.contentType,
			ModifiedOn: obj.modifiedOn,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

func (b *Backend) SetAutoDelete(ctx context.Context, key string, on *time.Time) error {
	if on == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("autodelete"); err != nil {
		return err
	}
	obj, ok := b.objects[key]
	if !ok {
		return storage.ErrNotFound
	}
	t := *on
	obj.autoDelete = &t
	return nil
}

func (b *Backend) PublicURL() string {
	return b.baseURL
}

func (b *Backend) URLFor(key string) string {
	return b.baseURL + "/" + strings.TrimPrefix(key, "/")
}

var _ storage.Backend = (*Backend)(nil)
