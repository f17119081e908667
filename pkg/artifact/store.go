// Package artifact provides content-addressed storage of extracted documents
// and binary blobs. Every write returns a DataReference whose content_hash is
// the SHA-256 of the exact bytes written; reads verify the hash before
// returning. Artifacts are effectively immutable: overwriting a path with
// differing content is an integrity violation.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// ContentTypeJSON is the content type stamped on document artifacts.
const ContentTypeJSON = "application/json"

// Store is the artifact store contract. Paths are forward-slash relative
// paths under the store root; references carry the full storage URI.
type Store interface {
	// PutJSON writes v as canonical JSON at path and returns its reference.
	// Re-putting identical content is an idempotent no-op.
	PutJSON(ctx context.Context, path string, v any) (contracts.DataReference, error)
	// PutBinary writes raw bytes at path.
	PutBinary(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error)
	// GetJSON reads the referenced artifact into out. With validate it
	// recomputes the hash and fails with an integrity error on mismatch.
	GetJSON(ctx context.Context, ref contracts.DataReference, out any, validate bool) error
	// GetBinary reads the referenced bytes, optionally validating the hash.
	GetBinary(ctx context.Context, ref contracts.DataReference, validate bool) ([]byte, error)
	// ReadPath reads an artifact by path, returning its bytes and a freshly
	// hashed reference. Missing paths return a not-found error.
	ReadPath(ctx context.Context, path string) ([]byte, contracts.DataReference, error)
	// Exists reports whether an artifact is present at path.
	Exists(ctx context.Context, path string) (bool, error)
	// List returns the artifact paths under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the artifact at path. Missing paths are a no-op.
	Delete(ctx context.Context, path string) error
}

// FileStore is the filesystem-backed store. Writes are atomic at file
// granularity: write to tmp, then rename.
type FileStore struct {
	root string
	mu   sync.RWMutex
	now  func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithClock injects the timestamp source, for deterministic tests.
func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolving root %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensuring root dir: %w", err)
	}
	s := &FileStore{root: abs, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", &fault.ValidationError{Field: "path", Reason: "must be relative inside the artifact root: " + path}
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStore) uri(full string) string {
	return "file://" + filepath.ToSlash(full)
}

func (s *FileStore) PutJSON(ctx context.Context, path string, v any) (contracts.DataReference, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return contracts.DataReference{}, err
	}
	return s.put(ctx, path, data, ContentTypeJSON)
}

func (s *FileStore) PutBinary(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error) {
	return s.put(ctx, path, data, contentType)
}

func (s *FileStore) put(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error) {
	if err := ctx.Err(); err != nil {
		return contracts.DataReference{}, fault.Transient("artifact.put", err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return contracts.DataReference{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonical.HashBytes(data)

	if existing, err := os.ReadFile(full); err == nil {
		got := canonical.HashBytes(existing)
		if got == hash {
			info, statErr := os.Stat(full)
			storedAt := s.now()
			if statErr == nil {
				storedAt = info.ModTime().UTC()
			}
			return contracts.DataReference{
				StorageURI:  s.uri(full),
				ContentHash: hash,
				ContentType: contentType,
				SizeBytes:   int64(len(existing)),
				StoredAt:    storedAt,
			}, nil
		}
		return contracts.DataReference{}, &fault.IntegrityError{
			Subject: "overwrite of " + path + " with differing content",
			Want:    got,
			Got:     hash,
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return contracts.DataReference{}, fault.Transient("artifact.mkdir", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return contracts.DataReference{}, fault.Transient("artifact.write", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return contracts.DataReference{}, fault.Transient("artifact.commit", err)
	}

	return contracts.DataReference{
		StorageURI:  s.uri(full),
		ContentHash: hash,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StoredAt:    s.now(),
	}, nil
}

func (s *FileStore) GetJSON(ctx context.Context, ref contracts.DataReference, out any, validate bool) error {
	data, err := s.GetBinary(ctx, ref, validate)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("artifact: decoding %s: %w", ref.StorageURI, err)
	}
	return nil
}

func (s *FileStore) GetBinary(ctx context.Context, ref contracts.DataReference, validate bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Transient("artifact.get", err)
	}
	full, ok := strings.CutPrefix(ref.StorageURI, "file://")
	if !ok {
		return nil, &fault.ValidationError{Field: "storage_uri", Reason: "not a file store reference: " + ref.StorageURI}
	}
	full = filepath.FromSlash(full)

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &fault.NotFoundError{Kind: "artifact", Key: ref.StorageURI}
		}
		return nil, fault.Transient("artifact.read", err)
	}
	if validate {
		if got := canonical.HashBytes(data); got != ref.ContentHash {
			return nil, &fault.IntegrityError{Subject: ref.StorageURI, Want: ref.ContentHash, Got: got}
		}
	}
	return data, nil
}

func (s *FileStore) ReadPath(ctx context.Context, path string) ([]byte, contracts.DataReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.DataReference{}, fault.Transient("artifact.read", err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, contracts.DataReference{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contracts.DataReference{}, &fault.NotFoundError{Kind: "artifact", Key: path}
		}
		return nil, contracts.DataReference{}, fault.Transient("artifact.read", err)
	}
	storedAt := s.now()
	if info, statErr := os.Stat(full); statErr == nil {
		storedAt = info.ModTime().UTC()
	}
	ref := contracts.DataReference{
		StorageURI:  s.uri(full),
		ContentHash: canonical.HashBytes(data),
		ContentType: ContentTypeJSON,
		SizeBytes:   int64(len(data)),
		StoredAt:    storedAt,
	}
	return data, ref, nil
}

func (s *FileStore) Exists(ctx context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fault.Transient("artifact.stat", err)
	}
	return true, nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.root
	if prefix != "" {
		full, err := s.resolve(prefix)
		if err != nil {
			return nil, err
		}
		base = full
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fault.Transient("artifact.list", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *FileStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fault.Transient("artifact.delete", err)
	}
	return nil
}
