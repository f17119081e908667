//go:build gcp

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// GCSStore keeps artifacts in a GCS bucket under an optional key prefix,
// with the same hashing and reference semantics as the filesystem store.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSStore creates a GCS-backed artifact store using ADC credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact: creating GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *GCSStore) key(path string) string { return s.prefix + strings.TrimPrefix(path, "/") }

func (s *GCSStore) uri(key string) string { return "gs://" + s.bucket + "/" + key }

func (s *GCSStore) PutJSON(ctx context.Context, path string, v any) (contracts.DataReference, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return contracts.DataReference{}, err
	}
	return s.put(ctx, path, data, ContentTypeJSON)
}

func (s *GCSStore) PutBinary(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error) {
	return s.put(ctx, path, data, contentType)
}

func (s *GCSStore) put(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error) {
	key := s.key(path)
	hash := canonical.HashBytes(data)

	if existing, ref, err := s.read(ctx, key, contentType); err == nil {
		got := canonical.HashBytes(existing)
		if got == hash {
			return ref, nil
		}
		return contracts.DataReference{}, &fault.IntegrityError{
			Subject: "overwrite of " + path + " with differing content",
			Want:    got,
			Got:     hash,
		}
	} else if !fault.IsNotFound(err) {
		return contracts.DataReference{}, err
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return contracts.DataReference{}, fault.Transient("artifact.gcs.write", err)
	}
	if err := w.Close(); err != nil {
		return contracts.DataReference{}, fault.Transient("artifact.gcs.commit", err)
	}
	return contracts.DataReference{
		StorageURI:  s.uri(key),
		ContentHash: hash,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StoredAt:    s.now(),
	}, nil
}

func (s *GCSStore) read(ctx context.Context, key, contentType string) ([]byte, contracts.DataReference, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, contracts.DataReference{}, &fault.NotFoundError{Kind: "artifact", Key: s.uri(key)}
		}
		return nil, contracts.DataReference{}, fault.Transient("artifact.gcs.get", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, contracts.DataReference{}, fault.Transient("artifact.gcs.read", err)
	}
	storedAt := s.now()
	if !r.Attrs.LastModified.IsZero() {
		storedAt = r.Attrs.LastModified.UTC()
	}
	if r.Attrs.ContentType != "" {
		contentType = r.Attrs.ContentType
	}
	return data, contracts.DataReference{
		StorageURI:  s.uri(key),
		ContentHash: canonical.HashBytes(data),
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StoredAt:    storedAt,
	}, nil
}

func (s *GCSStore) GetJSON(ctx context.Context, ref contracts.DataReference, out any, validate bool) error {
	data, err := s.GetBinary(ctx, ref, validate)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("artifact: decoding %s: %w", ref.StorageURI, err)
	}
	return nil
}

func (s *GCSStore) GetBinary(ctx context.Context, ref contracts.DataReference, validate bool) ([]byte, error) {
	rest, ok := strings.CutPrefix(ref.StorageURI, "gs://"+s.bucket+"/")
	if !ok {
		return nil, &fault.ValidationError{Field: "storage_uri", Reason: "not a reference into this GCS store: " + ref.StorageURI}
	}
	data, _, err := s.read(ctx, rest, ref.ContentType)
	if err != nil {
		return nil, err
	}
	if validate {
		if got := canonical.HashBytes(data); got != ref.ContentHash {
			return nil, &fault.IntegrityError{Subject: ref.StorageURI, Want: ref.ContentHash, Got: got}
		}
	}
	return data, nil
}

func (s *GCSStore) ReadPath(ctx context.Context, path string) ([]byte, contracts.DataReference, error) {
	return s.read(ctx, s.key(path), ContentTypeJSON)
}

func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.key(path)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fault.Transient("artifact.gcs.attrs", err)
	}
	return true, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.key(prefix)})
	var paths []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fault.Transient("artifact.gcs.list", err)
		}
		paths = append(paths, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *GCSStore) Delete(ctx context.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(s.key(path)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fault.Transient("artifact.gcs.delete", err)
	}
	return nil
}
