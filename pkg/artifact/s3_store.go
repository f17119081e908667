package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// S3Store keeps artifacts in an S3 bucket under an optional key prefix, with
// the same hashing and reference semantics as the filesystem store. S3 object
// writes are already atomic, so no tmp+rename dance is needed.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// S3Config holds S3 store construction parameters.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO / LocalStack
	Prefix   string
}

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *S3Store) key(path string) string { return s.prefix + strings.TrimPrefix(path, "/") }

func (s *S3Store) uri(key string) string { return "s3://" + s.bucket + "/" + key }

func (s *S3Store) PutJSON(ctx context.Context, path string, v any) (contracts.DataReference, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return contracts.DataReference{}, err
	}
	return s.put(ctx, path, data, ContentTypeJSON)
}

func (s *S3Store) PutBinary(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error) {
	return s.put(ctx, path, data, contentType)
}

func (s *S3Store) put(ctx context.Context, path string, data []byte, contentType string) (contracts.DataReference, error) {
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

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return contracts.DataReference{}, fault.Transient("artifact.s3.put", err)
	}
	return contracts.DataReference{
		StorageURI:  s.uri(key),
		ContentHash: hash,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StoredAt:    s.now(),
	}, nil
}

func (s *S3Store) read(ctx context.Context, key, contentType string) ([]byte, contracts.DataReference, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, contracts.DataReference{}, &fault.NotFoundError{Kind: "artifact", Key: s.uri(key)}
		}
		return nil, contracts.DataReference{}, fault.Transient("artifact.s3.get", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, contracts.DataReference{}, fault.Transient("artifact.s3.read", err)
	}
	storedAt := s.now()
	if out.LastModified != nil {
		storedAt = out.LastModified.UTC()
	}
	if out.ContentType != nil && *out.ContentType != "" {
		contentType = *out.ContentType
	}
	return data, contracts.DataReference{
		StorageURI:  s.uri(key),
		ContentHash: canonical.HashBytes(data),
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		StoredAt:    storedAt,
	}, nil
}

func (s *S3Store) GetJSON(ctx context.Context, ref contracts.DataReference, out any, validate bool) error {
	data, err := s.GetBinary(ctx, ref, validate)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("artifact: decoding %s: %w", ref.StorageURI, err)
	}
	return nil
}

func (s *S3Store) GetBinary(ctx context.Context, ref contracts.DataReference, validate bool) ([]byte, error) {
	rest, ok := strings.CutPrefix(ref.StorageURI, "s3://"+s.bucket+"/")
	if !ok {
		return nil, &fault.ValidationError{Field: "storage_uri", Reason: "not a reference into this S3 store: " + ref.StorageURI}
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

func (s *S3Store) ReadPath(ctx context.Context, path string) ([]byte, contracts.DataReference, error) {
	return s.read(ctx, s.key(path), ContentTypeJSON)
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fault.Transient("artifact.s3.head", err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	var paths []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fault.Transient("artifact.s3.list", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			paths = append(paths, strings.TrimPrefix(*obj.Key, s.prefix))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return fault.Transient("artifact.s3.delete", err)
	}
	return nil
}
