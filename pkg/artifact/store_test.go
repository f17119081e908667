package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/fault"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fixed := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	s, err := NewFileStore(t.TempDir(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return s
}

type testDoc struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestPutGetJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDoc{Name: "statement", Items: []string{"a", "b"}}
	ref, err := s.PutJSON(ctx, "bovina/statement.json", doc)
	require.NoError(t, err)
	require.Equal(t, ContentTypeJSON, ref.ContentType)
	require.Len(t, ref.ContentHash, 64)
	require.True(t, strings.HasPrefix(ref.StorageURI, "file://"))

	// The recorded hash is the SHA-256 of the exact bytes on disk.
	onDisk, err := os.ReadFile(filepath.Join(s.Root(), "bovina", "statement.json"))
	require.NoError(t, err)
	require.Equal(t, canonical.HashBytes(onDisk), ref.ContentHash)
	require.Equal(t, int64(len(onDisk)), ref.SizeBytes)

	var got testDoc
	require.NoError(t, s.GetJSON(ctx, ref, &got, true))
	require.Equal(t, doc, got)
}

func TestPutJSONIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testDoc{Name: "x"}
	ref1, err := s.PutJSON(ctx, "p.json", doc)
	require.NoError(t, err)
	ref2, err := s.PutJSON(ctx, "p.json", doc)
	require.NoError(t, err)
	require.Equal(t, ref1.ContentHash, ref2.ContentHash)
	require.Equal(t, ref1.StorageURI, ref2.StorageURI)
}

func TestOverwriteWithDifferingContentRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutJSON(ctx, "p.json", testDoc{Name: "one"})
	require.NoError(t, err)
	_, err = s.PutJSON(ctx, "p.json", testDoc{Name: "two"})
	require.Error(t, err)
	require.True(t, fault.IsIntegrity(err))
}

func TestGetJSONDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutJSON(ctx, "p.json", testDoc{Name: "original"})
	require.NoError(t, err)

	full := strings.TrimPrefix(ref.StorageURI, "file://")
	require.NoError(t, os.WriteFile(filepath.FromSlash(full), []byte(`{"name":"tampered"}`), 0o644))

	var got testDoc
	err = s.GetJSON(ctx, ref, &got, true)
	require.Error(t, err)
	require.True(t, fault.IsIntegrity(err))

	// Without validation the mismatch goes unnoticed.
	require.NoError(t, s.GetJSON(ctx, ref, &got, false))
	require.Equal(t, "tampered", got.Name)
}

func TestGetBinaryMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.PutJSON(context.Background(), "p.json", testDoc{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), "p.json"))

	_, err = s.GetBinary(context.Background(), ref, true)
	require.Error(t, err)
	require.True(t, fault.IsNotFound(err))
}

func TestReadPathRehashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.PutJSON(ctx, "bovina/invoices/13330.json", testDoc{Name: "inv"})
	require.NoError(t, err)

	data, fresh, err := s.ReadPath(ctx, "bovina/invoices/13330.json")
	require.NoError(t, err)
	require.Equal(t, ref.ContentHash, fresh.ContentHash)
	require.Equal(t, canonical.HashBytes(data), fresh.ContentHash)

	_, _, err = s.ReadPath(ctx, "bovina/invoices/99999.json")
	require.True(t, fault.IsNotFound(err))
}

func TestListSortedAndScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"bovina/invoices/b.json", "bovina/invoices/a.json", "bovina/statement.json", "mesquite/statement.json"} {
		_, err := s.PutJSON(ctx, p, testDoc{Name: p})
		require.NoError(t, err)
	}

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{
		"bovina/invoices/a.json",
		"bovina/invoices/b.json",
		"bovina/statement.json",
		"mesquite/statement.json",
	}, all)

	scoped, err := s.List(ctx, "bovina/invoices")
	require.NoError(t, err)
	require.Equal(t, []string{"bovina/invoices/a.json", "bovina/invoices/b.json"}, scoped)

	empty, err := s.List(ctx, "nothing/here")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestPathEscapeRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutJSON(context.Background(), "../outside.json", testDoc{})
	require.Error(t, err)
	require.True(t, fault.IsValidation(err))

	_, err = s.PutJSON(context.Background(), "/abs/path.json", testDoc{})
	require.Error(t, err)
	require.True(t, fault.IsValidation(err))
}

func TestOpenFactorySchemes(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	st, err := Open(ctx, dir)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, st)

	st, err = Open(ctx, "file://"+dir)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, st)

	_, err = Open(ctx, "s3://")
	require.Error(t, err)

	// GCS requires the gcp build tag; the default build refuses.
	_, err = Open(ctx, "gs://bucket/prefix")
	require.Error(t, err)
}
