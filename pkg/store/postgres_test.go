package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// The SQLite path is covered end to end by the other tests in this package.
// These exercise the Postgres dialect against a mock connection: placeholder
// rebinding, unique-violation absorption, and driver error classification.

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, "postgres", WithClock(func() time.Time { return fixedNow })), mock
}

func TestPostgresRebindsPlaceholders(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE packages SET status = \$1, updated_at = \$2 WHERE package_id = \$3`).
		WithArgs("EXTRACTING", fixedNow, "pkg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.UpdatePackageStatus(context.Background(), "pkg-1", contracts.PackageExtracting))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePackageStatusMissingRow(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE packages SET status = \$1`).
		WithArgs("EXTRACTING", fixedNow, "pkg-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.UpdatePackageStatus(context.Background(), "pkg-missing", contracts.PackageExtracting)
	require.True(t, fault.IsNotFound(err))
}

func TestEnsurePackageAbsorbsDuplicateKey(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO packages`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := st.EnsurePackage(context.Background(), contracts.Package{
		PackageID:     "pkg-1",
		FeedlotFamily: contracts.FamilyBovina,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverErrorsClassifiedTransient(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE packages SET status = \$1`).
		WillReturnError(errors.New("connection reset by peer"))

	err := st.UpdatePackageStatus(context.Background(), "pkg-1", contracts.PackageExtracting)
	require.True(t, fault.IsTransient(err))
}

func TestConflictDetection(t *testing.T) {
	require.True(t, isRetryableConflict(&pq.Error{Code: "40001"}))
	require.True(t, isRetryableConflict(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.False(t, isRetryableConflict(&pq.Error{Code: "23505"}))
	require.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	require.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: packages.package_id")))
}
