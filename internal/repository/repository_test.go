package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/model"
)

// setupMockDB 创建 postgres 方言的 mock 连接
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return gormDB, mock
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{&pgconn.PgError{Code: pgErrSerializationFailure}, true},
		{&pgconn.PgError{Code: pgErrDeadlockDetected}, true},
		{fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgErrConnectionFailure}), true},
		{&pgconn.PgError{Code: "53100"}, false},
		{&pgconn.PgError{Code: pgErrUniqueViolation}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), "%v", tt.err)
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.False(t, isDuplicateKeyError(nil))
	assert.True(t, isDuplicateKeyError(&pgconn.PgError{Code: pgErrUniqueViolation}))
	assert.True(t, isDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKeyError(errors.New("UNIQUE constraint failed: esusfarm_persons.wallet_index")))
	assert.False(t, isDuplicateKeyError(errors.New("connection refused")))
}

func TestTransactionWithRetry_RetriesSerializationFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &pgconn.PgError{Code: pgErrSerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionWithRetry_StopsOnPermanentError(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	attempts := 0
	err := repo.TransactionWithRetry(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		return apperrors.ErrValidation
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Equal(t, 1, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_PostgresFailures(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewRecordStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "esusfarm_locations" WHERE id = $1`)).
		WithArgs("kDho7606IRdr", 1).
		WillReturnError(&pgconn.PgError{Code: pgErrConnectionFailure})

	_, err := store.FindLocation(ctx, "kDho7606IRdr")
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "esusfarm_locations" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	loc := &model.Location{ID: "kDho7606IRdr"}
	loc.SetMarker("0xdead")
	err = store.SaveMarker(ctx, loc)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_SaveMarkerRetriesDeadlock(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewRecordStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "esusfarm_locations" SET`)).
		WillReturnError(&pgconn.PgError{Code: pgErrDeadlockDetected})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "esusfarm_locations" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	loc := &model.Location{ID: "kDho7606IRdr"}
	loc.SetMarker("0xdead")
	require.NoError(t, store.SaveMarker(context.Background(), loc))
	assert.NoError(t, mock.ExpectationsWereMet())
}
