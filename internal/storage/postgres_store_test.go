package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/motopoint/internal/models"
)

var rideCols = []string{"id", "point_id", "client_id", "client_name", "destination_address", "client_whatsapp", "driver_id", "status", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStore_CompareAndSwapRide(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	driverID := "5f0c6e1a-0000-4000-8000-000000000001"

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE ride_requests SET status = \$3, driver_id = COALESCE\(\$4::uuid, driver_id\), updated_at = \$5\s+WHERE id = \$1 AND status = \$2 RETURNING`).
		WithArgs("r1", "pending", "accepted", driverID, at).
		WillReturnRows(sqlmock.NewRows(rideCols).
			AddRow("r1", "p1", "c1", "Ana", "", "", driverID, "accepted", at, at))
	mock.ExpectQuery(`UPDATE ride_requests SET status`).
		WithArgs("r2", "pending", "accepted", driverID, at).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectCommit()

	err := store.InTx(ctx, func(tx Tx) error {
		r, ok, err := tx.CompareAndSwapRide(ctx, "r1", models.RidePending, RideUpdate{Status: models.RideAccepted, DriverID: &driverID, At: at})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.RideAccepted, r.Status)
		require.NotNil(t, r.DriverID)
		assert.Equal(t, driverID, *r.DriverID)

		r, ok, err = tx.CompareAndSwapRide(ctx, "r2", models.RidePending, RideUpdate{Status: models.RideAccepted, DriverID: &driverID, At: at})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, r)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresStore_InsertRejectionIgnoresDuplicates(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ride_rejections .* ON CONFLICT \(ride_id, driver_id\) DO NOTHING`).
		WithArgs("x1", "r1", "d1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ride_rejections`).
		WithArgs("x2", "r1", "d1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(DISTINCT driver_id\) FROM ride_rejections WHERE ride_id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	err := store.InTx(ctx, func(tx Tx) error {
		first, err := tx.InsertRejection(ctx, &models.RideRejection{ID: "x1", RideID: "r1", DriverID: "d1", CreatedAt: at})
		require.NoError(t, err)
		assert.True(t, first)
		again, err := tx.InsertRejection(ctx, &models.RideRejection{ID: "x2", RideID: "r1", DriverID: "d1", CreatedAt: at})
		require.NoError(t, err)
		assert.False(t, again)
		n, err := tx.CountRejections(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresStore_ErrorRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE drivers SET status = \$3 WHERE id = \$1 AND status = \$2 AND \(is_online OR NOT \$4\)`).
		WithArgs("d1", "idle", "busy", true).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := store.InTx(ctx, func(tx Tx) error {
		_, err := tx.CompareAndSwapDriverStatus(ctx, "d1", models.DriverIdle, models.DriverBusy, true)
		return err
	})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestPostgresStore_CancelExpiredRides(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := cutoff.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE ride_requests SET status = 'cancelled', updated_at = \$2\s+WHERE status = 'pending' AND created_at <= \$1 RETURNING id`).
		WithArgs(cutoff, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1").AddRow("r2"))
	mock.ExpectCommit()

	var ids []string
	err := store.InTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.CancelExpiredRides(ctx, cutoff, now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)
}

func TestPostgresStore_GetRideNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM ride_requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r9").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetRideForUpdate(ctx, "r9")
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresStore_ListRejectionsSkipsEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		out, err := tx.ListRejections(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, out)
		return nil
	}))
}

func TestMapPQError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"unique", &pq.Error{Code: "23505", Message: "dup"}, models.ErrConflict},
		{"foreign key", &pq.Error{Code: "23503"}, models.ErrNotFound},
		{"bad uuid", &pq.Error{Code: "22P02"}, models.ErrNotFound},
		{"check", &pq.Error{Code: "23514", Message: "violates check constraint"}, models.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapPQError(tt.in), tt.want)
		})
	}

	other := errors.New("connection refused")
	assert.Equal(t, other, mapPQError(other))
	assert.NoError(t, mapPQError(nil))
}
