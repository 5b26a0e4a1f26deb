package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/motopoint/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapPQError(err))
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgTx struct{ q querier }

const rideColumns = `id, point_id, client_id, client_name, destination_address, client_whatsapp, driver_id, status, created_at, updated_at`

func scanRide(s rowScanner) (*models.RideRequest, error) {
	var (
		r        models.RideRequest
		driverID sql.NullString
	)
	if err := s.Scan(&r.ID, &r.PointID, &r.ClientID, &r.ClientName, &r.DestinationAddress, &r.ClientContact, &driverID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.DriverID = &driverID.String
	}
	return &r, nil
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.RideRequest) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO ride_requests (`+rideColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.PointID, r.ClientID, r.ClientName, r.DestinationAddress, r.ClientContact, r.DriverID, r.Status, r.CreatedAt, r.UpdatedAt)
	return mapPQError(err)
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRide(t.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id))
	return r, notFound(err)
}

func (t *pgTx) GetRideForUpdate(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRide(t.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1 FOR UPDATE`, id))
	return r, notFound(err)
}

func (t *pgTx) CompareAndSwapRide(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.RideRequest, bool, error) {
	r, err := scanRide(t.q.QueryRowContext(ctx,
		`UPDATE ride_requests SET status = $3, driver_id = COALESCE($4::uuid, driver_id), updated_at = $5
		 WHERE id = $1 AND status = $2 RETURNING `+rideColumns,
		id, expected, upd.Status, upd.DriverID, upd.At))
	if err != nil {
		err = notFound(err)
		if errors.Is(err, models.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return r, true, nil
}

func (t *pgTx) TouchRide(ctx context.Context, id string, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `UPDATE ride_requests SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapPQError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *pgTx) CancelExpiredRides(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	rows, err := t.q.QueryContext(ctx,
		`UPDATE ride_requests SET status = 'cancelled', updated_at = $2
		 WHERE status = 'pending' AND created_at <= $1 RETURNING id`, cutoff, at)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) ListPendingRides(ctx context.Context) ([]models.RideRequest, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE status = 'pending' ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const proposalColumns = `id, ride_id, driver_id, price, status, created_at`

func scanProposal(s rowScanner) (*models.RideProposal, error) {
	var p models.RideProposal
	if err := s.Scan(&p.ID, &p.RideID, &p.DriverID, &p.Price, &p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) InsertProposal(ctx context.Context, p *models.RideProposal) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO ride_proposals (`+proposalColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.RideID, p.DriverID, p.Price, p.Status, p.CreatedAt)
	return mapPQError(err)
}

func (t *pgTx) GetProposal(ctx context.Context, id string) (*models.RideProposal, error) {
	p, err := scanProposal(t.q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM ride_proposals WHERE id = $1`, id))
	return p, notFound(err)
}

func (t *pgTx) ListProposals(ctx context.Context, rideID string) ([]models.RideProposal, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+proposalColumns+` FROM ride_proposals WHERE ride_id = $1 ORDER BY created_at DESC, id`, rideID)
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	out := make([]models.RideProposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) CompareAndSwapProposal(ctx context.Context, id string, expected, next models.ProposalStatus) (bool, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE ride_proposals SET status = $3 WHERE id = $1 AND status = $2`, id, expected, next)
	if err != nil {
		return false, mapPQError(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) RejectSiblingProposals(ctx context.Context, rideID, exceptID string) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE ride_proposals SET status = 'rejected' WHERE ride_id = $1 AND id <> $2 AND status = 'pending'`, rideID, exceptID)
	if err != nil {
		return 0, mapPQError(err)
	}
	return res.RowsAffected()
}

func (t *pgTx) InsertRejection(ctx context.Context, r *models.RideRejection) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO ride_rejections (id, ride_id, driver_id, created_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (ride_id, driver_id) DO NOTHING`, r.ID, r.RideID, r.DriverID, r.CreatedAt)
	if err != nil {
		return false, mapPQError(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) CountRejections(ctx context.Context, rideID string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT count(DISTINCT driver_id) FROM ride_rejections WHERE ride_id = $1`, rideID).Scan(&n)
	return n, mapPQError(err)
}

func (t *pgTx) ListRejections(ctx context.Context, rideIDs []string) ([]models.RideRejection, error) {
	out := make([]models.RideRejection, 0)
	if len(rideIDs) == 0 {
		return out, nil
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, ride_id, driver_id, created_at FROM ride_rejections WHERE ride_id = ANY($1::uuid[])`, pq.Array(rideIDs))
	if err != nil {
		return nil, mapPQError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var r models.RideRejection
		if err := rows.Scan(&r.ID, &r.RideID, &r.DriverID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) CountOnlineDrivers(ctx context.Context) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT count(*) FROM drivers WHERE is_online`).Scan(&n)
	return n, mapPQError(err)
}

const driverColumns = `id, user_id, is_online, status, moto_brand, moto_model, moto_color, moto_plate, created_at`

func scanDriver(s rowScanner) (*models.Driver, error) {
	var d models.Driver
	if err := s.Scan(&d.ID, &d.UserID, &d.Online, &d.Status, &d.MotoBrand, &d.MotoModel, &d.MotoColor, &d.MotoPlate, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(t.q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	return d, notFound(err)
}

func (t *pgTx) GetDriverByUser(ctx context.Context, userID string) (*models.Driver, error) {
	d, err := scanDriver(t.q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE user_id = $1`, userID))
	return d, notFound(err)
}

func (t *pgTx) InsertDriver(ctx context.Context, d *models.Driver) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO drivers (`+driverColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.UserID, d.Online, d.Status, d.MotoBrand, d.MotoModel, d.MotoColor, d.MotoPlate, d.CreatedAt)
	return mapPQError(err)
}

func (t *pgTx) CompareAndSwapDriverStatus(ctx context.Context, id string, expected, next models.DriverStatus, requireOnline bool) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE drivers SET status = $3 WHERE id = $1 AND status = $2 AND (is_online OR NOT $4)`, id, expected, next, requireOnline)
	if err != nil {
		return false, mapPQError(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) SetDriverOnline(ctx context.Context, id string, online bool) (*models.Driver, error) {
	d, err := scanDriver(t.q.QueryRowContext(ctx, `UPDATE drivers SET is_online = $2 WHERE id = $1 RETURNING `+driverColumns, id, online))
	return d, notFound(err)
}

func (t *pgTx) FindProfileByEmail(ctx context.Context, email string) (*models.Profile, error) {
	var p models.Profile
	err := t.q.QueryRowContext(ctx,
		`SELECT id, email, password_hash, name, photo_url, created_at FROM profiles WHERE lower(email) = lower($1)`, email).
		Scan(&p.ID, &p.Email, &p.PasswordHash, &p.Name, &p.PhotoURL, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *pgTx) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO profiles (id, email, password_hash, name, photo_url, created_at) VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
		   photo_url = CASE WHEN EXCLUDED.photo_url <> '' THEN EXCLUDED.photo_url ELSE profiles.photo_url END`,
		p.ID, p.Email, p.PasswordHash, p.Name, p.PhotoURL, p.CreatedAt)
	return mapPQError(err)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return mapPQError(err)
}

// mapPQError folds the Postgres error codes callers can act on into the
// model error kinds; everything else passes through.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		return models.Conflict(pqErr.Message)
	case "23503": // foreign_key_violation
		return models.NotFound("referenced record not found")
	case "23514": // check_violation
		return models.Invalid(pqErr.Message)
	case "22P02": // invalid_text_representation, e.g. a malformed uuid
		return models.ErrNotFound
	}
	return err
}
