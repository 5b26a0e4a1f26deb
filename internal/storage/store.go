package storage

import (
	"context"
	"time"

	"github.com/example/motopoint/internal/models"
)

// Store is the gateway to the four ride collections plus driver profiles.
// Every engine operation runs inside one InTx call; a non-nil error from fn
// rolls back everything fn wrote.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// RideUpdate is the write half of a ride compare-and-swap. A nil DriverID
// leaves driver_id untouched.
type RideUpdate struct {
	Status   models.RideStatus
	DriverID *string
	At       time.Time
}

// Tx exposes the row-level reads and conditional writes available inside a
// transaction. Lookups of missing rows return models.ErrNotFound.
type Tx interface {
	InsertRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	// GetRideForUpdate reads a ride and holds its row lock until the
	// transaction ends.
	GetRideForUpdate(ctx context.Context, id string) (*models.RideRequest, error)
	// CompareAndSwapRide applies upd only if the ride currently has status
	// expected. The bool is true when exactly one row changed; the returned
	// ride is the row after the write.
	CompareAndSwapRide(ctx context.Context, id string, expected models.RideStatus, upd RideUpdate) (*models.RideRequest, bool, error)
	TouchRide(ctx context.Context, id string, at time.Time) error
	CancelExpiredRides(ctx context.Context, cutoff, at time.Time) ([]string, error)
	ListPendingRides(ctx context.Context) ([]models.RideRequest, error)

	InsertProposal(ctx context.Context, p *models.RideProposal) error
	GetProposal(ctx context.Context, id string) (*models.RideProposal, error)
	ListProposals(ctx context.Context, rideID string) ([]models.RideProposal, error)
	CompareAndSwapProposal(ctx context.Context, id string, expected, next models.ProposalStatus) (bool, error)
	RejectSiblingProposals(ctx context.Context, rideID, exceptID string) (int64, error)

	// InsertRejection returns false when the driver already rejected the ride.
	InsertRejection(ctx context.Context, r *models.RideRejection) (bool, error)
	CountRejections(ctx context.Context, rideID string) (int, error)
	ListRejections(ctx context.Context, rideIDs []string) ([]models.RideRejection, error)

	CountOnlineDrivers(ctx context.Context) (int, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDriverByUser(ctx context.Context, userID string) (*models.Driver, error)
	InsertDriver(ctx context.Context, d *models.Driver) error
	// CompareAndSwapDriverStatus moves a driver from expected to next. With
	// requireOnline the driver must also be online.
	CompareAndSwapDriverStatus(ctx context.Context, id string, expected, next models.DriverStatus, requireOnline bool) (bool, error)
	SetDriverOnline(ctx context.Context, id string, online bool) (*models.Driver, error)

	FindProfileByEmail(ctx context.Context, email string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, p *models.Profile) error
}
