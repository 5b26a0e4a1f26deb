package matcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/observability"
	"github.com/example/motopoint/internal/storage"
)

// Publisher receives a RideEvent after the write it describes has committed.
type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent) error
}

// Engine runs the ride lifecycle. It keeps no state between calls: every
// operation re-reads the store inside one transaction and relies on the
// store's conditional writes to pick a single winner.
type Engine struct {
	Store     storage.Store
	Publisher Publisher // optional
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// publish runs detached from the caller's cancellation: the write has
// committed, so a client hanging up must not keep the change from views.
func (e *Engine) publish(ctx context.Context, ev models.RideEvent) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log().Warn("publish ride event failed", "type", ev.Type, "ride_id", ev.RideID, "error", err)
	}
}

func record(operation string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrInvalid):
		outcome = "invalid"
	case errors.Is(err, models.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, models.ErrConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	observability.RideTransitions.WithLabelValues(operation, outcome).Inc()
}

// orNotFound swaps a bare store miss for a caller-facing message.
func orNotFound(err error, msg string) error {
	var rideErr *models.RideError
	if errors.Is(err, models.ErrNotFound) && !errors.As(err, &rideErr) {
		return models.NotFound(msg)
	}
	return err
}

type CreateRideInput struct {
	PointID            string
	ClientID           string
	ClientName         string
	DestinationAddress string
	ClientContact      string
}

// CreateRequest opens a pending ride with no driver.
func (e *Engine) CreateRequest(ctx context.Context, in CreateRideInput) (ride *models.RideRequest, err error) {
	defer func() { record("create", err) }()

	in.PointID = strings.TrimSpace(in.PointID)
	in.ClientID = strings.TrimSpace(in.ClientID)
	if in.PointID == "" || in.ClientID == "" {
		return nil, models.Invalid("pointId and clientId required")
	}
	now := e.now()
	r := &models.RideRequest{
		ID:                 e.newID(),
		PointID:            in.PointID,
		ClientID:           in.ClientID,
		ClientName:         strings.TrimSpace(in.ClientName),
		DestinationAddress: strings.TrimSpace(in.DestinationAddress),
		ClientContact:      strings.TrimSpace(in.ClientContact),
		Status:             models.RidePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Store.InTx(ctx, func(tx storage.Tx) error { return tx.InsertRide(ctx, r) }); err != nil {
		return nil, err
	}
	e.publish(ctx, models.RideEvent{Type: models.EventRideCreated, RideID: r.ID, Status: r.Status, At: now})
	return r, nil
}

// DirectAccept hands a pending ride to driverID. The ride row is the
// arbiter: of any number of concurrent calls exactly one sees its
// pending->accepted swap affect a row.
func (e *Engine) DirectAccept(ctx context.Context, requestID, driverID string) (ride *models.RideRequest, err error) {
	defer func() { record("accept", err) }()

	if requestID == "" || driverID == "" {
		return nil, models.Invalid("requestId and driverId required")
	}
	now := e.now()
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return orNotFound(err, "driver not found")
		}
		r, ok, err := tx.CompareAndSwapRide(ctx, requestID, models.RidePending, storage.RideUpdate{
			Status: models.RideAccepted, DriverID: &driverID, At: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflict("Request already accepted or not pending")
		}
		if err := claimDriver(ctx, tx, driverID); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		e.log().Debug("direct accept refused", "ride_id", requestID, "driver_id", driverID, "error", err)
		return nil, err
	}
	e.publish(ctx, models.RideEvent{Type: models.EventRideAccepted, RideID: ride.ID, DriverID: driverID, Status: ride.Status, At: now})
	return ride, nil
}

// claimDriver flips an online idle driver to busy. Anything else means the
// driver already holds a ride (or went offline) and the caller must roll back.
func claimDriver(ctx context.Context, tx storage.Tx, driverID string) error {
	ok, err := tx.CompareAndSwapDriverStatus(ctx, driverID, models.DriverIdle, models.DriverBusy, true)
	if err != nil {
		return err
	}
	if !ok {
		return models.Conflict("Driver is not available")
	}
	return nil
}

// Complete closes an accepted ride owned by driverID and frees the driver.
func (e *Engine) Complete(ctx context.Context, requestID, driverID string) (ride *models.RideRequest, err error) {
	defer func() { record("complete", err) }()

	if requestID == "" || driverID == "" {
		return nil, models.Invalid("requestId and driverId required")
	}
	now := e.now()
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetRideForUpdate(ctx, requestID)
		if err != nil {
			return orNotFound(err, "ride not found")
		}
		if current.Status != models.RideAccepted || current.DriverID == nil || *current.DriverID != driverID {
			return models.Conflict("ride is not accepted by this driver")
		}
		r, ok, err := tx.CompareAndSwapRide(ctx, requestID, models.RideAccepted, storage.RideUpdate{Status: models.RideCompleted, At: now})
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflict("ride is not accepted by this driver")
		}
		if _, err := tx.CompareAndSwapDriverStatus(ctx, driverID, models.DriverBusy, models.DriverIdle, false); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, models.RideEvent{Type: models.EventRideCompleted, RideID: ride.ID, DriverID: driverID, Status: ride.Status, At: now})
	return ride, nil
}

// ExpirePending cancels every pending ride created at or before now-ttl.
func (e *Engine) ExpirePending(ctx context.Context, ttl time.Duration) (ids []string, err error) {
	defer func() { record("expire", err) }()

	now := e.now()
	cutoff := now.Add(-ttl)
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		ids, err = tx.CancelExpiredRides(ctx, cutoff, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.publish(ctx, models.RideEvent{Type: models.EventRideExpired, RideID: id, Status: models.RideCancelled, At: now})
	}
	return ids, nil
}

// GetRide returns a ride with all of its proposals, newest first.
func (e *Engine) GetRide(ctx context.Context, id string) (*models.RideDetail, error) {
	var detail *models.RideDetail
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetRide(ctx, id)
		if err != nil {
			return orNotFound(err, "ride not found")
		}
		props, err := tx.ListProposals(ctx, id)
		if err != nil {
			return err
		}
		detail = &models.RideDetail{RideRequest: *r, Proposals: props}
		return nil
	})
	return detail, err
}

// SetDriverOnline toggles availability. Status is left alone: a busy
// driver going offline is still busy until the ride completes.
func (e *Engine) SetDriverOnline(ctx context.Context, driverID string, online bool) (d *models.Driver, err error) {
	defer func() { record("driver_status", err) }()

	if driverID == "" {
		return nil, models.Invalid("driverId required")
	}
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		d, err = tx.SetDriverOnline(ctx, driverID, online)
		return orNotFound(err, "driver not found")
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, models.RideEvent{Type: models.EventDriverStatus, DriverID: driverID, At: e.now()})
	return d, nil
}
