package matcher

import (
	"context"

	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/storage"
)

// Reject records that driverID declined the ride. Rejections form a set per
// ride: a repeat from the same driver does not count twice. Once the number
// of distinct rejecting drivers reaches the number of drivers online right
// now, a still-pending ride is cancelled. The online count is read at
// rejection time, so drivers going offline can tip a later rejection over
// the threshold.
func (e *Engine) Reject(ctx context.Context, requestID, driverID string) (cancelled bool, err error) {
	defer func() { record("reject", err) }()

	if requestID == "" || driverID == "" {
		return false, models.Invalid("requestId and driverId required")
	}
	now := e.now()
	var duplicate bool
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		// lock the ride so concurrent rejections are counted one after another
		if _, err := tx.GetRideForUpdate(ctx, requestID); err != nil {
			return orNotFound(err, "ride not found")
		}
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return orNotFound(err, "driver not found")
		}
		inserted, err := tx.InsertRejection(ctx, &models.RideRejection{
			ID: e.newID(), RideID: requestID, DriverID: driverID, CreatedAt: now,
		})
		if err != nil {
			return err
		}
		duplicate = !inserted

		online, err := tx.CountOnlineDrivers(ctx)
		if err != nil {
			return err
		}
		rejected, err := tx.CountRejections(ctx, requestID)
		if err != nil {
			return err
		}
		if !unanimous(rejected, online) {
			return nil
		}
		_, cancelled, err = tx.CompareAndSwapRide(ctx, requestID, models.RidePending, storage.RideUpdate{
			Status: models.RideCancelled, At: now,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if duplicate {
		e.log().Debug("duplicate rejection ignored", "ride_id", requestID, "driver_id", driverID)
	}
	e.publish(ctx, models.RideEvent{Type: models.EventRideRejected, RideID: requestID, DriverID: driverID, At: now})
	if cancelled {
		e.publish(ctx, models.RideEvent{Type: models.EventRideCancelled, RideID: requestID, Status: models.RideCancelled, At: now})
	}
	return cancelled, nil
}

func unanimous(rejections, online int) bool {
	return online > 0 && rejections >= online
}

// PendingFor lists the pending rides a driver should still see: rides the
// driver already rejected and rides every online driver rejected are left
// out. An empty driverID only applies the second filter.
func (e *Engine) PendingFor(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	var out []models.RideRequest
	err := e.Store.InTx(ctx, func(tx storage.Tx) error {
		pending, err := tx.ListPendingRides(ctx)
		if err != nil {
			return err
		}
		online, err := tx.CountOnlineDrivers(ctx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(pending))
		for _, r := range pending {
			ids = append(ids, r.ID)
		}
		rejections, err := tx.ListRejections(ctx, ids)
		if err != nil {
			return err
		}

		counts := make(map[string]int, len(pending))
		mine := make(map[string]bool)
		for _, rj := range rejections {
			counts[rj.RideID]++
			if driverID != "" && rj.DriverID == driverID {
				mine[rj.RideID] = true
			}
		}
		out = make([]models.RideRequest, 0, len(pending))
		for _, r := range pending {
			if mine[r.ID] || unanimous(counts[r.ID], online) {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
