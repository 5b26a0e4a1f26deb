package matcher

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/storage"
)

// ProposePrice records a driver's bid on a pending ride. The pending check
// is a plain read; a proposal that lands after the ride was taken can never
// be accepted because acceptance swaps on the ride row.
func (e *Engine) ProposePrice(ctx context.Context, requestID, driverID string, price decimal.Decimal) (proposal *models.RideProposal, err error) {
	defer func() { record("propose", err) }()

	if requestID == "" || driverID == "" {
		return nil, models.Invalid("requestId, driverId and price required")
	}
	// stored with cents precision, so a sub-cent bid is a zero bid
	price = price.Round(2)
	if !price.IsPositive() {
		return nil, models.Invalid("price must be greater than zero")
	}
	now := e.now()
	p := &models.RideProposal{
		ID:        e.newID(),
		RideID:    requestID,
		DriverID:  driverID,
		Price:     price,
		Status:    models.ProposalPending,
		CreatedAt: now,
	}
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.GetRide(ctx, requestID)
		if err != nil {
			return orNotFound(err, "ride not found")
		}
		if ride.Status != models.RidePending {
			return models.Conflict("ride not pending")
		}
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return orNotFound(err, "driver not found")
		}
		return tx.InsertProposal(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	// best effort: views watching ride_requests refresh on updated_at
	if err := e.Store.InTx(ctx, func(tx storage.Tx) error { return tx.TouchRide(ctx, requestID, now) }); err != nil {
		e.log().Warn("could not touch ride updated_at after proposal", "ride_id", requestID, "error", err)
	}
	e.publish(ctx, models.RideEvent{Type: models.EventProposalCreated, RideID: requestID, DriverID: driverID, ProposalID: p.ID, At: now})
	return p, nil
}

// RespondToProposal applies the client's answer to a proposal. On accept the
// ride swap, sibling rejection, proposal acceptance and driver claim commit
// together or not at all. A proposal that loses the ride swap is itself
// marked rejected and the call reports a conflict.
func (e *Engine) RespondToProposal(ctx context.Context, proposalID string, accept bool) (ride *models.RideRequest, err error) {
	op := "respond_reject"
	if accept {
		op = "respond_accept"
	}
	defer func() { record(op, err) }()

	if proposalID == "" {
		return nil, models.Invalid("proposalId and accept required")
	}
	now := e.now()
	var (
		prop *models.RideProposal
		lost bool
	)
	err = e.Store.InTx(ctx, func(tx storage.Tx) error {
		p, err := tx.GetProposal(ctx, proposalID)
		if err != nil {
			return orNotFound(err, "proposal not found")
		}
		prop = p
		if !accept {
			return declineProposal(ctx, tx, p)
		}
		if p.Status != models.ProposalPending {
			return models.Conflict("proposal is no longer pending")
		}

		r, ok, err := tx.CompareAndSwapRide(ctx, p.RideID, models.RidePending, storage.RideUpdate{
			Status: models.RideAccepted, DriverID: &p.DriverID, At: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			lost = true
			_, err := tx.CompareAndSwapProposal(ctx, p.ID, models.ProposalPending, models.ProposalRejected)
			return err
		}
		// siblings close only after the swap above has a winner
		if _, err := tx.RejectSiblingProposals(ctx, p.RideID, p.ID); err != nil {
			return err
		}
		ok, err = tx.CompareAndSwapProposal(ctx, p.ID, models.ProposalPending, models.ProposalAccepted)
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflict("proposal is no longer pending")
		}
		if err := claimDriver(ctx, tx, p.DriverID); err != nil {
			return err
		}
		ride = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !accept || lost {
		e.publish(ctx, models.RideEvent{Type: models.EventProposalRejected, RideID: prop.RideID, DriverID: prop.DriverID, ProposalID: prop.ID, At: now})
		if lost {
			e.log().Debug("proposal lost accept race", "proposal_id", prop.ID, "ride_id", prop.RideID)
			return nil, models.Conflict("Ride already accepted by someone else")
		}
		return nil, nil
	}
	e.publish(ctx, models.RideEvent{Type: models.EventRideAccepted, RideID: ride.ID, DriverID: prop.DriverID, ProposalID: prop.ID, Status: ride.Status, At: now})
	return ride, nil
}

// declineProposal rejects a pending proposal. Declining twice is a no-op;
// declining the accepted proposal is refused since its ride is already taken.
func declineProposal(ctx context.Context, tx storage.Tx, p *models.RideProposal) error {
	if p.Status == models.ProposalAccepted {
		return models.Conflict("proposal already accepted")
	}
	_, err := tx.CompareAndSwapProposal(ctx, p.ID, models.ProposalPending, models.ProposalRejected)
	return err
}
