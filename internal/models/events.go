package models

import "time"

type EventType string

const (
	EventRideCreated      EventType = "ride.created"
	EventRideAccepted     EventType = "ride.accepted"
	EventRideCompleted    EventType = "ride.completed"
	EventRideCancelled    EventType = "ride.cancelled"
	EventRideExpired      EventType = "ride.expired"
	EventRideRejected     EventType = "ride.rejected"
	EventProposalCreated  EventType = "proposal.created"
	EventProposalRejected EventType = "proposal.rejected"
	EventDriverStatus     EventType = "driver.status"
)

// RideEvent tells subscribed views that a committed write touched a ride
// (or a driver); views re-read the store on receipt.
type RideEvent struct {
	Type       EventType  `json:"type"`
	RideID     string     `json:"ride_id,omitempty"`
	DriverID   string     `json:"driver_id,omitempty"`
	ProposalID string     `json:"proposal_id,omitempty"`
	Status     RideStatus `json:"status,omitempty"`
	At         time.Time  `json:"at"`
}
