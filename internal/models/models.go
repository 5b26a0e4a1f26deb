package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Terminal reports whether no operation may move a ride out of s.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

// HasDriver reports whether a ride in status s must carry a driver id.
func (s RideStatus) HasDriver() bool { return s == RideAccepted || s == RideCompleted }

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type DriverStatus string

const (
	DriverIdle DriverStatus = "idle"
	DriverBusy DriverStatus = "busy"
)

// RideRequest is a client's call for a ride from a fixed pickup point.
type RideRequest struct {
	ID                 string     `json:"id"`
	PointID            string     `json:"point_id"`
	ClientID           string     `json:"client_id"`
	ClientName         string     `json:"client_name,omitempty"`
	DestinationAddress string     `json:"destination_address,omitempty"`
	ClientContact      string     `json:"client_whatsapp,omitempty"`
	DriverID           *string    `json:"driver_id"`
	Status             RideStatus `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// RideProposal is a driver's priced bid against a pending ride.
type RideProposal struct {
	ID        string          `json:"id"`
	RideID    string          `json:"ride_id"`
	DriverID  string          `json:"driver_id"`
	Price     decimal.Decimal `json:"price"`
	Status    ProposalStatus  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarshalJSON writes the price as a plain number with cents, the way the
// driver app sends it.
func (p RideProposal) MarshalJSON() ([]byte, error) {
	type plain RideProposal
	return json.Marshal(struct {
		plain
		Price json.Number `json:"price"`
	}{plain(p), json.Number(p.Price.StringFixed(2))})
}

type RideRejection struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Driver struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Online    bool         `json:"is_online"`
	Status    DriverStatus `json:"status"`
	MotoBrand string       `json:"moto_brand,omitempty"`
	MotoModel string       `json:"moto_model,omitempty"`
	MotoColor string       `json:"moto_color,omitempty"`
	MotoPlate string       `json:"moto_plate,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Profile is the user record a driver is linked to.
type Profile struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	PhotoURL     string    `json:"photo_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RideDetail is the client view of a ride: the request plus every bid on it.
type RideDetail struct {
	RideRequest
	Proposals []RideProposal `json:"proposals"`
}
