package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/storage"
)

const minPasswordLen = 6

type DriverInput struct {
	Email     string
	Password  string
	Name      string
	PhotoURL  string
	MotoBrand string
	MotoModel string
	MotoColor string
	MotoPlate string
}

type Result struct {
	UserID   string `json:"userId"`
	DriverID string `json:"driverId"`
	Created  bool   `json:"created"`
}

// Provisioner creates the profile and driver rows behind a driver account.
// Calling it again with the same email and password is safe and returns
// the existing ids.
type Provisioner struct {
	Store  storage.Store
	Logger *slog.Logger
	Cost   int // bcrypt cost, bcrypt.DefaultCost when zero
	Now    func() time.Time
}

func (p *Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Provisioner) log() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func validate(in *DriverInput) error {
	in.Email = strings.TrimSpace(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Email == "" || in.Password == "" || in.Name == "" {
		return models.Invalid("email, password and name are required")
	}
	addr, err := mail.ParseAddress(in.Email)
	if err != nil || addr.Address != in.Email {
		return models.Invalid("invalid email address")
	}
	if len(in.Password) < minPasswordLen {
		return models.Invalid(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	return nil
}

// ProvisionDriver finds or creates the profile for in.Email and makes sure
// it has a driver row. New drivers start offline and idle.
func (p *Provisioner) ProvisionDriver(ctx context.Context, in DriverInput) (*Result, error) {
	if err := validate(&in); err != nil {
		return nil, err
	}
	cost := p.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := p.now()
	res := &Result{}
	err = p.Store.InTx(ctx, func(tx storage.Tx) error {
		profile, err := tx.FindProfileByEmail(ctx, in.Email)
		switch {
		case errors.Is(err, models.ErrNotFound):
			profile = &models.Profile{
				ID:           uuid.NewString(),
				Email:        strings.ToLower(in.Email),
				PasswordHash: string(hash),
				Name:         in.Name,
				PhotoURL:     strings.TrimSpace(in.PhotoURL),
				CreatedAt:    now,
			}
			res.Created = true
		case err != nil:
			return err
		default:
			if bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(in.Password)) != nil {
				return models.Conflict("email already registered")
			}
			profile.Name = in.Name
			profile.PhotoURL = strings.TrimSpace(in.PhotoURL)
		}
		if err := tx.UpsertProfile(ctx, profile); err != nil {
			return err
		}
		res.UserID = profile.ID

		driver, err := tx.GetDriverByUser(ctx, profile.ID)
		if err == nil {
			res.DriverID = driver.ID
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		driver = &models.Driver{
			ID:        uuid.NewString(),
			UserID:    profile.ID,
			Status:    models.DriverIdle,
			MotoBrand: strings.TrimSpace(in.MotoBrand),
			MotoModel: strings.TrimSpace(in.MotoModel),
			MotoColor: strings.TrimSpace(in.MotoColor),
			MotoPlate: strings.TrimSpace(in.MotoPlate),
			CreatedAt: now,
		}
		res.DriverID = driver.ID
		res.Created = true
		return tx.InsertDriver(ctx, driver)
	})
	if err != nil {
		return nil, err
	}
	p.log().Info("driver_provisioned", "user_id", res.UserID, "driver_id", res.DriverID, "created", res.Created)
	return res, nil
}
