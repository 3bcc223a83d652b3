// Package account resolves the vehicle the agent runs for into an explicit
// account outcome.
package account

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
)

type Outcome string

const (
	// ExistingAccount: the vehicle is registered and its driver can sign in.
	ExistingAccount Outcome = "existing_account"
	// NewAccount: the vehicle is registered but no account exists for its contact number yet.
	NewAccount Outcome = "new_account"
	// Unrecoverable: nothing the driver can do from the app; the fleet must fix the record.
	Unrecoverable Outcome = "unrecoverable"
)

type Result struct {
	Outcome Outcome        `json:"outcome"`
	Vehicle models.Vehicle `json:"vehicle"`
	Reason  string         `json:"reason,omitempty"`
}

// Directory is the part of the trip service that knows vehicles and accounts.
type Directory interface {
	CheckVehicle(ctx context.Context, vehicleNumber string) (models.VehicleCheck, error)
	LookupAccount(ctx context.Context, phoneNumber string) (bool, error)
}

type Resolver struct {
	dir     Directory
	timeout time.Duration
	logger  *slog.Logger
}

func NewResolver(dir Directory, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{dir: dir, timeout: timeout, logger: logger}
}

// NormalizeVehicleNumber strips spaces and dashes and upper-cases the plate.
func NormalizeVehicleNumber(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

// Resolve decides the account outcome for a vehicle number. An error is only
// returned for input that never reached the network or for a failed call;
// every answer from the trip service is a Result.
func (r *Resolver) Resolve(ctx context.Context, vehicleNumber string) (Result, error) {
	number := NormalizeVehicleNumber(vehicleNumber)
	if number == "" {
		return Result{}, apperr.New(apperr.InvalidInput, "vehicle number is required")
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	check, err := r.dir.CheckVehicle(cctx, number)
	if err != nil {
		return Result{}, apperr.Remote("could not check the vehicle", err)
	}
	vehicle := models.Vehicle{VehicleID: check.VehicleID, VehicleNumber: number, ContactNumber: check.ContactNumber}

	if !check.Exists || check.VehicleID == "" {
		r.logger.Info("vehicle not registered", "vehicle_number", number)
		return Result{Outcome: Unrecoverable, Vehicle: vehicle,
			Reason: "this vehicle is not registered with the fleet"}, nil
	}
	if check.ContactNumber == "" {
		return Result{Outcome: Unrecoverable, Vehicle: vehicle,
			Reason: "no contact number is on file for this vehicle"}, nil
	}

	exists, err := r.dir.LookupAccount(cctx, check.ContactNumber)
	if err != nil {
		return Result{}, apperr.Remote("could not look up the driver account", err)
	}
	if exists {
		return Result{Outcome: ExistingAccount, Vehicle: vehicle}, nil
	}
	return Result{Outcome: NewAccount, Vehicle: vehicle}, nil
}
