// README: Booking service validates and records new trip and truck bookings.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet/internal/types"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("booking state conflict")
	ErrTruckBusy        = errors.New("truck already has an active booking")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrInvalidStatus    = errors.New("invalid status for cancellation")
	ErrAlreadyCancelled = errors.New("booking already cancelled")
)

const (
	maxRemarksLen = 500
	minNameLen    = 2
	maxNameLen    = 100

	defaultListLimit = 50
	maxListLimit     = 200
)

// Matcher receives every booking that entered the queue. Implementations must
// not block the caller.
type Matcher interface {
	Enqueue(ref Ref)
}

type Service struct {
	store   Store
	matcher Matcher
	now     func() time.Time
}

func NewService(store Store, matcher Matcher) *Service {
	return &Service{store: store, matcher: matcher, now: time.Now}
}

type CreateTripCommand struct {
	CompanyID   types.ID
	PartyName   string
	CargoType   CargoType
	Destination string
	Rate        types.Money
	Contact     Contact
	Remarks     string
	Actor       types.ID
}

type CreateTruckCommand struct {
	CompanyID types.ID
	TruckID   types.ID
	Contact   Contact
	Remarks   string
	Actor     types.ID
}

func (s *Service) CreateTrip(ctx context.Context, cmd CreateTripCommand) (*TripBooking, error) {
	if err := validateTrip(&cmd); err != nil {
		return nil, err
	}
	b := &TripBooking{
		ID:          types.NewID(),
		CompanyID:   cmd.CompanyID,
		PartyName:   cmd.PartyName,
		CargoType:   cmd.CargoType,
		Destination: cmd.Destination,
		Rate:        cmd.Rate,
		Status:      StatusInQueue,
		Contact:     cmd.Contact,
		CreatedBy:   cmd.Actor,
		Remarks:     optional(cmd.Remarks),
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		seq, err := tx.NextSeq(ctx, TripCounter)
		if err != nil {
			return err
		}
		now := s.now()
		b.Seq = seq
		b.Code = FormatCode(TripCodePrefix, seq)
		b.CreatedAt = now
		b.UpdatedAt = now
		return tx.InsertTrip(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.enqueue(TripRef(b.ID))
	return b, nil
}

func (s *Service) CreateTruck(ctx context.Context, cmd CreateTruckCommand) (*TruckBooking, error) {
	if err := validateTruck(&cmd); err != nil {
		return nil, err
	}
	b := &TruckBooking{
		ID:        types.NewID(),
		CompanyID: cmd.CompanyID,
		TruckID:   cmd.TruckID,
		Status:    StatusInQueue,
		Contact:   cmd.Contact,
		CreatedBy: cmd.Actor,
		Remarks:   optional(cmd.Remarks),
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.TruckType(ctx, cmd.TruckID); err != nil {
			return err
		}
		seq, err := tx.NextSeq(ctx, TruckCounter)
		if err != nil {
			return err
		}
		now := s.now()
		b.Seq = seq
		b.Code = FormatCode(TruckCodePrefix, seq)
		b.CreatedAt = now
		b.UpdatedAt = now
		return tx.InsertTruckBooking(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	s.enqueue(TruckRef(b.ID))
	return b, nil
}

func (s *Service) GetTrip(ctx context.Context, id types.ID) (*TripBooking, error) {
	return s.store.GetTrip(ctx, id)
}

func (s *Service) GetTruckBooking(ctx context.Context, id types.ID) (*TruckBooking, error) {
	return s.store.GetTruckBooking(ctx, id)
}

func (s *Service) GetAllocation(ctx context.Context, id types.ID) (*Allocation, error) {
	return s.store.GetAllocation(ctx, id)
}

func (s *Service) AvailableTrucks(ctx context.Context, t CargoType) ([]Truck, error) {
	if t != 0 && !t.Valid() {
		return nil, fmt.Errorf("%w: type must be 20 or 40", ErrBadRequest)
	}
	return s.store.AvailableTrucks(ctx, t)
}

func (s *Service) ListTrips(ctx context.Context, f TripFilter) ([]TripBooking, error) {
	if err := validateList(f.Status, &f.Limit); err != nil {
		return nil, err
	}
	f.ContactNumber = strings.TrimSpace(f.ContactNumber)
	return s.store.ListTrips(ctx, f)
}

// ListTruckBookings also serves the lookup of a driver's bookings by mobile
// number through ContactNumber.
func (s *Service) ListTruckBookings(ctx context.Context, f TruckBookingFilter) ([]TruckBooking, error) {
	if err := validateList(f.Status, &f.Limit); err != nil {
		return nil, err
	}
	f.ContactNumber = strings.TrimSpace(f.ContactNumber)
	return s.store.ListTruckBookings(ctx, f)
}

func (s *Service) ListAllocations(ctx context.Context, f AllocationFilter) ([]Allocation, error) {
	if err := validateList(f.Status, &f.Limit); err != nil {
		return nil, err
	}
	return s.store.ListAllocations(ctx, f)
}

func (s *Service) enqueue(ref Ref) {
	if s.matcher != nil {
		s.matcher.Enqueue(ref)
	}
}

func validateTrip(cmd *CreateTripCommand) error {
	cmd.Destination = strings.TrimSpace(cmd.Destination)
	cmd.PartyName = strings.TrimSpace(cmd.PartyName)
	switch {
	case cmd.CompanyID == "":
		return fmt.Errorf("%w: company_id is required", ErrBadRequest)
	case !cmd.CargoType.Valid():
		return fmt.Errorf("%w: type must be 20 or 40", ErrBadRequest)
	case len(cmd.Destination) < minNameLen || len(cmd.Destination) > maxNameLen:
		return fmt.Errorf("%w: destination must be %d-%d characters", ErrBadRequest, minNameLen, maxNameLen)
	case cmd.Rate.Amount < 0:
		return fmt.Errorf("%w: rate must not be negative", ErrBadRequest)
	}
	if cmd.Rate.Currency == "" {
		cmd.Rate.Currency = types.DefaultCurrency
	}
	return validateCommon(&cmd.Contact, &cmd.Remarks)
}

func validateTruck(cmd *CreateTruckCommand) error {
	switch {
	case cmd.CompanyID == "":
		return fmt.Errorf("%w: company_id is required", ErrBadRequest)
	case cmd.TruckID == "":
		return fmt.Errorf("%w: truck_id is required", ErrBadRequest)
	}
	return validateCommon(&cmd.Contact, &cmd.Remarks)
}

func validateCommon(c *Contact, remarks *string) error {
	c.Name = strings.TrimSpace(c.Name)
	c.Number = strings.TrimSpace(c.Number)
	*remarks = strings.TrimSpace(*remarks)
	switch {
	case len(c.Name) < minNameLen || len(c.Name) > maxNameLen:
		return fmt.Errorf("%w: contact_name must be %d-%d characters", ErrBadRequest, minNameLen, maxNameLen)
	case c.Number == "":
		return fmt.Errorf("%w: contact_number is required", ErrBadRequest)
	case len(*remarks) > maxRemarksLen:
		return fmt.Errorf("%w: remarks exceed %d characters", ErrBadRequest, maxRemarksLen)
	}
	return nil
}

func validateList(status Status, limit *int) error {
	if status != "" && !IsValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
	}
	switch {
	case *limit < 0:
		return fmt.Errorf("%w: limit must not be negative", ErrBadRequest)
	case *limit == 0:
		*limit = defaultListLimit
	case *limit > maxListLimit:
		*limit = maxListLimit
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
