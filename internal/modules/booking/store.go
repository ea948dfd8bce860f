// README: Persistence contract for bookings and allocations.
package booking

import (
	"context"
	"time"

	"fleet/internal/types"
)

// Reader holds the non-transactional queries. Implementations return
// ErrNotFound for missing ids and (nil, nil) when a queue is empty.
type Reader interface {
	GetTrip(ctx context.Context, id types.ID) (*TripBooking, error)
	GetTruckBooking(ctx context.Context, id types.ID) (*TruckBooking, error)
	GetTruck(ctx context.Context, id types.ID) (*Truck, error)
	GetAllocation(ctx context.Context, id types.ID) (*Allocation, error)
	// FindOpenAllocation is the unlocked counterpart of Tx.OpenAllocation,
	// used to learn which rows a transaction has to lock.
	FindOpenAllocation(ctx context.Context, ref Ref) (*Allocation, error)

	// OldestQueuedTrip returns the smallest QueueKey inqueue trip of type t,
	// skipping ids in exclude.
	OldestQueuedTrip(ctx context.Context, t CargoType, exclude []types.ID) (*TripBooking, error)
	// OldestQueuedTruckBooking does the same for truck bookings, with the
	// type read through the truck. Bookings on inactive trucks are not queued.
	OldestQueuedTruckBooking(ctx context.Context, t CargoType, exclude []types.ID) (*TruckBooking, error)
	// QueuePosition is the 1-based QueueKey rank of ref among inqueue bookings
	// of its kind and type t, or 0 when ref is not in that set. It uses the
	// same filter as the OldestQueued queries.
	QueuePosition(ctx context.Context, ref Ref, t CargoType) (int, error)

	// AvailableTrucks lists active trucks without an active booking; t == 0
	// means every type.
	AvailableTrucks(ctx context.Context, t CargoType) ([]Truck, error)

	// ListTrips returns matching trips, newest first.
	ListTrips(ctx context.Context, f TripFilter) ([]TripBooking, error)
	// ListTruckBookings returns matching truck bookings, oldest first.
	ListTruckBookings(ctx context.Context, f TruckBookingFilter) ([]TruckBooking, error)
	// ListAllocations returns matching allocations, most recent first.
	ListAllocations(ctx context.Context, f AllocationFilter) ([]Allocation, error)
}

// Listing filters. Zero-valued fields match everything; Limit is always set
// by the service before it reaches a store.
type TripFilter struct {
	CompanyID     types.ID
	Status        Status
	ContactNumber string
	Limit         int
}

type TruckBookingFilter struct {
	CompanyID     types.ID
	TruckID       types.ID
	Status        Status
	ContactNumber string
	Limit         int
}

type AllocationFilter struct {
	TripBookingID  types.ID
	TruckBookingID types.ID
	Status         Status
	Limit          int
}

// Tx is the write side. Every method runs inside one database transaction.
type Tx interface {
	NextSeq(ctx context.Context, counter string) (int64, error)
	InsertTrip(ctx context.Context, b *TripBooking) error
	// InsertTruckBooking returns ErrTruckBusy when the truck already has an
	// active booking.
	InsertTruckBooking(ctx context.Context, b *TruckBooking) error

	LockTrip(ctx context.Context, id types.ID) (*TripBooking, error)
	LockTruckBooking(ctx context.Context, id types.ID) (*TruckBooking, error)
	LockAllocation(ctx context.Context, id types.ID) (*Allocation, error)
	TruckType(ctx context.Context, truckID types.ID) (CargoType, error)
	// OpenAllocation returns the allocation still binding ref, or nil.
	OpenAllocation(ctx context.Context, ref Ref) (*Allocation, error)

	InsertAllocation(ctx context.Context, a *Allocation) error
	// SetStatus is a compare-and-set on the booking status; false means the
	// row was no longer in from. A successful write appends an Event. Moving a
	// truck booking back to an active status returns ErrTruckBusy when its
	// truck was booked again meanwhile; the transaction stays usable.
	SetStatus(ctx context.Context, ref Ref, from, to Status, c Change) (bool, error)
	SetAllocationStatus(ctx context.Context, id types.ID, from, to Status, c Change) (bool, error)

	// AutoCancel closes every inqueue/inprogress booking and the inprogress
	// allocations bound to them.
	AutoCancel(ctx context.Context, at time.Time) (SweepCounts, error)
}

// Store is implemented by PGStore and by the in-memory store used in tests.
type Store interface {
	Reader
	// InTx runs fn in a transaction; a non-nil error from fn rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
