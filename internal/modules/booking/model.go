// README: Trip booking, truck booking, truck and allocation aggregates.
package booking

import (
	"fmt"
	"time"

	"fleet/internal/types"
)

// Kind distinguishes the demand side (trip) from the supply side (truck).
type Kind string

const (
	KindTrip  Kind = "trip"
	KindTruck Kind = "truck"
)

func (k Kind) Valid() bool { return k == KindTrip || k == KindTruck }

func (k Kind) String() string { return string(k) }

// Counterpart returns the other side of a match.
func (k Kind) Counterpart() Kind {
	if k == KindTrip {
		return KindTruck
	}
	return KindTrip
}

// CargoType is the container size class; the only partitioning key for matching.
type CargoType int

const (
	Type20 CargoType = 20
	Type40 CargoType = 40
)

func (t CargoType) Valid() bool { return t == Type20 || t == Type40 }

// Ref names one booking of either kind.
type Ref struct {
	Kind Kind
	ID   types.ID
}

func TripRef(id types.ID) Ref  { return Ref{Kind: KindTrip, ID: id} }
func TruckRef(id types.ID) Ref { return Ref{Kind: KindTruck, ID: id} }

func (r Ref) String() string { return fmt.Sprintf("%s/%s", r.Kind, r.ID) }

type Contact struct {
	Name   string
	Number string
}

type TripBooking struct {
	ID          types.ID
	Code        string
	Seq         int64
	CompanyID   types.ID
	PartyName   string
	CargoType   CargoType
	Destination string
	Rate        types.Money
	Status      Status
	Contact     Contact
	CreatedBy   types.ID
	UpdatedBy   *types.ID
	CancelledBy *types.ID
	Remarks     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b *TripBooking) Key() QueueKey { return QueueKey{CreatedAt: b.CreatedAt, Seq: b.Seq} }

type TruckBooking struct {
	ID          types.ID
	Code        string
	Seq         int64
	CompanyID   types.ID
	TruckID     types.ID
	Status      Status
	Contact     Contact
	CreatedBy   types.ID
	UpdatedBy   *types.ID
	CancelledBy *types.ID
	Remarks     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b *TruckBooking) Key() QueueKey { return QueueKey{CreatedAt: b.CreatedAt, Seq: b.Seq} }

// Truck is reference data owned by the fleet registry; read-only here.
type Truck struct {
	ID                 types.ID
	RegistrationNumber string
	CompanyID          types.ID
	Category           string
	Type               CargoType
	Active             bool
}

type Allocation struct {
	ID             types.ID
	TripBookingID  types.ID
	TruckBookingID types.ID
	Status         Status
	AllocatedAt    time.Time
	CreatedBy      types.ID
	UpdatedBy      *types.ID
	CancelledBy    *types.ID
	Remarks        *string
}

// BookingID returns the id on the given side of the allocation.
func (a *Allocation) BookingID(k Kind) types.ID {
	if k == KindTrip {
		return a.TripBookingID
	}
	return a.TruckBookingID
}

// Event is one row of the booking transition audit trail.
type Event struct {
	ID         int64
	Ref        Ref
	FromStatus Status
	ToStatus   Status
	ActorID    types.ID
	CreatedAt  time.Time
}

// Change carries the who/why of a status write.
type Change struct {
	Actor   types.ID
	Remarks string
	// Cancel records Actor as the canceller, not just the updater.
	Cancel bool
}

// QueueKey is the FIFO total order: creation time, then sequence number.
type QueueKey struct {
	CreatedAt time.Time
	Seq       int64
}

func (k QueueKey) Less(o QueueKey) bool {
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.Before(o.CreatedAt)
	}
	return k.Seq < o.Seq
}

// SweepCounts reports rows touched by the daily auto-cancel.
type SweepCounts struct {
	Trips       int64
	Trucks      int64
	Allocations int64
}

const (
	TripCounter  = "tripBooking"
	TruckCounter = "truckBooking"

	TripCodePrefix  = "FLEETTRPB"
	TruckCodePrefix = "FLEETTRKB"
)

// FormatCode renders a human-readable booking id, e.g. FLEETTRPB00001.
func FormatCode(prefix string, seq int64) string {
	return fmt.Sprintf("%s%05d", prefix, seq)
}
