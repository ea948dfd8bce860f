// README: Allocation results and queue change signals.
package matching

import (
	"errors"
	"time"

	"fleet/internal/modules/booking"
)

type Result struct {
	Matched      bool
	Allocation   *booking.Allocation
	Trip         *booking.TripBooking
	TruckBooking *booking.TruckBooking
}

// Queue change reasons published to listeners.
const (
	ReasonAllocated = "allocated"
	ReasonReleased  = "released"
	ReasonSwept     = "swept"
)

type QueueChange struct {
	Type   booking.CargoType `json:"type"`
	Reason string            `json:"reason"`
	Ref    string            `json:"ref,omitempty"`
	At     time.Time         `json:"at"`
}

const (
	defaultMaxAttempts  = 3
	defaultBacklogLimit = 100
	defaultTick         = 30 * time.Second
)

// Commit-time re-check failures. Which one is fatal depends on who initiated.
var (
	errStaleTrip        = errors.New("trip booking is no longer queued")
	errStaleTruck       = errors.New("truck booking is no longer queued")
	errTypeMismatch     = errors.New("trip and truck types differ")
	// errTruckUnavailable: the truck was deactivated or removed from the registry.
	errTruckUnavailable = errors.New("truck is not active")
)
