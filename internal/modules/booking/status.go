// README: Lifecycle statuses shared by trip bookings, truck bookings and allocations.
package booking

type Status string

const (
	StatusInQueue       Status = "inqueue"
	StatusInProgress    Status = "inprogress"
	StatusAccepted      Status = "accepted"
	StatusAllocated     Status = "allocated"
	StatusRejected      Status = "rejected"
	StatusCancelled     Status = "cancelled"
	StatusAutoCancelled Status = "autoCancelled"
)

// Statuses lists every legal value in lifecycle order.
var Statuses = []Status{
	StatusInQueue,
	StatusInProgress,
	StatusAccepted,
	StatusAllocated,
	StatusRejected,
	StatusCancelled,
	StatusAutoCancelled,
}

func IsValidStatus(s Status) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends the matching lifecycle. Allocated is the
// successful terminal state; it can still be cancelled explicitly.
func IsTerminal(s Status) bool {
	switch s {
	case StatusAllocated, StatusRejected, StatusCancelled, StatusAutoCancelled:
		return true
	}
	return false
}

// IsCancelled reports the terminal-cancelled states.
func IsCancelled(s Status) bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusAutoCancelled:
		return true
	}
	return false
}

// IsActive reports whether a booking in status s still holds its truck or trip
// out of the pool (a second booking for the same truck must be refused).
func IsActive(s Status) bool {
	switch s {
	case StatusInQueue, StatusInProgress, StatusAccepted:
		return true
	}
	return false
}

// BookingTransitions is the booking state flow as code. The ->inqueue edges
// are counterpart releases after the other side cancelled.
var BookingTransitions = map[Status][]Status{
	StatusInQueue:    {StatusInProgress, StatusCancelled, StatusAutoCancelled},
	StatusInProgress: {StatusAccepted, StatusRejected, StatusInQueue, StatusAutoCancelled},
	StatusAccepted:   {StatusAllocated, StatusCancelled, StatusInQueue},
	StatusAllocated:  {StatusCancelled, StatusInQueue},
}

// AllocationTransitions is the allocation state flow. Allocations never return
// to the queue; they are replaced by a new one.
var AllocationTransitions = map[Status][]Status{
	StatusInProgress: {StatusAccepted, StatusRejected, StatusAutoCancelled},
	StatusAccepted:   {StatusAllocated, StatusCancelled},
	StatusAllocated:  {StatusCancelled},
}

func CanTransition(from, to Status) bool {
	return allowed(BookingTransitions, from, to)
}

func CanTransitionAllocation(from, to Status) bool {
	return allowed(AllocationTransitions, from, to)
}

func allowed(table map[Status][]Status, from, to Status) bool {
	next, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// CancelTarget returns the status a cancellation writes for a booking that is
// currently in s.
func CancelTarget(s Status) (Status, error) {
	switch s {
	case StatusInQueue:
		return StatusCancelled, nil
	case StatusInProgress:
		return StatusRejected, nil
	case StatusAccepted, StatusAllocated:
		return StatusCancelled, nil
	}
	if IsCancelled(s) {
		return "", ErrAlreadyCancelled
	}
	return "", ErrInvalidStatus
}

// IsOpenAllocation reports allocation statuses that still bind both bookings.
func IsOpenAllocation(s Status) bool {
	switch s {
	case StatusInProgress, StatusAccepted, StatusAllocated:
		return true
	}
	return false
}
