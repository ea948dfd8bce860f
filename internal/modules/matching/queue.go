// README: Queue position of a booking within its same-type inqueue queue.
package matching

import (
	"context"
	"fmt"

	"fleet/internal/modules/booking"
)

// Position returns ref's 1-based rank among inqueue bookings of its kind and
// type t, in the order Allocate picks candidates; 0 when it is not queued.
func (s *Service) Position(ctx context.Context, ref booking.Ref, t booking.CargoType) (int, error) {
	if !ref.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown booking kind %q", booking.ErrBadRequest, ref.Kind)
	}
	if !t.Valid() {
		return 0, fmt.Errorf("%w: type must be 20 or 40", booking.ErrBadRequest)
	}
	return s.store.QueuePosition(ctx, ref, t)
}

// QueuePosition is Position with the type read from the booking itself
// (through the truck for truck bookings).
func (s *Service) QueuePosition(ctx context.Context, ref booking.Ref) (int, error) {
	t, _, err := s.initiator(ctx, ref)
	if err != nil {
		return 0, err
	}
	return s.Position(ctx, ref, t)
}
