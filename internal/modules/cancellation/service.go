// README: Cancellation engine; cancels a booking, unwinds its allocation and returns the counterpart to the queue.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fleet/internal/metrics"
	"fleet/internal/modules/booking"
	"fleet/internal/modules/matching"
	"fleet/internal/modules/notify"
	"fleet/internal/types"
)

const (
	maxReasonLen = 500
	// maxAttempts bounds retries when the allocation changed between the
	// unlocked lookup and the locked re-read.
	maxAttempts = 3
)

var tracer = otel.Tracer("fleet/cancellation")

// errMoved means the allocation binding the booking changed before the rows
// were locked.
var errMoved = errors.New("allocation changed during cancellation")

type Outcome string

const (
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeAlreadyCancelled Outcome = "already_cancelled"
)

type CancelCommand struct {
	Ref    booking.Ref
	Actor  types.ID
	Reason string
}

type CancelResult struct {
	Outcome Outcome
	// Status is the status written, or the current one when already cancelled.
	Status     booking.Status
	Allocation *booking.Allocation
	// Counterpart is the booking sent back to the queue, if any.
	Counterpart *booking.Ref
	// Position is the counterpart's queue position after release.
	Position int
}

// Queue is the slice of the allocation engine cancellation needs.
type Queue interface {
	QueuePosition(ctx context.Context, ref booking.Ref) (int, error)
	Enqueue(ref booking.Ref)
}

type Service struct {
	store    booking.Store
	queue    Queue
	notifier notify.Publisher
	signals  matching.QueueSignals
	now      func() time.Time
}

// NewService wires the engine; notifier and signals may be nil.
func NewService(store booking.Store, queue Queue, notifier notify.Publisher, signals matching.QueueSignals) *Service {
	return &Service{store: store, queue: queue, notifier: notifier, signals: signals, now: time.Now}
}

// row is what cancellation needs from either kind of booking.
type row struct {
	ref       booking.Ref
	status    booking.Status
	code      string
	contact   booking.Contact
	cargoType booking.CargoType
}

// released describes the counterpart after commit.
type released struct {
	row
	cancelledCode string
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (res CancelResult, err error) {
	ctx, span := tracer.Start(ctx, "cancellation.Cancel", trace.WithAttributes(
		attribute.String("booking.kind", cmd.Ref.Kind.String()),
		attribute.String("booking.id", cmd.Ref.ID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validate(&cmd); err != nil {
		return CancelResult{}, err
	}

	var rel *released
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, rel, err = s.cancelOnce(ctx, cmd)
		if !errors.Is(err, errMoved) {
			break
		}
	}
	if errors.Is(err, errMoved) {
		return CancelResult{}, booking.ErrConflict
	}
	if err != nil {
		return CancelResult{}, err
	}
	if res.Outcome == OutcomeAlreadyCancelled {
		return res, nil
	}

	metrics.CancellationsTotal.WithLabelValues(cmd.Ref.Kind.String(), string(res.Status)).Inc()
	if rel != nil {
		res.Position = s.afterRelease(ctx, rel)
	}
	return res, nil
}

func (s *Service) cancelOnce(ctx context.Context, cmd CancelCommand) (CancelResult, *released, error) {
	pre, err := s.store.FindOpenAllocation(ctx, cmd.Ref)
	if err != nil {
		return CancelResult{}, nil, err
	}

	var (
		res CancelResult
		rel *released
	)
	err = s.store.InTx(ctx, func(tx booking.Tx) error {
		rows, err := lockRows(ctx, tx, cmd.Ref, pre)
		if err != nil {
			return err
		}
		alloc, err := tx.OpenAllocation(ctx, cmd.Ref)
		if err != nil {
			return err
		}
		if !sameAllocation(pre, alloc) {
			return errMoved
		}

		self := rows[cmd.Ref.Kind]
		target, err := booking.CancelTarget(self.status)
		if errors.Is(err, booking.ErrAlreadyCancelled) {
			res = CancelResult{Outcome: OutcomeAlreadyCancelled, Status: self.status}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: booking is %s", err, self.status)
		}

		change := booking.Change{Actor: cmd.Actor, Remarks: cmd.Reason, Cancel: true}
		if err := setStatus(ctx, tx, cmd.Ref, self.status, target, change); err != nil {
			return err
		}
		res = CancelResult{Outcome: OutcomeCancelled, Status: target}

		if self.status == booking.StatusInQueue || alloc == nil {
			return nil
		}

		allocTarget, err := booking.CancelTarget(alloc.Status)
		if err != nil || !booking.CanTransitionAllocation(alloc.Status, allocTarget) {
			return fmt.Errorf("%w: allocation is %s", booking.ErrInvalidState, alloc.Status)
		}
		ok, err := tx.SetAllocationStatus(ctx, alloc.ID, alloc.Status, allocTarget, change)
		if err != nil {
			return err
		}
		if !ok {
			return booking.ErrConflict
		}
		alloc.Status = allocTarget
		res.Allocation = alloc

		other, ok := rows[cmd.Ref.Kind.Counterpart()]
		if !ok || !booking.CanTransition(other.status, booking.StatusInQueue) {
			return nil
		}
		err = setStatus(ctx, tx, other.ref, other.status, booking.StatusInQueue, booking.Change{Actor: cmd.Actor})
		if errors.Is(err, booking.ErrTruckBusy) {
			// the truck already carries a newer booking; nothing to release
			log.Printf("[cancellation] %s: counterpart %s not re-queued: %v", cmd.Ref, other.ref, err)
			return nil
		}
		if err != nil {
			return err
		}
		ref := other.ref
		res.Counterpart = &ref
		rel = &released{row: other, cancelledCode: self.code}
		return nil
	})
	if err != nil {
		return CancelResult{}, nil, err
	}
	return res, rel, nil
}

// afterRelease reports the counterpart's new queue position, notifies its
// contact and hands it back to matching. Failures are logged only.
func (s *Service) afterRelease(ctx context.Context, rel *released) int {
	pos, err := s.queue.QueuePosition(ctx, rel.ref)
	if err != nil {
		log.Printf("[cancellation] position of %s: %v", rel.ref, err)
	}
	if s.notifier != nil {
		s.notifier.Publish(notify.CancellationMessage(rel.contact, rel.ref.Kind, rel.code, rel.cancelledCode, booking.StatusInQueue, pos))
	}
	if s.signals != nil {
		change := matching.QueueChange{Type: rel.cargoType, Reason: matching.ReasonReleased, Ref: rel.ref.String(), At: s.now()}
		if err := s.signals.QueueChanged(ctx, change); err != nil {
			log.Printf("[cancellation] queue signal: %v", err)
		}
	}
	s.queue.Enqueue(rel.ref)
	return pos
}

// lockRows locks the booking and, through pre, its counterpart. Trips are
// always locked before truck bookings, matching the allocation engine.
func lockRows(ctx context.Context, tx booking.Tx, ref booking.Ref, pre *booking.Allocation) (map[booking.Kind]row, error) {
	var tripID, truckBookingID types.ID
	if ref.Kind == booking.KindTrip {
		tripID = ref.ID
	} else {
		truckBookingID = ref.ID
	}
	if pre != nil {
		tripID, truckBookingID = pre.TripBookingID, pre.TruckBookingID
	}

	rows := make(map[booking.Kind]row, 2)
	if tripID != "" {
		b, err := tx.LockTrip(ctx, tripID)
		if err != nil {
			return nil, err
		}
		rows[booking.KindTrip] = row{ref: booking.TripRef(b.ID), status: b.Status, code: b.Code, contact: b.Contact, cargoType: b.CargoType}
	}
	if truckBookingID != "" {
		b, err := tx.LockTruckBooking(ctx, truckBookingID)
		if err != nil {
			return nil, err
		}
		t, err := tx.TruckType(ctx, b.TruckID)
		if err != nil && !errors.Is(err, booking.ErrNotFound) {
			return nil, err
		}
		rows[booking.KindTruck] = row{ref: booking.TruckRef(b.ID), status: b.Status, code: b.Code, contact: b.Contact, cargoType: t}
	}
	return rows, nil
}

func setStatus(ctx context.Context, tx booking.Tx, ref booking.Ref, from, to booking.Status, c booking.Change) error {
	if !booking.CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", booking.ErrInvalidState, ref.Kind, from, to)
	}
	ok, err := tx.SetStatus(ctx, ref, from, to, c)
	if err != nil {
		return err
	}
	if !ok {
		return booking.ErrConflict
	}
	return nil
}

func sameAllocation(a, b *booking.Allocation) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

func validate(cmd *CancelCommand) error {
	cmd.Reason = strings.TrimSpace(cmd.Reason)
	switch {
	case !cmd.Ref.Kind.Valid():
		return fmt.Errorf("%w: unknown booking kind %q", booking.ErrBadRequest, cmd.Ref.Kind)
	case cmd.Ref.ID == "":
		return fmt.Errorf("%w: booking id is required", booking.ErrBadRequest)
	case cmd.Reason == "":
		return fmt.Errorf("%w: reason is required", booking.ErrBadRequest)
	case len(cmd.Reason) > maxReasonLen:
		return fmt.Errorf("%w: reason exceeds %d characters", booking.ErrBadRequest, maxReasonLen)
	}
	return nil
}
