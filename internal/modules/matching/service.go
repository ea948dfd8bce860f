// README: Allocation engine; pairs the oldest compatible trip and truck bookings in one transaction.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fleet/internal/config"
	"fleet/internal/metrics"
	"fleet/internal/modules/booking"
	"fleet/internal/modules/notify"
	"fleet/internal/types"
	"fleet/internal/worker"
)

var tracer = otel.Tracer("fleet/matching")

type Service struct {
	store    booking.Store
	runner   worker.Runner
	notifier notify.Publisher
	signals  QueueSignals
	cfg      config.MatchingConfig
	auto     bool
	now      func() time.Time
}

// NewService wires the engine. signals may be nil. When autoAllocate is
// false, Enqueue and the backlog scheduler do nothing and pairs are made
// through AllocatePair only.
func NewService(store booking.Store, runner worker.Runner, notifier notify.Publisher, signals QueueSignals, cfg config.MatchingConfig, autoAllocate bool) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = defaultBacklogLimit
	}
	return &Service{
		store:    store,
		runner:   runner,
		notifier: notifier,
		signals:  signals,
		cfg:      cfg,
		auto:     autoAllocate,
		now:      time.Now,
	}
}

func (s *Service) AutoAllocate() bool { return s.auto }

// Enqueue schedules Allocate for ref on the background runner.
func (s *Service) Enqueue(ref booking.Ref) {
	if !s.auto {
		return
	}
	s.runner.Go("allocate "+ref.String(), func(ctx context.Context) error {
		_, err := s.Allocate(ctx, ref)
		return err
	})
}

// Allocate pairs ref with the oldest queued counterpart of the same type. A
// miss is not an error. Candidates taken by a concurrent allocation are
// skipped, at most MaxAttempts times; candidates whose truck can no longer
// carry the trip are skipped until none remain. If ref itself left the
// queue, Allocate gives up.
func (s *Service) Allocate(ctx context.Context, ref booking.Ref) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "matching.Allocate", trace.WithAttributes(
		attribute.String("booking.kind", ref.Kind.String()),
		attribute.String("booking.id", ref.ID.String()),
	))
	defer func() { endSpan(span, err) }()

	outcome := "error"
	defer func() { metrics.AllocationsTotal.WithLabelValues(ref.Kind.String(), outcome).Inc() }()

	t, queued, err := s.initiator(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if !queued {
		outcome = "stale"
		return Result{}, nil
	}
	span.SetAttributes(attribute.Int("booking.type", int(t)))

	var exclude []types.ID
	conflicts := 0
	for {
		candidate, err := s.oldestCounterpart(ctx, ref.Kind, t, exclude)
		if err != nil {
			return Result{}, err
		}
		if candidate == "" {
			outcome = "no_match"
			return Result{}, nil
		}

		tripID, truckBookingID := ref.ID, candidate
		if ref.Kind == booking.KindTruck {
			tripID, truckBookingID = candidate, ref.ID
		}
		res, err = s.commit(ctx, tripID, truckBookingID, types.SystemActor)
		switch {
		case err == nil:
			outcome = "matched"
			s.afterAllocate(ctx, res)
			return res, nil
		case s.initiatorStale(ref.Kind, err):
			outcome = "stale"
			return Result{}, nil
		case s.candidateStale(ref.Kind, err):
			metrics.AllocationConflictsTotal.Inc()
			conflicts++
			if conflicts >= s.cfg.MaxAttempts {
				outcome = "exhausted"
				log.Printf("[matching] %s: gave up after %d conflicting candidates", ref, conflicts)
				return Result{}, nil
			}
			exclude = append(exclude, candidate)
		case s.candidateUnusable(ref.Kind, err):
			// not a race; skip it without spending an attempt
			exclude = append(exclude, candidate)
		default:
			return Result{}, err
		}
	}
}

// AllocatePair creates an allocation between two named queued bookings.
func (s *Service) AllocatePair(ctx context.Context, tripID, truckBookingID, actor types.ID) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "matching.AllocatePair", trace.WithAttributes(
		attribute.String("trip.id", tripID.String()),
		attribute.String("truck_booking.id", truckBookingID.String()),
	))
	defer func() { endSpan(span, err) }()

	if tripID == "" || truckBookingID == "" {
		return Result{}, fmt.Errorf("%w: trip_booking_id and truck_booking_id are required", booking.ErrBadRequest)
	}
	res, err = s.commit(ctx, tripID, truckBookingID, actor)
	switch {
	case errors.Is(err, errStaleTrip), errors.Is(err, errStaleTruck):
		metrics.AllocationsTotal.WithLabelValues("manual", "stale").Inc()
		return Result{}, fmt.Errorf("%w: %v", booking.ErrInvalidState, err)
	case errors.Is(err, errTypeMismatch), errors.Is(err, errTruckUnavailable):
		return Result{}, fmt.Errorf("%w: %v", booking.ErrBadRequest, err)
	case err != nil:
		return Result{}, err
	}
	metrics.AllocationsTotal.WithLabelValues("manual", "matched").Inc()
	s.afterAllocate(ctx, res)
	return res, nil
}

// Accept confirms a tentative allocation (inprogress -> accepted).
func (s *Service) Accept(ctx context.Context, allocationID, actor types.ID) (*booking.Allocation, error) {
	return s.advance(ctx, allocationID, booking.StatusInProgress, booking.StatusAccepted, actor)
}

// Complete closes a confirmed allocation (accepted -> allocated).
func (s *Service) Complete(ctx context.Context, allocationID, actor types.ID) (*booking.Allocation, error) {
	return s.advance(ctx, allocationID, booking.StatusAccepted, booking.StatusAllocated, actor)
}

func (s *Service) advance(ctx context.Context, allocationID types.ID, from, to booking.Status, actor types.ID) (*booking.Allocation, error) {
	if !booking.CanTransitionAllocation(from, to) || !booking.CanTransition(from, to) {
		return nil, booking.ErrInvalidState
	}
	a, err := s.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}

	var out *booking.Allocation
	err = s.store.InTx(ctx, func(tx booking.Tx) error {
		// trip, truck booking, allocation: the lock order every writer uses
		if _, err := tx.LockTrip(ctx, a.TripBookingID); err != nil {
			return err
		}
		if _, err := tx.LockTruckBooking(ctx, a.TruckBookingID); err != nil {
			return err
		}
		cur, err := tx.LockAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return fmt.Errorf("%w: allocation is %s", booking.ErrInvalidState, cur.Status)
		}
		change := booking.Change{Actor: actor}
		ok, err := tx.SetAllocationStatus(ctx, allocationID, from, to, change)
		if err != nil {
			return err
		}
		if !ok {
			return booking.ErrConflict
		}
		for _, ref := range []booking.Ref{booking.TripRef(cur.TripBookingID), booking.TruckRef(cur.TruckBookingID)} {
			ok, err := tx.SetStatus(ctx, ref, from, to, change)
			if err != nil {
				return err
			}
			if !ok {
				return booking.ErrConflict
			}
		}
		cur.Status = to
		cur.UpdatedBy = &actor
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunScheduler periodically drains the backlog while auto-allocation is on.
func (s *Service) RunScheduler(ctx context.Context) {
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = defaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.auto {
				continue
			}
			if n := s.DrainBacklog(ctx); n > 0 {
				log.Printf("[matching] backlog: %d allocations", n)
			}
		}
	}
}

// DrainBacklog pairs queued trips with queued trucks oldest first, per type,
// and returns the number of allocations made.
func (s *Service) DrainBacklog(ctx context.Context) int {
	total := 0
	for _, t := range []booking.CargoType{booking.Type20, booking.Type40} {
		var skip []types.ID
		for n := 0; n < s.cfg.BacklogLimit && ctx.Err() == nil; n++ {
			trip, err := s.store.OldestQueuedTrip(ctx, t, skip)
			if err != nil {
				log.Printf("[matching] backlog type %d: %v", t, err)
				break
			}
			if trip == nil {
				break
			}
			res, err := s.Allocate(ctx, booking.TripRef(trip.ID))
			if err != nil {
				log.Printf("[matching] backlog %s: %v", booking.TripRef(trip.ID), err)
				skip = append(skip, trip.ID)
				continue
			}
			if res.Matched {
				total++
				continue
			}
			truck, err := s.store.OldestQueuedTruckBooking(ctx, t, nil)
			if err != nil || truck == nil {
				break
			}
			skip = append(skip, trip.ID)
		}
	}
	return total
}

// initiator reads ref's type and whether it is still queued.
func (s *Service) initiator(ctx context.Context, ref booking.Ref) (booking.CargoType, bool, error) {
	switch ref.Kind {
	case booking.KindTrip:
		b, err := s.store.GetTrip(ctx, ref.ID)
		if err != nil {
			return 0, false, err
		}
		return b.CargoType, b.Status == booking.StatusInQueue, nil
	case booking.KindTruck:
		b, err := s.store.GetTruckBooking(ctx, ref.ID)
		if err != nil {
			return 0, false, err
		}
		truck, err := s.store.GetTruck(ctx, b.TruckID)
		if err != nil {
			return 0, false, err
		}
		// bookings on deactivated trucks are not part of any queue
		return truck.Type, b.Status == booking.StatusInQueue && truck.Active, nil
	}
	return 0, false, fmt.Errorf("%w: unknown booking kind %q", booking.ErrBadRequest, ref.Kind)
}

func (s *Service) oldestCounterpart(ctx context.Context, k booking.Kind, t booking.CargoType, exclude []types.ID) (types.ID, error) {
	if k == booking.KindTrip {
		b, err := s.store.OldestQueuedTruckBooking(ctx, t, exclude)
		if err != nil || b == nil {
			return "", err
		}
		return b.ID, nil
	}
	b, err := s.store.OldestQueuedTrip(ctx, t, exclude)
	if err != nil || b == nil {
		return "", err
	}
	return b.ID, nil
}

func (s *Service) initiatorStale(k booking.Kind, err error) bool {
	if k == booking.KindTrip {
		return errors.Is(err, errStaleTrip)
	}
	// a truck whose type changed under us has a stale view of its own queue
	return errors.Is(err, errStaleTruck) || errors.Is(err, errTypeMismatch) || errors.Is(err, errTruckUnavailable)
}

func (s *Service) candidateStale(k booking.Kind, err error) bool {
	if k == booking.KindTrip {
		return errors.Is(err, errStaleTruck)
	}
	return errors.Is(err, errStaleTrip)
}

func (s *Service) candidateUnusable(k booking.Kind, err error) bool {
	return k == booking.KindTrip && (errors.Is(err, errTypeMismatch) || errors.Is(err, errTruckUnavailable))
}

// commit re-reads both bookings under lock and writes the allocation and both
// status changes, or nothing.
func (s *Service) commit(ctx context.Context, tripID, truckBookingID, actor types.ID) (Result, error) {
	var res Result
	err := s.store.InTx(ctx, func(tx booking.Tx) error {
		trip, err := tx.LockTrip(ctx, tripID)
		if err != nil {
			return err
		}
		tb, err := tx.LockTruckBooking(ctx, truckBookingID)
		if err != nil {
			return err
		}
		if trip.Status != booking.StatusInQueue {
			return errStaleTrip
		}
		if tb.Status != booking.StatusInQueue {
			return errStaleTruck
		}
		truckType, err := tx.TruckType(ctx, tb.TruckID)
		if errors.Is(err, booking.ErrNotFound) {
			return errTruckUnavailable
		}
		if err != nil {
			return err
		}
		if truckType != trip.CargoType {
			return errTypeMismatch
		}

		a := &booking.Allocation{
			ID:             types.NewID(),
			TripBookingID:  trip.ID,
			TruckBookingID: tb.ID,
			Status:         booking.StatusInProgress,
			AllocatedAt:    s.now(),
			CreatedBy:      actor,
		}
		if err := tx.InsertAllocation(ctx, a); err != nil {
			return err
		}
		change := booking.Change{Actor: actor}
		for _, ref := range []booking.Ref{booking.TripRef(trip.ID), booking.TruckRef(tb.ID)} {
			ok, err := tx.SetStatus(ctx, ref, booking.StatusInQueue, booking.StatusInProgress, change)
			if err != nil {
				return err
			}
			if !ok {
				return booking.ErrConflict
			}
		}
		trip.Status = booking.StatusInProgress
		tb.Status = booking.StatusInProgress
		res = Result{Matched: true, Allocation: a, Trip: trip, TruckBooking: tb}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// afterAllocate runs post-commit side effects. Failures are logged only.
func (s *Service) afterAllocate(ctx context.Context, res Result) {
	truck, err := s.store.GetTruck(ctx, res.TruckBooking.TruckID)
	if err != nil {
		log.Printf("[matching] allocation %s: load truck: %v", res.Allocation.ID, err)
		truck = &booking.Truck{ID: res.TruckBooking.TruckID, RegistrationNumber: res.TruckBooking.TruckID.String()}
	}
	if s.notifier != nil {
		s.notifier.Publish(notify.AllocationMessages(res.Trip, res.TruckBooking, truck, res.Allocation)...)
	}
	s.signal(ctx, QueueChange{
		Type:   res.Trip.CargoType,
		Reason: ReasonAllocated,
		Ref:    res.Allocation.ID.String(),
		At:     res.Allocation.AllocatedAt,
	})
}

func (s *Service) signal(ctx context.Context, c QueueChange) {
	if s.signals == nil {
		return
	}
	if err := s.signals.QueueChanged(ctx, c); err != nil {
		log.Printf("[matching] queue signal %s: %v", c.Reason, err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
