// README: Daily auto-cancel sweep over queued and in-progress bookings.
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fleet/internal/metrics"
	"fleet/internal/modules/booking"
	"fleet/internal/modules/matching"
)

const (
	dayLayout = "2006-01-02"
	lockTTL   = 26 * time.Hour
)

var tracer = otel.Tracer("fleet/sweep")

type Service struct {
	store   booking.Store
	locker  Locker
	signals matching.QueueSignals
	loc     *time.Location
	now     func() time.Time
}

// NewService builds a sweeper for days in loc. locker and signals may be nil;
// without a locker every Run proceeds.
func NewService(store booking.Store, locker Locker, signals matching.QueueSignals, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, locker: locker, signals: signals, loc: loc, now: time.Now}
}

// Run closes every open booking in one transaction. ran is false when another
// instance already swept today.
func (s *Service) Run(ctx context.Context) (counts booking.SweepCounts, ran bool, err error) {
	ctx, span := tracer.Start(ctx, "sweep.Run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := s.now()
	day := now.In(s.loc).Format(dayLayout)
	span.SetAttributes(attribute.String("sweep.day", day))

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, day, lockTTL)
		if err != nil {
			return counts, false, fmt.Errorf("sweep lock %s: %w", day, err)
		}
		if !ok {
			log.Printf("[sweep] %s already swept", day)
			return counts, false, nil
		}
	}

	err = s.store.InTx(ctx, func(tx booking.Tx) error {
		var err error
		counts, err = tx.AutoCancel(ctx, now)
		return err
	})
	if err != nil {
		return booking.SweepCounts{}, false, err
	}

	metrics.SweepRowsTotal.WithLabelValues("trip_bookings").Add(float64(counts.Trips))
	metrics.SweepRowsTotal.WithLabelValues("truck_bookings").Add(float64(counts.Trucks))
	metrics.SweepRowsTotal.WithLabelValues("allocations").Add(float64(counts.Allocations))
	span.SetAttributes(
		attribute.Int64("sweep.trips", counts.Trips),
		attribute.Int64("sweep.trucks", counts.Trucks),
		attribute.Int64("sweep.allocations", counts.Allocations),
	)
	log.Printf("[sweep] %s: trips=%d trucks=%d allocations=%d", day, counts.Trips, counts.Trucks, counts.Allocations)

	if s.signals != nil && counts.Trips+counts.Trucks > 0 {
		for _, t := range []booking.CargoType{booking.Type20, booking.Type40} {
			if err := s.signals.QueueChanged(ctx, matching.QueueChange{Type: t, Reason: matching.ReasonSwept, At: now}); err != nil {
				log.Printf("[sweep] queue signal: %v", err)
			}
		}
	}
	return counts, true, nil
}

// Start schedules Run on spec (five-field cron, evaluated in the sweep
// timezone) until ctx is cancelled.
func (s *Service) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(s.loc))
	_, err := c.AddFunc(spec, func() {
		if _, _, err := s.Run(ctx); err != nil {
			log.Printf("[sweep] run failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
