// README: Cancellation tests: transition table, idempotence, counterpart release and re-allocation.
package cancellation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet/internal/config"
	"fleet/internal/modules/booking"
	"fleet/internal/modules/booking/bookingtest"
	"fleet/internal/modules/matching"
	"fleet/internal/modules/notify"
	"fleet/internal/types"
	"fleet/internal/worker"
)

var base = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (p *recordingPublisher) Publish(msgs ...notify.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
}

func (p *recordingPublisher) byTemplate(tpl string) []notify.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Message
	for _, m := range p.msgs {
		if m.Template == tpl {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	store    *bookingtest.Store
	matching *matching.Service
	creator  *booking.Service
	svc      *Service
	pub      *recordingPublisher
}

func newFixture(t *testing.T, auto bool) *fixture {
	t.Helper()
	store := bookingtest.New()
	store.AddTruck(booking.Truck{ID: "truck-1", RegistrationNumber: "MH01AA0001", CompanyID: "c2", Category: "Trailer", Type: booking.Type20, Active: true})
	store.AddTruck(booking.Truck{ID: "truck-2", RegistrationNumber: "MH01AA0002", CompanyID: "c2", Category: "Trailer", Type: booking.Type20, Active: true})
	store.AddTruck(booking.Truck{ID: "truck-3", RegistrationNumber: "MH01AA0003", CompanyID: "c2", Category: "Multiaxil", Type: booking.Type40, Active: true})

	pub := &recordingPublisher{}
	m := matching.NewService(store, &worker.Inline{}, pub, nil, config.MatchingConfig{}, auto)
	return &fixture{
		store:    store,
		matching: m,
		creator:  booking.NewService(store, m),
		svc:      NewService(store, m, pub, nil),
		pub:      pub,
	}
}

func (f *fixture) trip(t *testing.T, id types.ID, at time.Time, seq int64) {
	t.Helper()
	f.store.PutTrip(booking.TripBooking{
		ID: id, Code: booking.FormatCode(booking.TripCodePrefix, seq), Seq: seq, CompanyID: "c1",
		CargoType: booking.Type20, Destination: "Kandla", Rate: types.Money{Amount: 9000, Currency: "INR"},
		Status: booking.StatusInQueue, Contact: booking.Contact{Name: "Shipper", Number: "+91300"},
		CreatedBy: "u1", CreatedAt: at, UpdatedAt: at,
	})
}

func (f *fixture) truck(t *testing.T, id, truckID types.ID, at time.Time, seq int64) {
	t.Helper()
	f.store.PutTruckBooking(booking.TruckBooking{
		ID: id, Code: booking.FormatCode(booking.TruckCodePrefix, seq), Seq: seq, CompanyID: "c2",
		TruckID: truckID, Status: booking.StatusInQueue, Contact: booking.Contact{Name: "Owner", Number: "+91400"},
		CreatedBy: "u2", CreatedAt: at, UpdatedAt: at,
	})
}

// pair allocates t1/b1 and optionally advances the allocation.
func (f *fixture) pair(t *testing.T, advance ...func(context.Context, types.ID, types.ID) (*booking.Allocation, error)) *booking.Allocation {
	t.Helper()
	ctx := context.Background()
	f.trip(t, "t1", base, 1)
	f.truck(t, "b1", "truck-1", base.Add(5*time.Minute), 1)
	res, err := f.matching.Allocate(ctx, booking.TruckRef("b1"))
	if err != nil || !res.Matched {
		t.Fatalf("allocate: %+v %v", res, err)
	}
	a := res.Allocation
	for _, step := range advance {
		if a, err = step(ctx, a.ID, "ops"); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	return a
}

func statusOf(t *testing.T, s booking.Store, ref booking.Ref) booking.Status {
	t.Helper()
	ctx := context.Background()
	if ref.Kind == booking.KindTrip {
		b, err := s.GetTrip(ctx, ref.ID)
		if err != nil {
			t.Fatalf("get %s: %v", ref, err)
		}
		return b.Status
	}
	b, err := s.GetTruckBooking(ctx, ref.ID)
	if err != nil {
		t.Fatalf("get %s: %v", ref, err)
	}
	return b.Status
}

func TestCancelInQueue(t *testing.T) {
	f := newFixture(t, false)
	f.trip(t, "t1", base, 1)

	res, err := f.svc.Cancel(context.Background(), CancelCommand{Ref: booking.TripRef("t1"), Actor: "u1", Reason: "plans changed"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Outcome != OutcomeCancelled || res.Status != booking.StatusCancelled || res.Counterpart != nil || res.Position != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	b, _ := f.store.GetTrip(context.Background(), "t1")
	if b.CancelledBy == nil || *b.CancelledBy != "u1" || b.Remarks == nil || *b.Remarks != "plans changed" {
		t.Fatalf("cancel metadata not recorded: %+v", b)
	}
	if len(f.pub.byTemplate(notify.TemplateCancellation)) != 0 {
		t.Fatalf("no counterpart means no cancellation notice")
	}
}

func TestCancelTransitionTable(t *testing.T) {
	cases := []struct {
		name        string
		advance     []string
		cancel      booking.Ref
		wantSelf    booking.Status
		wantAlloc   booking.Status
		counterpart booking.Ref
	}{
		{"trip inprogress", nil, booking.TripRef("t1"), booking.StatusRejected, booking.StatusRejected, booking.TruckRef("b1")},
		{"truck inprogress", nil, booking.TruckRef("b1"), booking.StatusRejected, booking.StatusRejected, booking.TripRef("t1")},
		{"trip accepted", []string{"accept"}, booking.TripRef("t1"), booking.StatusCancelled, booking.StatusCancelled, booking.TruckRef("b1")},
		{"truck accepted", []string{"accept"}, booking.TruckRef("b1"), booking.StatusCancelled, booking.StatusCancelled, booking.TripRef("t1")},
		{"trip allocated", []string{"accept", "complete"}, booking.TripRef("t1"), booking.StatusCancelled, booking.StatusCancelled, booking.TruckRef("b1")},
		{"truck allocated", []string{"accept", "complete"}, booking.TruckRef("b1"), booking.StatusCancelled, booking.StatusCancelled, booking.TripRef("t1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, false)
			var steps []func(context.Context, types.ID, types.ID) (*booking.Allocation, error)
			for _, s := range tc.advance {
				if s == "accept" {
					steps = append(steps, f.matching.Accept)
				} else {
					steps = append(steps, f.matching.Complete)
				}
			}
			a := f.pair(t, steps...)

			res, err := f.svc.Cancel(context.Background(), CancelCommand{Ref: tc.cancel, Actor: "ops", Reason: "driver unavailable"})
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if res.Status != tc.wantSelf || statusOf(t, f.store, tc.cancel) != tc.wantSelf {
				t.Fatalf("self status = %s, want %s", res.Status, tc.wantSelf)
			}
			got, _ := f.store.GetAllocation(context.Background(), a.ID)
			if got.Status != tc.wantAlloc || res.Allocation == nil || res.Allocation.Status != tc.wantAlloc {
				t.Fatalf("allocation status = %s, want %s", got.Status, tc.wantAlloc)
			}
			if res.Counterpart == nil || *res.Counterpart != tc.counterpart {
				t.Fatalf("counterpart = %v, want %v", res.Counterpart, tc.counterpart)
			}
			if statusOf(t, f.store, tc.counterpart) != booking.StatusInQueue {
				t.Fatalf("counterpart not released")
			}
			if res.Position != 1 {
				t.Fatalf("counterpart position = %d, want 1", res.Position)
			}
			notices := f.pub.byTemplate(notify.TemplateCancellation)
			if len(notices) != 1 || notices[0].Fields[notify.FieldPosition] != "1" {
				t.Fatalf("expected one cancellation notice with position 1, got %+v", notices)
			}
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	f.pair(t)
	ctx := context.Background()
	cmd := CancelCommand{Ref: booking.TripRef("t1"), Actor: "u1", Reason: "duplicate"}

	if _, err := f.svc.Cancel(ctx, cmd); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	events := len(f.store.Events())

	res, err := f.svc.Cancel(ctx, cmd)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if res.Outcome != OutcomeAlreadyCancelled || res.Status != booking.StatusRejected {
		t.Fatalf("unexpected second result: %+v", res)
	}
	if len(f.store.Events()) != events {
		t.Fatalf("second cancel must not write")
	}
	if statusOf(t, f.store, booking.TruckRef("b1")) != booking.StatusInQueue {
		t.Fatalf("counterpart must stay released")
	}
}

func TestCancelValidation(t *testing.T) {
	f := newFixture(t, false)
	f.trip(t, "t1", base, 1)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  CancelCommand
		want error
	}{
		{"empty reason", CancelCommand{Ref: booking.TripRef("t1"), Reason: "  "}, booking.ErrBadRequest},
		{"bad kind", CancelCommand{Ref: booking.Ref{Kind: "order", ID: "t1"}, Reason: "x"}, booking.ErrBadRequest},
		{"missing id", CancelCommand{Ref: booking.TripRef(""), Reason: "x"}, booking.ErrBadRequest},
		{"not found", CancelCommand{Ref: booking.TruckRef("nope"), Reason: "x"}, booking.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := f.svc.Cancel(ctx, tc.cmd); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if statusOf(t, f.store, booking.TripRef("t1")) != booking.StatusInQueue {
		t.Fatalf("rejected commands must not write")
	}
}

func TestCancelAutoCancelledBooking(t *testing.T) {
	f := newFixture(t, false)
	f.trip(t, "t1", base, 1)
	if err := f.store.InTx(context.Background(), func(tx booking.Tx) error {
		_, err := tx.AutoCancel(context.Background(), base)
		return err
	}); err != nil {
		t.Fatalf("auto cancel: %v", err)
	}
	res, err := f.svc.Cancel(context.Background(), CancelCommand{Ref: booking.TripRef("t1"), Reason: "late"})
	if err != nil || res.Outcome != OutcomeAlreadyCancelled || res.Status != booking.StatusAutoCancelled {
		t.Fatalf("expected already cancelled, got %+v %v", res, err)
	}
}

func TestCancelRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, false)
	a := f.pair(t)
	boom := errors.New("write failed")
	f.store.Fail = func(op string) error {
		if op == "SetAllocationStatus" {
			return boom
		}
		return nil
	}

	if _, err := f.svc.Cancel(context.Background(), CancelCommand{Ref: booking.TripRef("t1"), Reason: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if statusOf(t, f.store, booking.TripRef("t1")) != booking.StatusInProgress ||
		statusOf(t, f.store, booking.TruckRef("b1")) != booking.StatusInProgress {
		t.Fatalf("bookings must be untouched after rollback")
	}
	got, _ := f.store.GetAllocation(context.Background(), a.ID)
	if got.Status != booking.StatusInProgress {
		t.Fatalf("allocation must be untouched, got %s", got.Status)
	}
}

func TestReleasedCounterpartIsReallocated(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.pair(t)
	// a second truck waits behind b1
	f.truck(t, "b2", "truck-2", base.Add(10*time.Minute), 2)
	// and another trip waits for a truck
	f.trip(t, "t2", base.Add(time.Minute), 2)

	res, err := f.svc.Cancel(ctx, CancelCommand{Ref: booking.TripRef("t1"), Actor: "u1", Reason: "cargo delayed"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Counterpart == nil || *res.Counterpart != booking.TruckRef("b1") {
		t.Fatalf("unexpected counterpart %v", res.Counterpart)
	}
	// b1 is older than b2, so on release it is first in line and the
	// re-enqueued allocation pairs it with the waiting trip t2
	if res.Position != 1 {
		t.Fatalf("position = %d, want 1", res.Position)
	}
	if statusOf(t, f.store, booking.TruckRef("b1")) != booking.StatusInProgress || statusOf(t, f.store, booking.TripRef("t2")) != booking.StatusInProgress {
		t.Fatalf("expected b1 re-allocated to t2")
	}
	open, err := f.store.FindOpenAllocation(ctx, booking.TruckRef("b1"))
	if err != nil || open == nil || open.TripBookingID != "t2" {
		t.Fatalf("expected open allocation b1/t2, got %+v %v", open, err)
	}
}

func TestCancelTruckReturnsTripToQueueHead(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	t1, err := f.creator.CreateTrip(ctx, booking.CreateTripCommand{
		CompanyID: "c1", CargoType: booking.Type20, Destination: "Mundra",
		Rate: types.Money{Amount: 12000}, Contact: booking.Contact{Name: "Shipper", Number: "+91500"}, Actor: "u1",
	})
	if err != nil {
		t.Fatalf("create T1: %v", err)
	}
	b1, err := f.creator.CreateTruck(ctx, booking.CreateTruckCommand{CompanyID: "c2", TruckID: "truck-1", Contact: booking.Contact{Name: "Owner", Number: "+91600"}, Actor: "u2"})
	if err != nil {
		t.Fatalf("create B1: %v", err)
	}
	if statusOf(t, f.store, booking.TripRef(t1.ID)) != booking.StatusInProgress || statusOf(t, f.store, booking.TruckRef(b1.ID)) != booking.StatusInProgress {
		t.Fatalf("expected T1 and B1 matched")
	}

	res, err := f.svc.Cancel(ctx, CancelCommand{Ref: booking.TruckRef(b1.ID), Actor: "u2", Reason: "driver unavailable"})
	if err != nil {
		t.Fatalf("cancel B1: %v", err)
	}
	if res.Status != booking.StatusRejected || res.Allocation.Status != booking.StatusRejected {
		t.Fatalf("expected B1 and A1 rejected, got %+v", res)
	}
	if statusOf(t, f.store, booking.TripRef(t1.ID)) != booking.StatusInQueue || res.Position != 1 {
		t.Fatalf("expected T1 back in queue at position 1, got %d", res.Position)
	}

	b2, err := f.creator.CreateTruck(ctx, booking.CreateTruckCommand{CompanyID: "c2", TruckID: "truck-2", Contact: booking.Contact{Name: "Owner Two", Number: "+91700"}, Actor: "u2"})
	if err != nil {
		t.Fatalf("create B2: %v", err)
	}
	open, err := f.store.FindOpenAllocation(ctx, booking.TripRef(t1.ID))
	if err != nil || open == nil || open.TruckBookingID != b2.ID {
		t.Fatalf("expected T1 matched with B2, got %+v %v", open, err)
	}
}

func TestCancelWithRebookedTruckSkipsRelease(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.pair(t, f.matching.Accept, f.matching.Complete)

	// truck-1 is free once allocated and gets a fresh booking
	fresh, err := f.creator.CreateTruck(ctx, booking.CreateTruckCommand{CompanyID: "c2", TruckID: "truck-1", Contact: booking.Contact{Name: "Owner", Number: "+91400"}, Actor: "u2"})
	if err != nil {
		t.Fatalf("rebook truck: %v", err)
	}

	res, err := f.svc.Cancel(ctx, CancelCommand{Ref: booking.TripRef("t1"), Actor: "u1", Reason: "cargo withdrawn"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Outcome != OutcomeCancelled || res.Status != booking.StatusCancelled {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Counterpart != nil || res.Position != 0 {
		t.Fatalf("busy truck must not be released, got %+v pos %d", res.Counterpart, res.Position)
	}
	got, err := f.store.GetAllocation(ctx, a.ID)
	if err != nil || got.Status != booking.StatusCancelled {
		t.Fatalf("allocation = %+v %v, want cancelled", got, err)
	}
	if s := statusOf(t, f.store, booking.TruckRef("b1")); s != booking.StatusAllocated {
		t.Fatalf("old truck booking = %s, want allocated", s)
	}
	if s := statusOf(t, f.store, booking.TruckRef(fresh.ID)); s != booking.StatusInQueue {
		t.Fatalf("fresh truck booking = %s, want inqueue", s)
	}
	if n := len(f.pub.byTemplate(notify.TemplateCancellation)); n != 0 {
		t.Fatalf("expected no cancellation notice, got %d", n)
	}
}

func TestPositionDropsByOneWhenOlderBookingLeaves(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.store.AddTruck(booking.Truck{ID: "truck-4", RegistrationNumber: "MH01AA0004", CompanyID: "c2", Category: "Trailer", Type: booking.Type20, Active: true})
	f.truck(t, "old-1", "truck-1", base, 1)
	f.truck(t, "old-2", "truck-2", base.Add(time.Minute), 2)
	f.truck(t, "other", "truck-3", base.Add(-time.Hour), 3)
	f.truck(t, "me", "truck-4", base.Add(2*time.Minute), 4)

	expect := func(step string, want int) {
		t.Helper()
		got, err := f.matching.QueuePosition(ctx, booking.TruckRef("me"))
		if err != nil {
			t.Fatalf("%s: position: %v", step, err)
		}
		if got != want {
			t.Fatalf("%s: position = %d, want %d", step, got, want)
		}
	}
	expect("start", 3)

	// other type leaves: rank unchanged
	f.store.PutTrip(booking.TripBooking{
		ID: "t40", Code: booking.FormatCode(booking.TripCodePrefix, 40), Seq: 40, CompanyID: "c1",
		CargoType: booking.Type40, Destination: "Kandla", Rate: types.Money{Amount: 9000, Currency: "INR"},
		Status: booking.StatusInQueue, Contact: booking.Contact{Name: "Shipper", Number: "+91300"},
		CreatedBy: "u1", CreatedAt: base, UpdatedAt: base,
	})
	if res, err := f.matching.Allocate(ctx, booking.TripRef("t40")); err != nil || !res.Matched || res.Allocation.TruckBookingID != "other" {
		t.Fatalf("allocate type 40: %+v %v", res, err)
	}
	expect("other type matched", 3)
	if _, err := f.svc.Cancel(ctx, CancelCommand{Ref: booking.TruckRef("other"), Actor: "u2", Reason: "breakdown"}); err != nil {
		t.Fatalf("cancel other: %v", err)
	}
	expect("other type cancelled", 3)

	// same type, older: exactly one step forward each time
	if _, err := f.svc.Cancel(ctx, CancelCommand{Ref: booking.TruckRef("old-1"), Actor: "u2", Reason: "breakdown"}); err != nil {
		t.Fatalf("cancel old-1: %v", err)
	}
	expect("older cancelled", 2)

	f.trip(t, "t1", base.Add(time.Hour), 1)
	res, err := f.matching.Allocate(ctx, booking.TripRef("t1"))
	if err != nil || !res.Matched || res.Allocation.TruckBookingID != "old-2" {
		t.Fatalf("allocate t1: %+v %v", res, err)
	}
	expect("older matched", 1)
}
