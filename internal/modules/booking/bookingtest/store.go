// README: In-memory booking store for tests; transactions are serialized and roll back on error.
package bookingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet/internal/modules/booking"
	"fleet/internal/types"
)

// Store implements booking.Store. One mutex is held for the whole of InTx, so
// transactions run one at a time and see a consistent snapshot.
type Store struct {
	mu sync.Mutex

	trips       map[types.ID]booking.TripBooking
	truckBooks  map[types.ID]booking.TruckBooking
	trucks      map[types.ID]booking.Truck
	allocations map[types.ID]booking.Allocation
	counters    map[string]int64
	events      []booking.Event

	// Fail, when set, is consulted before every Tx write; a non-nil error
	// aborts the write and so the transaction.
	Fail func(op string) error
	// BeforeCommit runs after fn succeeded, still inside the transaction.
	BeforeCommit func() error
}

func New() *Store {
	return &Store{
		trips:       make(map[types.ID]booking.TripBooking),
		truckBooks:  make(map[types.ID]booking.TruckBooking),
		trucks:      make(map[types.ID]booking.Truck),
		allocations: make(map[types.ID]booking.Allocation),
		counters:    make(map[string]int64),
	}
}

// AddTruck seeds reference data.
func (s *Store) AddTruck(t booking.Truck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trucks[t.ID] = t
}

// PutTrip stores b as-is, bypassing validation. Useful for crafting queues
// with fixed timestamps.
func (s *Store) PutTrip(b booking.TripBooking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[b.ID] = b
}

func (s *Store) PutTruckBooking(b booking.TruckBooking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truckBooks[b.ID] = b
}

// Allocations returns every allocation, oldest first.
func (s *Store) Allocations() []booking.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]booking.Allocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out
}

func (s *Store) Events() []booking.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]booking.Event(nil), s.events...)
}

func (s *Store) InTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	err := fn(&memTx{s: s})
	if err == nil && s.BeforeCommit != nil {
		err = s.BeforeCommit()
	}
	if err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	trips       map[types.ID]booking.TripBooking
	truckBooks  map[types.ID]booking.TruckBooking
	allocations map[types.ID]booking.Allocation
	counters    map[string]int64
	events      int
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		trips:       copyMap(s.trips),
		truckBooks:  copyMap(s.truckBooks),
		allocations: copyMap(s.allocations),
		counters:    copyMap(s.counters),
		events:      len(s.events),
	}
}

func (s *Store) restore(snap snapshot) {
	s.trips = snap.trips
	s.truckBooks = snap.truckBooks
	s.allocations = snap.allocations
	s.counters = snap.counters
	s.events = s.events[:snap.events]
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) GetTrip(_ context.Context, id types.ID) (*booking.TripBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.trips[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetTruckBooking(_ context.Context, id types.ID) (*booking.TruckBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.truckBooks[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

func (s *Store) GetTruck(_ context.Context, id types.ID) (*booking.Truck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trucks[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &t, nil
}

func (s *Store) GetAllocation(_ context.Context, id types.ID) (*booking.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &a, nil
}

func (s *Store) FindOpenAllocation(_ context.Context, ref booking.Ref) (*booking.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openAllocation(ref), nil
}

// openAllocation expects s.mu held.
func (s *Store) openAllocation(ref booking.Ref) *booking.Allocation {
	var found *booking.Allocation
	for _, a := range s.allocations {
		if a.BookingID(ref.Kind) != ref.ID || !booking.IsOpenAllocation(a.Status) {
			continue
		}
		if found == nil || a.AllocatedAt.After(found.AllocatedAt) {
			a := a
			found = &a
		}
	}
	return found
}

func (s *Store) OldestQueuedTrip(_ context.Context, t booking.CargoType, exclude []types.ID) (*booking.TripBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.tripQueue(t)
	for _, b := range q {
		if !contains(exclude, b.ID) {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *Store) OldestQueuedTruckBooking(_ context.Context, t booking.CargoType, exclude []types.ID) (*booking.TruckBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.truckQueue(t)
	for _, b := range q {
		if !contains(exclude, b.ID) {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *Store) QueuePosition(_ context.Context, ref booking.Ref, t booking.CargoType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ref.Kind {
	case booking.KindTrip:
		for i, b := range s.tripQueue(t) {
			if b.ID == ref.ID {
				return i + 1, nil
			}
		}
	case booking.KindTruck:
		for i, b := range s.truckQueue(t) {
			if b.ID == ref.ID {
				return i + 1, nil
			}
		}
	default:
		return 0, booking.ErrBadRequest
	}
	return 0, nil
}

func (s *Store) AvailableTrucks(_ context.Context, t booking.CargoType) ([]booking.Truck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := make(map[types.ID]bool)
	for _, b := range s.truckBooks {
		if booking.IsActive(b.Status) {
			busy[b.TruckID] = true
		}
	}
	var out []booking.Truck
	for _, tr := range s.trucks {
		if !tr.Active || busy[tr.ID] || (t != 0 && tr.Type != t) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegistrationNumber < out[j].RegistrationNumber })
	return out, nil
}

func (s *Store) ListTrips(_ context.Context, f booking.TripFilter) ([]booking.TripBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.TripBooking
	for _, b := range s.trips {
		if (f.CompanyID != "" && b.CompanyID != f.CompanyID) ||
			(f.Status != "" && b.Status != f.Status) ||
			(f.ContactNumber != "" && b.Contact.Number != f.ContactNumber) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Key().Less(out[i].Key()) })
	return truncate(out, f.Limit), nil
}

func (s *Store) ListTruckBookings(_ context.Context, f booking.TruckBookingFilter) ([]booking.TruckBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.TruckBooking
	for _, b := range s.truckBooks {
		if (f.CompanyID != "" && b.CompanyID != f.CompanyID) ||
			(f.TruckID != "" && b.TruckID != f.TruckID) ||
			(f.Status != "" && b.Status != f.Status) ||
			(f.ContactNumber != "" && b.Contact.Number != f.ContactNumber) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return truncate(out, f.Limit), nil
}

func (s *Store) ListAllocations(_ context.Context, f booking.AllocationFilter) ([]booking.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.Allocation
	for _, a := range s.allocations {
		if (f.TripBookingID != "" && a.TripBookingID != f.TripBookingID) ||
			(f.TruckBookingID != "" && a.TruckBookingID != f.TruckBookingID) ||
			(f.Status != "" && a.Status != f.Status) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AllocatedAt.Equal(out[j].AllocatedAt) {
			return out[i].AllocatedAt.After(out[j].AllocatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, f.Limit), nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// tripQueue and truckQueue expect s.mu held.
func (s *Store) tripQueue(t booking.CargoType) []booking.TripBooking {
	var q []booking.TripBooking
	for _, b := range s.trips {
		if b.Status == booking.StatusInQueue && b.CargoType == t {
			q = append(q, b)
		}
	}
	sort.Slice(q, func(i, j int) bool { return q[i].Key().Less(q[j].Key()) })
	return q
}

func (s *Store) truckQueue(t booking.CargoType) []booking.TruckBooking {
	var q []booking.TruckBooking
	for _, b := range s.truckBooks {
		tr, ok := s.trucks[b.TruckID]
		if b.Status == booking.StatusInQueue && ok && tr.Active && tr.Type == t {
			q = append(q, b)
		}
	}
	sort.Slice(q, func(i, j int) bool { return q[i].Key().Less(q[j].Key()) })
	return q
}

func contains(ids []types.ID, id types.ID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// memTx runs with Store.mu already held by InTx.
type memTx struct {
	s *Store
}

func (t *memTx) fail(op string) error {
	if t.s.Fail != nil {
		return t.s.Fail(op)
	}
	return nil
}

func (t *memTx) NextSeq(_ context.Context, counter string) (int64, error) {
	if err := t.fail("NextSeq"); err != nil {
		return 0, err
	}
	t.s.counters[counter]++
	return t.s.counters[counter], nil
}

func (t *memTx) InsertTrip(_ context.Context, b *booking.TripBooking) error {
	if err := t.fail("InsertTrip"); err != nil {
		return err
	}
	t.s.trips[b.ID] = *b
	return nil
}

func (t *memTx) InsertTruckBooking(_ context.Context, b *booking.TruckBooking) error {
	if err := t.fail("InsertTruckBooking"); err != nil {
		return err
	}
	for _, other := range t.s.truckBooks {
		if other.TruckID == b.TruckID && booking.IsActive(other.Status) {
			return booking.ErrTruckBusy
		}
	}
	t.s.truckBooks[b.ID] = *b
	return nil
}

func (t *memTx) LockTrip(_ context.Context, id types.ID) (*booking.TripBooking, error) {
	b, ok := t.s.trips[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

func (t *memTx) LockTruckBooking(_ context.Context, id types.ID) (*booking.TruckBooking, error) {
	b, ok := t.s.truckBooks[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &b, nil
}

func (t *memTx) LockAllocation(_ context.Context, id types.ID) (*booking.Allocation, error) {
	a, ok := t.s.allocations[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &a, nil
}

func (t *memTx) TruckType(_ context.Context, truckID types.ID) (booking.CargoType, error) {
	tr, ok := t.s.trucks[truckID]
	if !ok || !tr.Active {
		return 0, booking.ErrNotFound
	}
	return tr.Type, nil
}

func (t *memTx) OpenAllocation(_ context.Context, ref booking.Ref) (*booking.Allocation, error) {
	return t.s.openAllocation(ref), nil
}

func (t *memTx) InsertAllocation(_ context.Context, a *booking.Allocation) error {
	if err := t.fail("InsertAllocation"); err != nil {
		return err
	}
	t.s.allocations[a.ID] = *a
	return nil
}

func (t *memTx) SetStatus(_ context.Context, ref booking.Ref, from, to booking.Status, c booking.Change) (bool, error) {
	if err := t.fail("SetStatus"); err != nil {
		return false, err
	}
	now := time.Now()
	actor := c.Actor
	switch ref.Kind {
	case booking.KindTrip:
		b, ok := t.s.trips[ref.ID]
		if !ok || b.Status != from {
			return false, nil
		}
		b.Status = to
		b.UpdatedAt = now
		b.UpdatedBy = &actor
		if c.Cancel {
			b.CancelledBy = &actor
		}
		if c.Remarks != "" {
			r := c.Remarks
			b.Remarks = &r
		}
		t.s.trips[ref.ID] = b
	case booking.KindTruck:
		b, ok := t.s.truckBooks[ref.ID]
		if !ok || b.Status != from {
			return false, nil
		}
		if booking.IsActive(to) && !booking.IsActive(from) {
			for id, other := range t.s.truckBooks {
				if id != ref.ID && other.TruckID == b.TruckID && booking.IsActive(other.Status) {
					return false, booking.ErrTruckBusy
				}
			}
		}
		b.Status = to
		b.UpdatedAt = now
		b.UpdatedBy = &actor
		if c.Cancel {
			b.CancelledBy = &actor
		}
		if c.Remarks != "" {
			r := c.Remarks
			b.Remarks = &r
		}
		t.s.truckBooks[ref.ID] = b
	default:
		return false, booking.ErrBadRequest
	}
	t.s.events = append(t.s.events, booking.Event{
		ID:         int64(len(t.s.events) + 1),
		Ref:        ref,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actor,
		CreatedAt:  now,
	})
	return true, nil
}

func (t *memTx) SetAllocationStatus(_ context.Context, id types.ID, from, to booking.Status, c booking.Change) (bool, error) {
	if err := t.fail("SetAllocationStatus"); err != nil {
		return false, err
	}
	a, ok := t.s.allocations[id]
	if !ok || a.Status != from {
		return false, nil
	}
	actor := c.Actor
	a.Status = to
	a.UpdatedBy = &actor
	if c.Cancel {
		a.CancelledBy = &actor
	}
	if c.Remarks != "" {
		r := c.Remarks
		a.Remarks = &r
	}
	t.s.allocations[id] = a
	return true, nil
}

func (t *memTx) AutoCancel(_ context.Context, at time.Time) (booking.SweepCounts, error) {
	var counts booking.SweepCounts
	if err := t.fail("AutoCancel"); err != nil {
		return counts, err
	}
	sys := types.SystemActor
	closed := func(s booking.Status) bool {
		return s == booking.StatusInQueue || s == booking.StatusInProgress
	}
	for id, b := range t.s.trips {
		if !closed(b.Status) {
			continue
		}
		t.s.events = append(t.s.events, booking.Event{
			ID: int64(len(t.s.events) + 1), Ref: booking.TripRef(id),
			FromStatus: b.Status, ToStatus: booking.StatusAutoCancelled, ActorID: sys, CreatedAt: at,
		})
		b.Status = booking.StatusAutoCancelled
		b.UpdatedAt = at
		b.UpdatedBy = &sys
		t.s.trips[id] = b
		counts.Trips++
	}
	for id, b := range t.s.truckBooks {
		if !closed(b.Status) {
			continue
		}
		t.s.events = append(t.s.events, booking.Event{
			ID: int64(len(t.s.events) + 1), Ref: booking.TruckRef(id),
			FromStatus: b.Status, ToStatus: booking.StatusAutoCancelled, ActorID: sys, CreatedAt: at,
		})
		b.Status = booking.StatusAutoCancelled
		b.UpdatedAt = at
		b.UpdatedBy = &sys
		t.s.truckBooks[id] = b
		counts.Trucks++
	}
	for id, a := range t.s.allocations {
		if a.Status != booking.StatusInProgress {
			continue
		}
		if t.s.trips[a.TripBookingID].Status != booking.StatusAutoCancelled &&
			t.s.truckBooks[a.TruckBookingID].Status != booking.StatusAutoCancelled {
			continue
		}
		a.Status = booking.StatusAutoCancelled
		a.UpdatedBy = &sys
		t.s.allocations[id] = a
		counts.Allocations++
	}
	return counts, nil
}

var _ booking.Store = (*Store)(nil)
