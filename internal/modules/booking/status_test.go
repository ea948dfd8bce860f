// README: Status model tests (transition tables, cancel targets) without a database.
package booking

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// matching
		{StatusInQueue, StatusInProgress, true},
		{StatusInProgress, StatusAccepted, true},
		{StatusAccepted, StatusAllocated, true},
		// cancellation
		{StatusInQueue, StatusCancelled, true},
		{StatusInProgress, StatusRejected, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusAllocated, StatusCancelled, true},
		// counterpart released back to the queue
		{StatusInProgress, StatusInQueue, true},
		{StatusAccepted, StatusInQueue, true},
		{StatusAllocated, StatusInQueue, true},
		// daily sweep
		{StatusInQueue, StatusAutoCancelled, true},
		{StatusInProgress, StatusAutoCancelled, true},
		// invalid: terminal-cancelled states have no outgoing transitions
		{StatusCancelled, StatusInQueue, false},
		{StatusRejected, StatusInQueue, false},
		{StatusAutoCancelled, StatusInQueue, false},
		// invalid: skipping states
		{StatusInQueue, StatusAccepted, false},
		{StatusInQueue, StatusAllocated, false},
		{StatusInProgress, StatusAllocated, false},
		{StatusAccepted, StatusAutoCancelled, false},
		{StatusInQueue, StatusRejected, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionAllocation(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusInProgress, StatusAccepted, true},
		{StatusInProgress, StatusRejected, true},
		{StatusInProgress, StatusAutoCancelled, true},
		{StatusAccepted, StatusAllocated, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusAllocated, StatusCancelled, true},
		{StatusInProgress, StatusInQueue, false},
		{StatusAllocated, StatusInQueue, false},
		{StatusRejected, StatusInProgress, false},
		{StatusInQueue, StatusInProgress, false},
	}
	for _, tc := range cases {
		if got := CanTransitionAllocation(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionAllocation(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCancelTarget(t *testing.T) {
	cases := []struct {
		from    Status
		want    Status
		wantErr error
	}{
		{StatusInQueue, StatusCancelled, nil},
		{StatusInProgress, StatusRejected, nil},
		{StatusAccepted, StatusCancelled, nil},
		{StatusAllocated, StatusCancelled, nil},
		{StatusCancelled, "", ErrAlreadyCancelled},
		{StatusRejected, "", ErrAlreadyCancelled},
		{StatusAutoCancelled, "", ErrAlreadyCancelled},
		{Status("parked"), "", ErrInvalidStatus},
	}
	for _, tc := range cases {
		got, err := CancelTarget(tc.from)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("CancelTarget(%s) err = %v, want %v", tc.from, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("CancelTarget(%s) = %s, want %s", tc.from, got, tc.want)
		}
		// every successful target must also be a legal table edge
		if err == nil && !CanTransition(tc.from, got) {
			t.Errorf("CancelTarget(%s) = %s is not in the transition table", tc.from, got)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range Statuses {
		if !IsValidStatus(s) {
			t.Errorf("IsValidStatus(%s) = false", s)
		}
		if IsCancelled(s) && !IsTerminal(s) {
			t.Errorf("%s is cancelled but not terminal", s)
		}
		if IsActive(s) && IsTerminal(s) {
			t.Errorf("%s is both active and terminal", s)
		}
	}
	if IsValidStatus("pending") {
		t.Fatalf("unexpected valid status")
	}
	if !IsTerminal(StatusAllocated) || IsCancelled(StatusAllocated) {
		t.Fatalf("allocated must be terminal and not cancelled")
	}
}

func TestQueueKeyOrdering(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		a, b QueueKey
		want bool
	}{
		{"older first", QueueKey{base, 9}, QueueKey{base.Add(time.Second), 1}, true},
		{"newer after", QueueKey{base.Add(time.Second), 1}, QueueKey{base, 9}, false},
		{"tie broken by seq", QueueKey{base, 1}, QueueKey{base, 2}, true},
		{"equal is not less", QueueKey{base, 2}, QueueKey{base, 2}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Less(tc.b); got != tc.want {
			t.Errorf("%s: Less = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFormatCode(t *testing.T) {
	if got := FormatCode(TripCodePrefix, 1); got != "FLEETTRPB00001" {
		t.Fatalf("FormatCode = %q", got)
	}
	if got := FormatCode(TruckCodePrefix, 123456); got != "FLEETTRKB123456" {
		t.Fatalf("FormatCode overflow = %q", got)
	}
}

func TestKindCounterpart(t *testing.T) {
	if KindTrip.Counterpart() != KindTruck || KindTruck.Counterpart() != KindTrip {
		t.Fatalf("counterpart mismatch")
	}
	if Kind("order").Valid() {
		t.Fatalf("unexpected valid kind")
	}
}
