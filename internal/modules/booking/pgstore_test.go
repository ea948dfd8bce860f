// README: PostgreSQL store tests (queue order, busy trucks, sweep); skipped without FLEET_TEST_DSN.
package booking

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleet/internal/types"
)

func TestPGQueueOrderAndPosition(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	seedTruck(t, store, "t20a", Type20)
	seedTruck(t, store, "t20b", Type20)
	seedTruck(t, store, "t40", Type40)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	insertTruckBooking(t, store, "b2", "t20b", base, 2)
	insertTruckBooking(t, store, "b1", "t20a", base, 1)
	insertTruckBooking(t, store, "b3", "t40", base.Add(-time.Hour), 3)

	oldest, err := store.OldestQueuedTruckBooking(ctx, Type20, nil)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if oldest == nil || oldest.ID != "b1" {
		t.Fatalf("expected b1 by seq tie-break, got %+v", oldest)
	}

	next, err := store.OldestQueuedTruckBooking(ctx, Type20, []types.ID{"b1"})
	if err != nil {
		t.Fatalf("oldest excluding: %v", err)
	}
	if next == nil || next.ID != "b2" {
		t.Fatalf("expected b2, got %+v", next)
	}

	for _, tc := range []struct {
		id   types.ID
		typ  CargoType
		want int
	}{
		{"b1", Type20, 1},
		{"b2", Type20, 2},
		{"b3", Type40, 1},
		{"b3", Type20, 0},
		{"missing", Type20, 0},
	} {
		got, err := store.QueuePosition(ctx, TruckRef(tc.id), tc.typ)
		if err != nil {
			t.Fatalf("position %s: %v", tc.id, err)
		}
		if got != tc.want {
			t.Errorf("position(%s, %d) = %d, want %d", tc.id, tc.typ, got, tc.want)
		}
	}

	empty, err := store.OldestQueuedTrip(ctx, Type40, nil)
	if err != nil || empty != nil {
		t.Fatalf("expected empty trip queue, got %+v %v", empty, err)
	}
}

func TestPGQueueSkipsInactiveTrucks(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	seedTruck(t, store, "retired", Type20)
	seedTruck(t, store, "live", Type20)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	insertTruckBooking(t, store, "dead", "retired", base, 1)
	insertTruckBooking(t, store, "good", "live", base.Add(time.Minute), 2)
	if _, err := store.db.Exec(ctx, `UPDATE trucks SET active = false WHERE id = 'retired'`); err != nil {
		t.Fatalf("deactivate truck: %v", err)
	}

	oldest, err := store.OldestQueuedTruckBooking(ctx, Type20, nil)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if oldest == nil || oldest.ID != "good" {
		t.Fatalf("expected good, got %+v", oldest)
	}
	for id, want := range map[types.ID]int{"good": 1, "dead": 0} {
		got, err := store.QueuePosition(ctx, TruckRef(id), Type20)
		if err != nil {
			t.Fatalf("position %s: %v", id, err)
		}
		if got != want {
			t.Errorf("position(%s) = %d, want %d", id, got, want)
		}
	}
}

func TestPGConcurrentTruckBookingSameTruck(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	seedTruck(t, store, "busy", Type40)
	svc := NewService(store, nil)

	const workers = 5
	errs := make(chan error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.CreateTruck(ctx, CreateTruckCommand{
				CompanyID: "c1",
				TruckID:   "busy",
				Contact:   Contact{Name: "Driver", Number: "+910000000000"},
				Actor:     "u1",
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrTruckBusy) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
}

func TestPGSetStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	seedTruck(t, store, "t1", Type20)
	insertTruckBooking(t, store, "b1", "t1", time.Now(), 1)

	var first, second bool
	err := store.InTx(ctx, func(tx Tx) error {
		var err error
		first, err = tx.SetStatus(ctx, TruckRef("b1"), StatusInQueue, StatusCancelled, Change{Actor: "u1", Remarks: "no longer needed", Cancel: true})
		if err != nil {
			return err
		}
		second, err = tx.SetStatus(ctx, TruckRef("b1"), StatusInQueue, StatusInProgress, Change{Actor: "u2"})
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if !first || second {
		t.Fatalf("expected first write to win only, got %v %v", first, second)
	}

	b, err := store.GetTruckBooking(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != StatusCancelled || b.CancelledBy == nil || *b.CancelledBy != "u1" {
		t.Fatalf("unexpected booking after cancel: %+v", b)
	}
	if b.Remarks == nil || *b.Remarks != "no longer needed" {
		t.Fatalf("expected remarks to be stored")
	}

	var events int
	if err := store.db.QueryRow(ctx, `SELECT COUNT(*) FROM booking_events WHERE booking_id = 'b1'`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 event, got %d", events)
	}
}

func TestPGAutoCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	seedTruck(t, store, "t1", Type20)
	insertTruckBooking(t, store, "b1", "t1", time.Now(), 1)

	sweep := func() SweepCounts {
		var counts SweepCounts
		err := store.InTx(ctx, func(tx Tx) error {
			var err error
			counts, err = tx.AutoCancel(ctx, time.Now())
			return err
		})
		if err != nil {
			t.Fatalf("auto cancel: %v", err)
		}
		return counts
	}

	if got := sweep(); got.Trucks != 1 || got.Trips != 0 {
		t.Fatalf("unexpected first sweep counts: %+v", got)
	}
	if got := sweep(); got != (SweepCounts{}) {
		t.Fatalf("second sweep must be a no-op, got %+v", got)
	}
	b, err := store.GetTruckBooking(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != StatusAutoCancelled {
		t.Fatalf("expected autoCancelled, got %s", b.Status)
	}
}

func seedTruck(t *testing.T, s *PGStore, id types.ID, typ CargoType) {
	t.Helper()
	_, err := s.db.Exec(context.Background(), `
        INSERT INTO trucks (id, registration_number, company_id, category, type)
        VALUES ($1, $2, 'c1', 'Trailer', $3)`, string(id), "REG-"+string(id), int(typ))
	if err != nil {
		t.Fatalf("seed truck: %v", err)
	}
}

func insertTruckBooking(t *testing.T, s *PGStore, id, truckID types.ID, at time.Time, seq int64) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertTruckBooking(context.Background(), &TruckBooking{
			ID:        id,
			Code:      FormatCode(TruckCodePrefix, seq),
			Seq:       seq,
			CompanyID: "c1",
			TruckID:   truckID,
			Status:    StatusInQueue,
			Contact:   Contact{Name: "Driver", Number: "+910000000000"},
			CreatedBy: "u1",
			CreatedAt: at,
			UpdatedAt: at,
		})
	})
	if err != nil {
		t.Fatalf("insert truck booking: %v", err)
	}
}

func setupTestStore(t *testing.T) *PGStore {
	t.Helper()

	dsn := os.Getenv("FLEET_TEST_DSN")
	if dsn == "" {
		t.Skip("FLEET_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	if _, err := db.Exec(ctx, "TRUNCATE TABLE booking_events, allocations, truck_bookings, trip_bookings, trucks, counters"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewPGStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
