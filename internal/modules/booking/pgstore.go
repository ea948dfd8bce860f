// README: Booking store backed by PostgreSQL (pgx pool, read-committed transactions).
package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet/internal/types"
)

const (
	tripColumns = `id, code, seq, company_id, party_name, cargo_type, destination,
               rate, currency, status, contact_name, contact_number,
               created_by, updated_by, cancelled_by, remarks, created_at, updated_at`
	truckBookingColumns = `id, code, seq, company_id, truck_id, status, contact_name, contact_number,
               created_by, updated_by, cancelled_by, remarks, created_at, updated_at`
	allocationColumns = `id, trip_booking_id, truck_booking_id, status, allocated_at,
               created_by, updated_by, cancelled_by, remarks`

	uniqueViolation      = "23505"
	activeTruckIndexName = "truck_bookings_active_truck"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *PGStore) GetTrip(ctx context.Context, id types.ID) (*TripBooking, error) {
	return scanTrip(s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trip_bookings WHERE id = $1`, string(id)))
}

func (s *PGStore) GetTruckBooking(ctx context.Context, id types.ID) (*TruckBooking, error) {
	return scanTruckBooking(s.db.QueryRow(ctx, `SELECT `+truckBookingColumns+` FROM truck_bookings WHERE id = $1`, string(id)))
}

func (s *PGStore) GetTruck(ctx context.Context, id types.ID) (*Truck, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, registration_number, company_id, category, type, active
        FROM trucks
        WHERE id = $1`, string(id),
	)
	var t Truck
	err := row.Scan(&t.ID, &t.RegistrationNumber, &t.CompanyID, &t.Category, &t.Type, &t.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) GetAllocation(ctx context.Context, id types.ID) (*Allocation, error) {
	return scanAllocation(s.db.QueryRow(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, string(id)))
}

func (s *PGStore) FindOpenAllocation(ctx context.Context, ref Ref) (*Allocation, error) {
	a, err := scanAllocation(s.db.QueryRow(ctx, openAllocationQuery(ref), string(ref.ID)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *PGStore) OldestQueuedTrip(ctx context.Context, t CargoType, exclude []types.ID) (*TripBooking, error) {
	b, err := scanTrip(s.db.QueryRow(ctx, `
        SELECT `+tripColumns+`
        FROM trip_bookings
        WHERE status = 'inqueue' AND cargo_type = $1 AND NOT (id = ANY($2))
        ORDER BY created_at, seq
        LIMIT 1`, int(t), idStrings(exclude),
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

func (s *PGStore) OldestQueuedTruckBooking(ctx context.Context, t CargoType, exclude []types.ID) (*TruckBooking, error) {
	b, err := scanTruckBooking(s.db.QueryRow(ctx, `
        SELECT `+prefixed("tb", truckBookingColumns)+`
        FROM truck_bookings tb
        JOIN trucks t ON t.id = tb.truck_id
        WHERE tb.status = 'inqueue' AND t.type = $1 AND t.active AND NOT (tb.id = ANY($2))
        ORDER BY tb.created_at, tb.seq
        LIMIT 1`, int(t), idStrings(exclude),
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

func (s *PGStore) QueuePosition(ctx context.Context, ref Ref, t CargoType) (int, error) {
	var query string
	switch ref.Kind {
	case KindTrip:
		query = `
        SELECT (
            SELECT COUNT(*) + 1 FROM trip_bookings q
            WHERE q.status = 'inqueue' AND q.cargo_type = me.cargo_type
              AND (q.created_at, q.seq) < (me.created_at, me.seq)
        )
        FROM trip_bookings me
        WHERE me.id = $1 AND me.status = 'inqueue' AND me.cargo_type = $2`
	case KindTruck:
		query = `
        SELECT (
            SELECT COUNT(*) + 1 FROM truck_bookings q
            JOIN trucks qt ON qt.id = q.truck_id
            WHERE q.status = 'inqueue' AND qt.type = mt.type AND qt.active
              AND (q.created_at, q.seq) < (me.created_at, me.seq)
        )
        FROM truck_bookings me
        JOIN trucks mt ON mt.id = me.truck_id
        WHERE me.id = $1 AND me.status = 'inqueue' AND mt.type = $2 AND mt.active`
	default:
		return 0, ErrBadRequest
	}
	var pos int64
	err := s.db.QueryRow(ctx, query, string(ref.ID), int(t)).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(pos), nil
}

func (s *PGStore) AvailableTrucks(ctx context.Context, t CargoType) ([]Truck, error) {
	rows, err := s.db.Query(ctx, `
        SELECT t.id, t.registration_number, t.company_id, t.category, t.type, t.active
        FROM trucks t
        WHERE t.active AND ($1 = 0 OR t.type = $1)
          AND NOT EXISTS (
            SELECT 1 FROM truck_bookings tb
            WHERE tb.truck_id = t.id AND tb.status IN ('inqueue','inprogress','accepted')
          )
        ORDER BY t.registration_number`, int(t),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Truck
	for rows.Next() {
		var tr Truck
		if err := rows.Scan(&tr.ID, &tr.RegistrationNumber, &tr.CompanyID, &tr.Category, &tr.Type, &tr.Active); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PGStore) ListTrips(ctx context.Context, f TripFilter) ([]TripBooking, error) {
	var w filter
	w.add("company_id = $%d", string(f.CompanyID), f.CompanyID != "")
	w.add("status = $%d", string(f.Status), f.Status != "")
	w.add("contact_number = $%d", f.ContactNumber, f.ContactNumber != "")
	rows, err := s.db.Query(ctx, `SELECT `+tripColumns+` FROM trip_bookings`+w.where()+
		` ORDER BY created_at DESC, seq DESC`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TripBooking
	for rows.Next() {
		b, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PGStore) ListTruckBookings(ctx context.Context, f TruckBookingFilter) ([]TruckBooking, error) {
	var w filter
	w.add("company_id = $%d", string(f.CompanyID), f.CompanyID != "")
	w.add("truck_id = $%d", string(f.TruckID), f.TruckID != "")
	w.add("status = $%d", string(f.Status), f.Status != "")
	w.add("contact_number = $%d", f.ContactNumber, f.ContactNumber != "")
	rows, err := s.db.Query(ctx, `SELECT `+truckBookingColumns+` FROM truck_bookings`+w.where()+
		` ORDER BY created_at, seq`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TruckBooking
	for rows.Next() {
		b, err := scanTruckBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PGStore) ListAllocations(ctx context.Context, f AllocationFilter) ([]Allocation, error) {
	var w filter
	w.add("trip_booking_id = $%d", string(f.TripBookingID), f.TripBookingID != "")
	w.add("truck_booking_id = $%d", string(f.TruckBookingID), f.TruckBookingID != "")
	w.add("status = $%d", string(f.Status), f.Status != "")
	rows, err := s.db.Query(ctx, `SELECT `+allocationColumns+` FROM allocations`+w.where()+
		` ORDER BY allocated_at DESC, id`+w.limit(f.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// filter builds a positional WHERE clause for the listing queries.
type filter struct {
	conds []string
	args  []any
}

func (f *filter) add(cond string, v any, when bool) {
	if !when {
		return
	}
	f.args = append(f.args, v)
	f.conds = append(f.conds, fmt.Sprintf(cond, len(f.args)))
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func (f *filter) limit(n int) string {
	f.args = append(f.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(f.args))
}

type pgTx struct {
	q querier
}

func (t *pgTx) NextSeq(ctx context.Context, counter string) (int64, error) {
	var seq int64
	err := t.q.QueryRow(ctx, `
        INSERT INTO counters (name, seq) VALUES ($1, 1)
        ON CONFLICT (name) DO UPDATE SET seq = counters.seq + 1
        RETURNING seq`, counter,
	).Scan(&seq)
	return seq, err
}

func (t *pgTx) InsertTrip(ctx context.Context, b *TripBooking) error {
	_, err := t.q.Exec(ctx, `
        INSERT INTO trip_bookings (
            id, code, seq, company_id, party_name, cargo_type, destination,
            rate, currency, status, contact_name, contact_number,
            created_by, remarks, created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7,
            $8, $9, $10, $11, $12,
            $13, $14, $15, $16
        )`,
		string(b.ID), b.Code, b.Seq, string(b.CompanyID), b.PartyName, int(b.CargoType), b.Destination,
		b.Rate.Amount, b.Rate.Currency, string(b.Status), b.Contact.Name, b.Contact.Number,
		string(b.CreatedBy), b.Remarks, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertTruckBooking(ctx context.Context, b *TruckBooking) error {
	_, err := t.q.Exec(ctx, `
        INSERT INTO truck_bookings (
            id, code, seq, company_id, truck_id, status, contact_name, contact_number,
            created_by, remarks, created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8,
            $9, $10, $11, $12
        )`,
		string(b.ID), b.Code, b.Seq, string(b.CompanyID), string(b.TruckID), string(b.Status),
		b.Contact.Name, b.Contact.Number, string(b.CreatedBy), b.Remarks, b.CreatedAt, b.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeTruckIndexName {
		return ErrTruckBusy
	}
	return err
}

func (t *pgTx) LockTrip(ctx context.Context, id types.ID) (*TripBooking, error) {
	return scanTrip(t.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trip_bookings WHERE id = $1 FOR UPDATE`, string(id)))
}

func (t *pgTx) LockTruckBooking(ctx context.Context, id types.ID) (*TruckBooking, error) {
	return scanTruckBooking(t.q.QueryRow(ctx, `SELECT `+truckBookingColumns+` FROM truck_bookings WHERE id = $1 FOR UPDATE`, string(id)))
}

func (t *pgTx) LockAllocation(ctx context.Context, id types.ID) (*Allocation, error) {
	return scanAllocation(t.q.QueryRow(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = $1 FOR UPDATE`, string(id)))
}

func (t *pgTx) TruckType(ctx context.Context, truckID types.ID) (CargoType, error) {
	var ct int
	err := t.q.QueryRow(ctx, `SELECT type FROM trucks WHERE id = $1 AND active FOR SHARE`, string(truckID)).Scan(&ct)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return CargoType(ct), err
}

func (t *pgTx) OpenAllocation(ctx context.Context, ref Ref) (*Allocation, error) {
	a, err := scanAllocation(t.q.QueryRow(ctx, openAllocationQuery(ref)+` FOR UPDATE`, string(ref.ID)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (t *pgTx) InsertAllocation(ctx context.Context, a *Allocation) error {
	_, err := t.q.Exec(ctx, `
        INSERT INTO allocations (
            id, trip_booking_id, truck_booking_id, status, allocated_at, created_by, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $5)`,
		string(a.ID), string(a.TripBookingID), string(a.TruckBookingID), string(a.Status),
		a.AllocatedAt, string(a.CreatedBy),
	)
	return err
}

func (t *pgTx) SetStatus(ctx context.Context, ref Ref, from, to Status, c Change) (bool, error) {
	// Reactivating a truck booking can hit the active-truck index. Run it under
	// a savepoint so ErrTruckBusy leaves the enclosing transaction usable.
	if sp, ok := t.q.(pgx.Tx); ok && ref.Kind == KindTruck && IsActive(to) && !IsActive(from) {
		var done bool
		err := pgx.BeginFunc(ctx, sp, func(inner pgx.Tx) error {
			var err error
			done, err = (&pgTx{q: inner}).setStatus(ctx, ref, from, to, c)
			return err
		})
		return done, err
	}
	return t.setStatus(ctx, ref, from, to, c)
}

func (t *pgTx) setStatus(ctx context.Context, ref Ref, from, to Status, c Change) (bool, error) {
	table := "trip_bookings"
	if ref.Kind == KindTruck {
		table = "truck_bookings"
	}
	now := time.Now()
	tag, err := t.q.Exec(ctx, `
        UPDATE `+table+`
        SET status = $1,
            updated_at = $2,
            updated_by = $3,
            cancelled_by = CASE WHEN $4 THEN $3 ELSE cancelled_by END,
            remarks = COALESCE($5, remarks)
        WHERE id = $6 AND status = $7`,
		string(to), now, string(c.Actor), c.Cancel, optional(c.Remarks), string(ref.ID), string(from),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeTruckIndexName {
		return false, ErrTruckBusy
	}
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	_, err = t.q.Exec(ctx, `
        INSERT INTO booking_events (kind, booking_id, from_status, to_status, actor_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(ref.Kind), string(ref.ID), string(from), string(to), string(c.Actor), now,
	)
	return err == nil, err
}

func (t *pgTx) SetAllocationStatus(ctx context.Context, id types.ID, from, to Status, c Change) (bool, error) {
	tag, err := t.q.Exec(ctx, `
        UPDATE allocations
        SET status = $1,
            updated_at = NOW(),
            updated_by = $2,
            cancelled_by = CASE WHEN $3 THEN $2 ELSE cancelled_by END,
            remarks = COALESCE($4, remarks)
        WHERE id = $5 AND status = $6`,
		string(to), string(c.Actor), c.Cancel, optional(c.Remarks), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AutoCancel(ctx context.Context, at time.Time) (SweepCounts, error) {
	var counts SweepCounts
	for _, side := range []struct {
		kind  Kind
		table string
		dst   *int64
	}{
		{KindTrip, "trip_bookings", &counts.Trips},
		{KindTruck, "truck_bookings", &counts.Trucks},
	} {
		err := t.q.QueryRow(ctx, `
        WITH closed AS (
            UPDATE `+side.table+` b
            SET status = 'autoCancelled', updated_at = $1, updated_by = $2
            FROM (
                SELECT id, status FROM `+side.table+`
                WHERE status IN ('inqueue','inprogress')
                FOR UPDATE
            ) prev
            WHERE b.id = prev.id
            RETURNING b.id, prev.status AS from_status
        ), events AS (
            INSERT INTO booking_events (kind, booking_id, from_status, to_status, actor_id, created_at)
            SELECT $3, id, from_status, 'autoCancelled', $2, $1 FROM closed
        )
        SELECT COUNT(*) FROM closed`,
			at, string(types.SystemActor), string(side.kind),
		).Scan(side.dst)
		if err != nil {
			return counts, err
		}
	}

	tag, err := t.q.Exec(ctx, `
        UPDATE allocations a
        SET status = 'autoCancelled', updated_at = $1, updated_by = $2
        WHERE a.status = 'inprogress'
          AND (
            EXISTS (SELECT 1 FROM trip_bookings t WHERE t.id = a.trip_booking_id AND t.status = 'autoCancelled')
            OR EXISTS (SELECT 1 FROM truck_bookings tb WHERE tb.id = a.truck_booking_id AND tb.status = 'autoCancelled')
          )`,
		at, string(types.SystemActor),
	)
	if err != nil {
		return counts, err
	}
	counts.Allocations = tag.RowsAffected()
	return counts, nil
}

func scanTrip(row pgx.Row) (*TripBooking, error) {
	var b TripBooking
	var updatedBy, cancelledBy, remarks sql.NullString
	err := row.Scan(
		&b.ID, &b.Code, &b.Seq, &b.CompanyID, &b.PartyName, &b.CargoType, &b.Destination,
		&b.Rate.Amount, &b.Rate.Currency, &b.Status, &b.Contact.Name, &b.Contact.Number,
		&b.CreatedBy, &updatedBy, &cancelledBy, &remarks, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedBy = toIDPtr(updatedBy)
	b.CancelledBy = toIDPtr(cancelledBy)
	b.Remarks = toStringPtr(remarks)
	return &b, nil
}

func scanTruckBooking(row pgx.Row) (*TruckBooking, error) {
	var b TruckBooking
	var updatedBy, cancelledBy, remarks sql.NullString
	err := row.Scan(
		&b.ID, &b.Code, &b.Seq, &b.CompanyID, &b.TruckID, &b.Status, &b.Contact.Name, &b.Contact.Number,
		&b.CreatedBy, &updatedBy, &cancelledBy, &remarks, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedBy = toIDPtr(updatedBy)
	b.CancelledBy = toIDPtr(cancelledBy)
	b.Remarks = toStringPtr(remarks)
	return &b, nil
}

func scanAllocation(row pgx.Row) (*Allocation, error) {
	var a Allocation
	var updatedBy, cancelledBy, remarks sql.NullString
	err := row.Scan(
		&a.ID, &a.TripBookingID, &a.TruckBookingID, &a.Status, &a.AllocatedAt,
		&a.CreatedBy, &updatedBy, &cancelledBy, &remarks,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.UpdatedBy = toIDPtr(updatedBy)
	a.CancelledBy = toIDPtr(cancelledBy)
	a.Remarks = toStringPtr(remarks)
	return &a, nil
}

func openAllocationQuery(ref Ref) string {
	column := "trip_booking_id"
	if ref.Kind == KindTruck {
		column = "truck_booking_id"
	}
	return `
        SELECT ` + allocationColumns + `
        FROM allocations
        WHERE ` + column + ` = $1 AND status IN ('inprogress','accepted','allocated')
        ORDER BY allocated_at DESC
        LIMIT 1`
}

func prefixed(alias, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\n' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		if c == ',' {
			start = true
		}
		out = append(out, c)
	}
	return string(out)
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toIDPtr(v sql.NullString) *types.ID {
	if !v.Valid {
		return nil
	}
	id := types.ID(v.String)
	return &id
}

func toStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
