// README: Bench cases: environment, API flow, cancellation, truck-booking race, DB consistency and throughput.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// ids created by earlier cases
	tripID         string
	truckBookingID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisURL != "" {
		if opt, err := redis.ParseURL(r.cfg.RedisURL); err == nil {
			r.redis = redis.NewClient(opt)
		}
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: "FAIL", Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: apply (optional)", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return Result{Status: "SKIP", Note: "apply-migration=false"}
			}
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			sql, err := os.ReadFile(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, s := range splitSQL(string(sql)) {
				if _, err := r.db.Exec(ctx, s); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "FAIL", Note: "db not configured"}
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, t := range tables {
				var exists bool
				err := r.db.QueryRow(ctx,
					"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
					t,
				).Scan(&exists)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if !exists {
					return Result{Status: "FAIL", Note: "missing table: " + t}
				}
			}
			return Result{Status: "PASS", Note: fmt.Sprintf("%d tables", len(tables))}
		}},

		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", nil, false, http.StatusOK)
		}},
		{Name: "API: metrics exposed", Run: func(ctx context.Context, r *Runner) Result {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/metrics", nil)
			resp, err := r.httpc.Do(req)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "http_requests_total") {
				return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", resp.StatusCode)}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/trip-bookings", tripPayload(), false, http.StatusUnauthorized)
		}},

		{Name: "Booking: create trip", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.Token == "" {
				return Result{Status: "SKIP", Note: "no token"}
			}
			res, body := r.call(ctx, http.MethodPost, "/api/trip-bookings", tripPayload(), true, http.StatusCreated)
			if res.Status == "PASS" {
				r.tripID, _ = body["id"].(string)
				res.Note += fmt.Sprintf(" code=%v", body["code"])
			}
			return res
		}},
		{Name: "Booking: create trip (missing fields -> 400)", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.Token == "" {
				return Result{Status: "SKIP", Note: "no token"}
			}
			return r.expect(ctx, http.MethodPost, "/api/trip-bookings", map[string]any{}, true, http.StatusBadRequest)
		}},
		{Name: "Booking: create truck booking", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.Token == "" || r.cfg.TruckID == "" {
				return Result{Status: "SKIP", Note: "needs -token and -truck"}
			}
			res, body := r.call(ctx, http.MethodPost, "/api/truck-bookings", truckPayload(r.cfg.TruckID), true, http.StatusCreated)
			if res.Status == "PASS" {
				r.truckBookingID, _ = body["id"].(string)
			}
			return res
		}},
		{Name: "Booking: busy truck -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if r.truckBookingID == "" {
				return Result{Status: "SKIP", Note: "no truck booking"}
			}
			return r.expect(ctx, http.MethodPost, "/api/truck-bookings", truckPayload(r.cfg.TruckID), true, http.StatusConflict)
		}},
		{Name: "Cancel: truck booking, then again", Run: func(ctx context.Context, r *Runner) Result {
			if r.truckBookingID == "" {
				return Result{Status: "SKIP", Note: "no truck booking"}
			}
			path := "/api/truck-bookings/" + r.truckBookingID + "/cancel"
			res, body := r.call(ctx, http.MethodPost, path, map[string]any{"reason": "bench cleanup"}, true, http.StatusOK)
			if res.Status != "PASS" {
				return res
			}
			first := body["status"]
			res, body = r.call(ctx, http.MethodPost, path, map[string]any{"reason": "bench cleanup"}, true, http.StatusOK)
			if res.Status == "PASS" && body["outcome"] != "already_cancelled" {
				return Result{Status: "FAIL", Note: fmt.Sprintf("second outcome=%v", body["outcome"])}
			}
			res.Note = fmt.Sprintf("first=%v", first)
			return res
		}},
		{Name: "Cancel: trip", Run: func(ctx context.Context, r *Runner) Result {
			if r.tripID == "" {
				return Result{Status: "SKIP", Note: "no trip"}
			}
			res, body := r.call(ctx, http.MethodPost, "/api/trip-bookings/"+r.tripID+"/cancel", map[string]any{"reason": "bench cleanup"}, true, http.StatusOK)
			res.Note += fmt.Sprintf(" status=%v", body["status"])
			return res
		}},

		{Name: "Concurrency: one booking per truck", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.Token == "" || r.cfg.TruckID == "" {
				return Result{Status: "SKIP", Note: "needs -token and -truck"}
			}
			return concurrentTruckBookings(ctx, r)
		}},

		{Name: "Consistency: active bookings per truck <= 1", Run: func(ctx context.Context, r *Runner) Result {
			return r.countZero(ctx, `SELECT COUNT(*) FROM (
				SELECT truck_id FROM truck_bookings
				WHERE status IN ('inqueue', 'inprogress', 'accepted')
				GROUP BY truck_id HAVING COUNT(*) > 1) t`)
		}},
		{Name: "Consistency: inprogress bookings have an open allocation", Run: func(ctx context.Context, r *Runner) Result {
			return r.countZero(ctx, `SELECT
				(SELECT COUNT(*) FROM trip_bookings b WHERE b.status = 'inprogress' AND NOT EXISTS (
					SELECT 1 FROM allocations a WHERE a.trip_booking_id = b.id AND a.status = 'inprogress'))
				+
				(SELECT COUNT(*) FROM truck_bookings b WHERE b.status = 'inprogress' AND NOT EXISTS (
					SELECT 1 FROM allocations a WHERE a.truck_booking_id = b.id AND a.status = 'inprogress'))`)
		}},
		{Name: "Consistency: allocation status matches both bookings", Run: func(ctx context.Context, r *Runner) Result {
			return r.countZero(ctx, `SELECT COUNT(*) FROM allocations a
				JOIN trip_bookings t ON t.id = a.trip_booking_id
				JOIN truck_bookings k ON k.id = a.truck_booking_id
				WHERE a.status IN ('inprogress', 'accepted', 'allocated')
				AND (t.status <> a.status OR k.status <> a.status)`)
		}},
		{Name: "Redis: queue markers readable", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: "FAIL", Note: "redis not configured"}
			}
			found := 0
			for _, t := range []int{20, 40} {
				err := r.redis.Get(ctx, fmt.Sprintf("fleet:queue:%d:last_change", t)).Err()
				switch {
				case err == nil:
					found++
				case err != redis.Nil:
					return Result{Status: "FAIL", Note: err.Error()}
				}
			}
			return Result{Status: "PASS", Note: fmt.Sprintf("markers=%d", found)}
		}},

		{Name: "Perf: trip booking throughput", Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.Token == "" {
				return Result{Status: "SKIP", Note: "no token"}
			}
			return perfLoad(ctx, r, "/api/trip-bookings", tripPayload())
		}},
	}
}

func tripPayload() map[string]any {
	return map[string]any{
		"company_id":  "bench",
		"type":        20,
		"destination": "Bench Yard",
		"rate":        map[string]any{"amount": 1000},
		"contact":     map[string]any{"name": "Bench", "number": "+910000000000"},
		"remarks":     "bench",
	}
}

func truckPayload(truckID string) map[string]any {
	return map[string]any{
		"company_id": "bench",
		"truck_id":   truckID,
		"contact":    map[string]any{"name": "Bench", "number": "+910000000000"},
		"remarks":    "bench",
	}
}

func (r *Runner) newRequest(ctx context.Context, method, path string, body any, auth bool) *http.Request {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, _ := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	return req
}

// call sends one request and decodes a JSON object body.
func (r *Runner) call(ctx context.Context, method, path string, body any, auth bool, want int) (Result, map[string]any) {
	start := time.Now()
	resp, err := r.httpc.Do(r.newRequest(ctx, method, path, body, auth))
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}, nil
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	latency := time.Since(start)
	note := fmt.Sprintf("status=%d", resp.StatusCode)
	if resp.StatusCode != want {
		return Result{Status: "FAIL", Latency: latency, Note: note}, out
	}
	return Result{Status: "PASS", Latency: latency, Note: note}, out
}

func (r *Runner) expect(ctx context.Context, method, path string, body any, auth bool, want int) Result {
	res, _ := r.call(ctx, method, path, body, auth, want)
	return res
}

func (r *Runner) countZero(ctx context.Context, query string) Result {
	if r.db == nil {
		return Result{Status: "FAIL", Note: "db not configured"}
	}
	var n int64
	if err := r.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if n != 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("violations=%d", n)}
	}
	return Result{Status: "PASS"}
}

func concurrentTruckBookings(ctx context.Context, r *Runner) Result {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		succ   int
		busy   int
		winner string
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.httpc.Do(r.newRequest(ctx, http.MethodPost, "/api/truck-bookings", truckPayload(r.cfg.TruckID), true))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var body map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&body)
			mu.Lock()
			defer mu.Unlock()
			switch resp.StatusCode {
			case http.StatusCreated:
				succ++
				winner, _ = body["id"].(string)
			case http.StatusConflict:
				busy++
			}
		}()
	}
	wg.Wait()

	if winner != "" {
		_ = r.expect(ctx, http.MethodPost, "/api/truck-bookings/"+winner+"/cancel", map[string]any{"reason": "bench cleanup"}, true, http.StatusOK)
	}
	note := fmt.Sprintf("success=%d busy=%d", succ, busy)
	if succ != 1 {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Note: note}
}

func perfLoad(ctx context.Context, r *Runner, path string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				resp, err := r.httpc.Do(r.newRequest(ctx, http.MethodPost, path, payload, true))
				mu.Lock()
				if err != nil || resp.StatusCode >= 300 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
				if err == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
