package stores

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/abac"
)

func openSQLite(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type historyStore interface {
	abac.RecordStore
	History(ctx context.Context, kind, key string) ([]*abac.Record, error)
}

func backends(t *testing.T) map[string]historyStore {
	t.Helper()
	sqlStore, err := NewSQLStore(openSQLite(t))
	if err != nil {
		t.Fatalf("sql store: %v", err)
	}
	bs, err := OpenBadgerStore("")
	if err != nil {
		t.Fatalf("badger store: %v", err)
	}
	t.Cleanup(func() { bs.Close() })
	return map[string]historyStore{
		"memory": NewMemoryStore(),
		"sql":    sqlStore,
		"badger": bs,
	}
}

func TestRecordStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, abac.KindPolicy, "p1"); !errors.Is(err, abac.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			v, err := s.Put(ctx, abac.KindPolicy, "p1", []byte(`{"name":"p1"}`), 0)
			if err != nil || v != 1 {
				t.Fatalf("first put: v=%d err=%v", v, err)
			}
			if _, err := s.Put(ctx, abac.KindPolicy, "p1", []byte(`{"name":"dup"}`), 0); !errors.Is(err, abac.ErrVersionConflict) {
				t.Fatalf("expected conflict on create-existing, got %v", err)
			}
			if _, err := s.Put(ctx, abac.KindPolicy, "p1", []byte(`{"name":"stale"}`), 5); !errors.Is(err, abac.ErrVersionConflict) {
				t.Fatalf("expected conflict on stale version, got %v", err)
			}
			v, err = s.Put(ctx, abac.KindPolicy, "p1", []byte(`{"name":"p1","priority":2}`), 1)
			if err != nil || v != 2 {
				t.Fatalf("update: v=%d err=%v", v, err)
			}
			rec, err := s.Get(ctx, abac.KindPolicy, "p1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.Version != 2 || string(rec.Data) != `{"name":"p1","priority":2}` {
				t.Fatalf("unexpected record %+v", rec)
			}
			if rec.UpdatedAt.IsZero() {
				t.Fatalf("expected updated_at to be set")
			}
			hist, err := s.History(ctx, abac.KindPolicy, "p1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(hist) != 2 || hist[0].Version != 1 || hist[1].Version != 2 {
				t.Fatalf("unexpected history %+v", hist)
			}
		})
	}
}

func TestRecordStoreListIsPerKindAndOrdered(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"b", "a", "c"} {
				if _, err := s.Put(ctx, abac.KindRole, k, []byte(`{}`), 0); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			if _, err := s.Put(ctx, abac.KindUser, "a", []byte(`{}`), 0); err != nil {
				t.Fatalf("put user: %v", err)
			}
			recs, err := s.List(ctx, abac.KindRole)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(recs) != 3 {
				t.Fatalf("expected 3 roles, got %d", len(recs))
			}
			for i, want := range []string{"a", "b", "c"} {
				if recs[i].Key != want || recs[i].Kind != abac.KindRole {
					t.Fatalf("record %d: got %s/%s", i, recs[i].Kind, recs[i].Key)
				}
			}
		})
	}
}

func TestRecordStoreHistoryIsPerKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Put(ctx, abac.KindAssignment, "u-1", []byte(`{"n":1}`), 0); err != nil {
				t.Fatalf("put u-1: %v", err)
			}
			if _, err := s.Put(ctx, abac.KindAssignment, "u-1/r-1", []byte(`{"n":2}`), 0); err != nil {
				t.Fatalf("put u-1/r-1: %v", err)
			}
			if _, err := s.Put(ctx, abac.KindAssignment, "u-1/r-1", []byte(`{"n":3}`), 1); err != nil {
				t.Fatalf("update u-1/r-1: %v", err)
			}
			hist, err := s.History(ctx, abac.KindAssignment, "u-1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(hist) != 1 || string(hist[0].Data) != `{"n":1}` {
				t.Fatalf("history of u-1 leaked other keys: %+v", hist)
			}
			hist, err = s.History(ctx, abac.KindAssignment, "u-1/r-1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(hist) != 2 || hist[1].Version != 2 {
				t.Fatalf("unexpected history %+v", hist)
			}
		})
	}
}

func TestRecordStoreConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Put(ctx, abac.KindUser, "alice", []byte(`{}`), 0); err != nil {
				t.Fatalf("seed: %v", err)
			}
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins, conflicts := 0, 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Put(ctx, abac.KindUser, "alice", []byte(`{"n":1}`), 1)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, abac.ErrVersionConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			if wins != 1 || conflicts != 7 {
				t.Fatalf("expected 1 win and 7 conflicts, got %d/%d", wins, conflicts)
			}
		})
	}
}

func TestSQLStoreReportsRowErrors(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("sql store: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, err := store.Put(ctx, abac.KindRole, k, []byte(`{}`), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	// Row "b" evaluates abs() of the smallest int64, which fails while stepping.
	for _, stmt := range []string{
		`ALTER TABLE records RENAME TO records_base`,
		`CREATE VIEW records AS SELECT kind, record_key,
			CASE WHEN record_key = 'b' THEN abs(version - 9223372036854775807 - 2) ELSE version END AS version,
			data, updated_at FROM records_base`,
	} {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	if recs, err := store.List(ctx, abac.KindRole); err == nil {
		t.Fatalf("expected row error from list, got %d records", len(recs))
	}
	if _, err := store.Get(ctx, abac.KindRole, "b"); err == nil || errors.Is(err, abac.ErrNotFound) {
		t.Fatalf("expected row error from get, got %v", err)
	}
}

func TestRepositoryOverBadgerLoadsSnapshot(t *testing.T) {
	ctx := context.Background()
	bs, err := OpenBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()
	repo := abac.NewRepository(bs)
	if _, err := repo.UpsertRole(ctx, abac.NewRole("employee").Attr("clearance", 1).Build()); err != nil {
		t.Fatalf("role: %v", err)
	}
	u, err := repo.UpsertUser(ctx, abac.NewUser("alice").Attr("department", "eng").Build())
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	role, err := repo.GetRole(ctx, "employee")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if _, err := repo.AssignRole(ctx, u.ID, role.ID, "test"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := repo.UpsertPolicy(ctx, abac.NewPolicy("allow-eng").For("document", "view").
		When(`user.department == "eng"`).Build()); err != nil {
		t.Fatalf("policy: %v", err)
	}
	data, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(data.Policies) != 1 || len(data.Roles) != 1 || len(data.Users) != 1 || len(data.Assignments) != 1 {
		t.Fatalf("unexpected snapshot data: %d policies, %d roles, %d users, %d assignments",
			len(data.Policies), len(data.Roles), len(data.Users), len(data.Assignments))
	}
}

func TestSQLAuditStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, _ := NewSQLAuditStore(openSQLite(t))
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*abac.AuditRecord{
		{
			ID:        "evt-1",
			Timestamp: base,
			TraceID:   "trace-abc-123",
			Request:   abac.Request{SubjectID: "alice", ResourceType: "document", ResourceID: "d1", Action: "view"},
			Decision:  &abac.Decision{Allowed: true, Effect: abac.EffectPermit, PrimaryPolicyID: "p1", MatchedPolicyIDs: []string{"p1"}, Reason: "permitted by policy p1"},
		},
		{
			ID:        "evt-2",
			Timestamp: base.Add(time.Minute),
			Request:   abac.Request{SubjectID: "alice", ResourceType: "document", ResourceID: "d2", Action: "edit"},
			Decision:  &abac.Decision{Allowed: false, Effect: abac.EffectDeny, MatchedPolicyIDs: []string{}, Reason: "no policy fired (default deny)"},
		},
		{
			ID:        "evt-3",
			Timestamp: base.Add(2 * time.Minute),
			Request:   abac.Request{SubjectID: "bob", ResourceType: "document", Action: "view"},
			Error:     "evaluation timeout",
		},
	}
	for _, e := range entries {
		if err := store.LogDecision(ctx, e); err != nil {
			t.Fatalf("log %s: %v", e.ID, err)
		}
	}

	logs, err := store.GetAccessLog(ctx, abac.AuditFilter{SubjectID: "alice", Limit: 10})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	got := logs[0]
	if got.TraceID != "trace-abc-123" || got.Decision == nil || got.Decision.PrimaryPolicyID != "p1" {
		t.Fatalf("unexpected first record %+v", got)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("expected timestamp %v, got %v", base, got.Timestamp)
	}

	allowed := false
	denied, err := store.GetAccessLog(ctx, abac.AuditFilter{Allowed: &allowed})
	if err != nil {
		t.Fatalf("filter allowed: %v", err)
	}
	if len(denied) != 1 || denied[0].ID != "evt-2" {
		t.Fatalf("expected only evt-2, got %d records", len(denied))
	}

	windowed, err := store.GetAccessLog(ctx, abac.AuditFilter{StartTime: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("filter window: %v", err)
	}
	if len(windowed) != 2 || windowed[1].Error != "evaluation timeout" || windowed[1].Decision != nil {
		t.Fatalf("unexpected windowed result %+v", windowed)
	}
}

func TestMemoryAuditStoreAppliesFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAuditStore()
	for i := 0; i < 5; i++ {
		_ = s.LogDecision(ctx, &abac.AuditRecord{
			ID:       string(rune('a' + i)),
			Request:  abac.Request{SubjectID: "alice", Action: "view"},
			Decision: &abac.Decision{Allowed: i%2 == 0},
		})
	}
	out, _ := s.GetAccessLog(ctx, abac.AuditFilter{SubjectID: "alice", Limit: 2})
	if len(out) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(out))
	}
	yes := true
	out, _ = s.GetAccessLog(ctx, abac.AuditFilter{Allowed: &yes})
	if len(out) != 3 {
		t.Fatalf("expected 3 permitted records, got %d", len(out))
	}
	if s.Len() != 5 {
		t.Fatalf("expected 5 records, got %d", s.Len())
	}
}

func TestRedisChangeBus(t *testing.T) {
	addr := os.Getenv("ABAC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ABAC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	bus := NewRedisChangeBus(client, "abac:test:"+time.Now().Format("150405.000000"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan string, 1)
	go func() {
		_ = bus.Listen(ctx, func(kind, key string) { got <- kind + "/" + key })
	}()
	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)
	if err := bus.NotifyChange(ctx, abac.KindPolicy, "p1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case v := <-got:
		if v != "policy/p1" {
			t.Fatalf("unexpected change %q", v)
		}
	case <-ctx.Done():
		t.Fatalf("no change received")
	}
	if n, err := bus.Sequence(ctx); err != nil || n != 1 {
		t.Fatalf("expected sequence 1, got %d (%v)", n, err)
	}
}
