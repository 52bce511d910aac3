package abac_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
	"github.com/oarkflow/abac/stores"
)

func newRepo(opts ...abac.RepositoryOption) (*abac.Repository, *stores.MemoryStore) {
	store := stores.NewMemoryStore()
	opts = append([]abac.RepositoryOption{abac.WithRepositoryLogger(logger.NewNullLogger())}, opts...)
	return abac.NewRepository(store, opts...), store
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) NotifyChange(context.Context, string, string) error {
	c.n.Add(1)
	return nil
}

func TestUpsertPolicyIsIdempotent(t *testing.T) {
	notes := &countingNotifier{}
	repo, store := newRepo(abac.WithChangeNotifier(notes))
	ctx := context.Background()
	build := func() *abac.Policy {
		return abac.NewPolicy("allow-view").For("document", "view").
			Rule("owner", abac.EqRef("user.id", "resource.owner")).Build()
	}

	first, err := repo.UpsertPolicy(ctx, build())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.Version != 1 || first.ID == "" || first.Status != abac.StatusActive {
		t.Fatalf("unexpected stored policy %+v", first.Meta)
	}
	second, err := repo.UpsertPolicy(ctx, build())
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Version != 1 || second.ID != first.ID {
		t.Fatalf("identical upsert must not create a new version: %+v", second.Meta)
	}
	if notes.n.Load() != 1 {
		t.Fatalf("expected one change notification, got %d", notes.n.Load())
	}

	changed := build()
	changed.Priority = 10
	third, err := repo.UpsertPolicy(ctx, changed)
	if err != nil {
		t.Fatalf("changed upsert: %v", err)
	}
	if third.Version != 2 || third.ID != first.ID || !third.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected version 2 with the same identity, got %+v", third.Meta)
	}
	history, err := store.History(ctx, abac.KindPolicy, "allow-view")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two versions in history, got %d (%v)", len(history), err)
	}
}

func TestUpsertRejectsStaleVersion(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	p, err := repo.UpsertPolicy(ctx, abac.NewPolicy("p").Rule("r", abac.Exists("user.id")).Build())
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stale := *p
	stale.Version = 7
	stale.Priority = 3
	if _, err := repo.UpsertPolicy(ctx, &stale); !errors.Is(err, abac.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	fresh := *p
	fresh.Priority = 3
	if got, err := repo.UpsertPolicy(ctx, &fresh); err != nil || got.Version != 2 {
		t.Fatalf("expected matching version to win: %v", err)
	}
	ghost := abac.NewPolicy("ghost").Rule("r", abac.Exists("user.id")).Build()
	ghost.Version = 1
	if _, err := repo.UpsertPolicy(ctx, ghost); !errors.Is(err, abac.ErrVersionConflict) {
		t.Fatalf("expected a version on a missing record to conflict, got %v", err)
	}
}

func TestUpsertPolicyValidates(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	cases := []*abac.Policy{
		{Name: "", Effect: abac.EffectPermit},
		{Name: "bad-effect", Effect: "MAYBE"},
		abac.NewPolicy("env-target").Target(abac.Eq("environment.zone", "office")).Build(),
		abac.NewPolicy("bad-regex").Rule("r", abac.Matches("user.name", "([")).Build(),
	}
	for _, p := range cases {
		if _, err := repo.UpsertPolicy(ctx, p); err == nil {
			t.Fatalf("expected %q to be rejected", p.Name)
		}
	}
	if _, err := repo.GetPolicy(ctx, "bad-regex"); !errors.Is(err, abac.ErrNotFound) {
		t.Fatalf("rejected policies must not be stored, got %v", err)
	}
}

func TestRoleParentsAndCycles(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	employee, err := repo.UpsertRole(ctx, abac.NewRole("employee").Attr("clearance", 1).Build())
	if err != nil {
		t.Fatalf("upsert employee: %v", err)
	}
	manager, err := repo.UpsertRole(ctx, abac.NewRole("manager").Parent(employee.ID).Build())
	if err != nil {
		t.Fatalf("upsert manager: %v", err)
	}
	if _, err := repo.UpsertRole(ctx, abac.NewRole("orphan").Parent("nope").Build()); !errors.Is(err, abac.ErrInvalidRecord) {
		t.Fatalf("expected unknown parent to be rejected, got %v", err)
	}
	looped := abac.NewRole("employee").Parent(manager.ID).Attr("clearance", 1).Build()
	_, err = repo.UpsertRole(ctx, looped)
	var cycle *abac.RoleHierarchyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected RoleHierarchyCycleError, got %v", err)
	}
	stored, _ := repo.GetRole(ctx, "employee")
	if stored.ParentID != "" {
		t.Fatalf("rejected parent change must not be stored")
	}
}

func TestAssignAndDeactivate(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	role, _ := repo.UpsertRole(ctx, abac.NewRole("auditor").Attr("can_audit", true).Build())
	user, _ := repo.UpsertUser(ctx, abac.NewUser("dana").Build())

	if _, err := repo.AssignRole(ctx, user.ID, "missing", "admin"); !errors.Is(err, abac.ErrNotFound) {
		t.Fatalf("expected unknown role to be rejected, got %v", err)
	}
	a, err := repo.AssignRole(ctx, user.ID, role.ID, "admin")
	if err != nil || !a.IsActive {
		t.Fatalf("assign: %v", err)
	}
	again, err := repo.AssignRole(ctx, user.ID, role.ID, "admin")
	if err != nil || again.Version != a.Version {
		t.Fatalf("re-assigning must be a no-op: %v", err)
	}

	data, _ := repo.Load(ctx)
	res, err := abac.Resolve(abac.NewSnapshot(1, data, nil), abac.Request{SubjectID: "dana"})
	if err != nil || res.Bag["user.can_audit"] != true {
		t.Fatalf("expected role attribute to resolve: %v %v", err, res)
	}

	off, err := repo.DeactivateAssignment(ctx, user.ID, role.ID)
	if err != nil || off.IsActive {
		t.Fatalf("deactivate: %v", err)
	}
	list, _ := repo.ListAssignments(ctx)
	if len(list) != 1 {
		t.Fatalf("deactivated assignments stay stored, got %d", len(list))
	}
	data, _ = repo.Load(ctx)
	res, _ = abac.Resolve(abac.NewSnapshot(2, data, nil), abac.Request{SubjectID: "dana"})
	if _, ok := res.Bag["user.can_audit"]; ok {
		t.Fatalf("inactive assignment must not contribute attributes")
	}
}

func TestDeactivateKeepsRecords(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	if _, err := repo.UpsertPolicy(ctx, abac.NewPolicy("p").Rule("r", abac.Exists("user.id")).Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := repo.UpsertResourceDefinition(ctx, &abac.ResourceDefinition{ResourceType: "doc", IsActive: true}); err != nil {
		t.Fatalf("upsert resource: %v", err)
	}
	if _, err := repo.DeactivatePolicy(ctx, "p"); err != nil {
		t.Fatalf("deactivate policy: %v", err)
	}
	if _, err := repo.DeactivateResourceDefinition(ctx, "doc"); err != nil {
		t.Fatalf("deactivate resource: %v", err)
	}
	if _, err := repo.DeactivateUser(ctx, "nobody"); !errors.Is(err, abac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	data, _ := repo.Load(ctx)
	snap := abac.NewSnapshot(1, data, nil)
	if snap.Policies.Len() != 0 || len(data.Policies) != 1 {
		t.Fatalf("inactive policies stay stored but are not indexed")
	}
	if _, ok := snap.ResourceDefinition("doc"); ok {
		t.Fatalf("inactive resource definitions must not resolve")
	}
}

func TestResourceDefinitionValidation(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	bad := []*abac.ResourceDefinition{
		{ResourceType: ""},
		{ResourceType: "doc", Attributes: []abac.AttributeDecl{abac.Attr("a", "color")}},
		{ResourceType: "doc", Attributes: []abac.AttributeDecl{abac.Attr("a", abac.TypeString), abac.Attr("a", abac.TypeString)}},
		{ResourceType: "doc", Attributes: []abac.AttributeDecl{abac.Attr("a", abac.TypeString).WithEnum("x").WithDefault("y")}},
	}
	for i, d := range bad {
		if _, err := repo.UpsertResourceDefinition(ctx, d); !errors.Is(err, abac.ErrInvalidRecord) {
			t.Fatalf("case %d: expected ErrInvalidRecord, got %v", i, err)
		}
	}
}

// ============================================================================
// REFRESHER
// ============================================================================

func TestRefresherRevisionMovesOnlyOnChange(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	ref, err := abac.NewRefresher(ctx, repo, abac.WithRefresherLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	if ref.Snapshot().Revision != 1 {
		t.Fatalf("expected revision 1, got %d", ref.Snapshot().Revision)
	}
	if changed, err := ref.Refresh(ctx); err != nil || changed {
		t.Fatalf("refresh without changes must keep the snapshot: %v %v", changed, err)
	}
	if _, err := repo.UpsertPolicy(ctx, abac.NewPolicy("p").Rule("r", abac.Exists("user.id")).Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if changed, err := ref.Refresh(ctx); err != nil || !changed {
		t.Fatalf("expected a new snapshot: %v %v", changed, err)
	}
	if snap := ref.Snapshot(); snap.Revision != 2 || snap.Policies.Len() != 1 {
		t.Fatalf("unexpected snapshot %+v", snap.Summary())
	}
}

type failingLoader struct{ fail atomic.Bool }

func (f *failingLoader) Load(context.Context) (abac.SnapshotData, error) {
	if f.fail.Load() {
		return abac.SnapshotData{}, errors.New("store offline")
	}
	return abac.SnapshotData{Policies: []*abac.Policy{abac.NewPolicy("p").Build()}}, nil
}

func TestRefresherKeepsSnapshotOnError(t *testing.T) {
	loader := &failingLoader{}
	ref, err := abac.NewRefresher(context.Background(), loader, abac.WithRefresherLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	loader.fail.Store(true)
	if _, err := ref.Refresh(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
	if ref.Snapshot() == nil || ref.Snapshot().Revision != 1 {
		t.Fatalf("previous snapshot must stay in place")
	}
	if _, err := abac.NewRefresher(context.Background(), loader); err == nil {
		t.Fatalf("initial load failure must be returned")
	}
}

func waitForRevision(t *testing.T, ref *abac.Refresher, rev uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ref.Snapshot().Revision < rev {
		if time.Now().After(deadline) {
			t.Fatalf("revision %d not reached, at %d", rev, ref.Snapshot().Revision)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefresherPicksUpNotifiedWrites(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()
	ref, err := abac.NewRefresher(ctx, abac.NewRepository(store),
		abac.WithRefreshInterval(time.Hour),
		abac.WithRefresherLogger(logger.NewNullLogger()),
	)
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	ref.Start(ctx)
	defer ref.Stop(ctx)

	writer := abac.NewRepository(store, abac.WithChangeNotifier(ref))
	if _, err := writer.UpsertUser(ctx, abac.NewUser("erin").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	waitForRevision(t, ref, 2)
	if _, ok := ref.Snapshot().User("erin"); !ok {
		t.Fatalf("expected erin in the refreshed snapshot")
	}
}

type chanSubscriber chan [2]string

func (c chanSubscriber) Listen(ctx context.Context, fn func(kind, key string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c:
			fn(ev[0], ev[1])
		}
	}
}

func TestRefresherWatchesRemoteChanges(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()
	repo := abac.NewRepository(store)
	ref, err := abac.NewRefresher(ctx, repo, abac.WithRefreshInterval(time.Hour), abac.WithRefresherLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	sub := make(chanSubscriber)
	ref.Start(ctx)
	ref.Watch(ctx, sub)

	if _, err := repo.UpsertUser(ctx, abac.NewUser("fred").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sub <- [2]string{abac.KindUser, "fred"}
	waitForRevision(t, ref, 2)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ref.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestEngineFollowsRefresher(t *testing.T) {
	repo, _ := newRepo()
	ctx := context.Background()
	ref, err := abac.NewRefresher(ctx, repo, abac.WithRefresherLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	e, err := abac.NewEngine(ref, abac.WithLogger(logger.NewNullLogger()), abac.WithDecisionCache(1000, 100, time.Minute))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close(ctx)
	req := abac.Request{SubjectID: "u", ResourceType: "doc", Action: "read"}
	if dec, _ := e.Evaluate(ctx, req); dec.Allowed {
		t.Fatalf("expected default deny before any policy exists")
	}
	if _, err := repo.UpsertPolicy(ctx, abac.NewPolicy("open").For("doc", "read").Build()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := ref.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if dec, _ := e.Evaluate(ctx, req); !dec.Allowed {
		t.Fatalf("a new revision must not be served from the cache")
	}
	if e.Stats().Revision != 2 {
		t.Fatalf("expected stats to report revision 2")
	}
}
