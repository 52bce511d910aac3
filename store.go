package abac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/abac/logger"
)

// Record kinds persisted by a RecordStore.
const (
	KindPolicy                = "policy"
	KindResourceDefinition    = "resource_definition"
	KindEnvironmentDefinition = "environment_definition"
	KindRole                  = "role"
	KindUser                  = "user"
	KindAssignment            = "assignment"
)

// Record is one versioned, JSON-encoded authored object.
type Record struct {
	Kind      string
	Key       string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// RecordStore is the persistence contract behind the Repository.
// Put is a compare-and-swap: it succeeds only when the stored version equals
// expectedVersion (0 meaning the record must not exist yet) and returns the new version.
type RecordStore interface {
	Get(ctx context.Context, kind, key string) (*Record, error)
	Put(ctx context.Context, kind, key string, data []byte, expectedVersion int64) (int64, error)
	List(ctx context.Context, kind string) ([]*Record, error)
}

// ChangeNotifier is told about every successful authoring write.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, kind, key string) error
}

// ChangeSubscriber delivers change notifications published elsewhere.
// Listen blocks until ctx is done or the subscription fails.
type ChangeSubscriber interface {
	Listen(ctx context.Context, fn func(kind, key string)) error
}

// ============================================================================
// REPOSITORY
// ============================================================================

// Repository is the typed authoring API over a RecordStore. Upserts are keyed by
// the natural unique key of each kind and are idempotent.
type Repository struct {
	store     RecordStore
	notifiers []ChangeNotifier
	logger    logger.Logger
	now       func() time.Time
}

type RepositoryOption func(*Repository)

// WithChangeNotifier registers n to be called after each successful write.
func WithChangeNotifier(n ChangeNotifier) RepositoryOption {
	return func(r *Repository) {
		if n != nil {
			r.notifiers = append(r.notifiers, n)
		}
	}
}

func WithRepositoryLogger(l logger.Logger) RepositoryOption {
	return func(r *Repository) { r.logger = l }
}

func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

func NewRepository(store RecordStore, opts ...RepositoryOption) *Repository {
	r := &Repository{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrDefault(r.logger)
	return r
}

// Store returns the underlying record store.
func (r *Repository) Store() RecordStore { return r.store }

type record interface {
	meta() *Meta
	recordKey() string
}

func decode[T any, PT interface {
	*T
	record
}](rec *Record) (PT, error) {
	v := PT(new(T))
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", rec.Kind, rec.Key, err)
	}
	v.meta().Version = rec.Version
	return v, nil
}

func get[T any, PT interface {
	*T
	record
}](ctx context.Context, r *Repository, kind, key string) (PT, error) {
	rec, err := r.store.Get(ctx, kind, key)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, key, err)
	}
	return decode[T, PT](rec)
}

func list[T any, PT interface {
	*T
	record
}](ctx context.Context, r *Repository, kind string) ([]PT, error) {
	recs, err := r.store.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	out := make([]PT, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T, PT](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// sameContent compares two records ignoring their Meta.
func sameContent[T any, PT interface {
	*T
	record
}](a, b PT) bool {
	ca, cb := *a, *b
	*PT(&ca).meta() = Meta{}
	*PT(&cb).meta() = Meta{}
	ja, errA := json.Marshal(PT(&ca))
	jb, errB := json.Marshal(PT(&cb))
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// upsert writes v under its key. A caller-supplied Version must match the stored one.
// Version 0 writes against whatever is stored, still through compare-and-swap.
// The input is not modified; the stored form is returned.
func upsert[T any, PT interface {
	*T
	record
}](ctx context.Context, r *Repository, kind string, v PT) (PT, error) {
	key := v.recordKey()
	if key == "" {
		return nil, fmt.Errorf("%w: %s without key", ErrInvalidRecord, kind)
	}
	want := v.meta().Version

	var stored PT
	var expected int64
	rec, err := r.store.Get(ctx, kind, key)
	switch {
	case errors.Is(err, ErrNotFound):
		if want > 0 {
			return nil, fmt.Errorf("%w: %s %s does not exist, got version %d", ErrVersionConflict, kind, key, want)
		}
	case err != nil:
		return nil, fmt.Errorf("get %s %s: %w", kind, key, err)
	default:
		if stored, err = decode[T, PT](rec); err != nil {
			return nil, err
		}
		expected = rec.Version
		if want > 0 && want != expected {
			return nil, fmt.Errorf("%w: %s %s is at version %d, got %d", ErrVersionConflict, kind, key, expected, want)
		}
	}

	next := new(T)
	*next = *v
	out := PT(next)
	m := out.meta()
	now := r.now().UTC()
	if stored != nil {
		sm := stored.meta()
		m.ID = sm.ID
		m.CreatedAt = sm.CreatedAt
		if sameContent[T, PT](stored, out) {
			r.logger.Debug("upsert unchanged", "kind", kind, "key", key, "version", expected)
			return stored, nil
		}
	} else {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 0

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", kind, key, err)
	}
	version, err := r.store.Put(ctx, kind, key, data, expected)
	if err != nil {
		return nil, fmt.Errorf("put %s %s: %w", kind, key, err)
	}
	m.Version = version
	r.logger.Info("record upserted", "kind", kind, "key", key, "version", version)
	r.notify(ctx, kind, key)
	return out, nil
}

func (r *Repository) notify(ctx context.Context, kind, key string) {
	for _, n := range r.notifiers {
		if err := n.NotifyChange(ctx, kind, key); err != nil {
			r.logger.Error("change notification failed", "kind", kind, "key", key, "error", err)
		}
	}
}

// ============================================================================
// POLICIES
// ============================================================================

// UpsertPolicy stores p keyed by name. A policy that does not compile is rejected.
func (r *Repository) UpsertPolicy(ctx context.Context, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	cp := *p
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	if _, err := CompilePolicy(&cp); err != nil {
		return nil, err
	}
	return upsert(ctx, r, KindPolicy, &cp)
}

func (r *Repository) GetPolicy(ctx context.Context, name string) (*Policy, error) {
	return get[Policy](ctx, r, KindPolicy, name)
}

func (r *Repository) ListPolicies(ctx context.Context) ([]*Policy, error) {
	return list[Policy](ctx, r, KindPolicy)
}

func (r *Repository) DeactivatePolicy(ctx context.Context, name string) (*Policy, error) {
	p, err := r.GetPolicy(ctx, name)
	if err != nil {
		return nil, err
	}
	p.Status = StatusInactive
	return upsert(ctx, r, KindPolicy, p)
}

// ============================================================================
// SCHEMAS
// ============================================================================

func validateDecls(owner string, decls []AttributeDecl) error {
	seen := make(map[string]struct{}, len(decls))
	for _, d := range decls {
		if d.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed attribute", ErrInvalidRecord, owner)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: %s declares %s twice", ErrInvalidRecord, owner, d.Name)
		}
		seen[d.Name] = struct{}{}
		if !d.Type.Valid() {
			return fmt.Errorf("%w: %s.%s has unknown type %q", ErrInvalidRecord, owner, d.Name, d.Type)
		}
		if d.Default != nil && len(d.Enum) > 0 && !inDomain(d.Default, d.Enum) {
			return fmt.Errorf("%w: %s.%s default is outside its enum", ErrInvalidRecord, owner, d.Name)
		}
	}
	return nil
}

func (r *Repository) UpsertResourceDefinition(ctx context.Context, d *ResourceDefinition) (*ResourceDefinition, error) {
	if d == nil || d.ResourceType == "" {
		return nil, fmt.Errorf("%w: resource definition needs a resource type", ErrInvalidRecord)
	}
	if err := validateDecls(d.ResourceType, d.Attributes); err != nil {
		return nil, err
	}
	return upsert(ctx, r, KindResourceDefinition, d)
}

func (r *Repository) ListResourceDefinitions(ctx context.Context) ([]*ResourceDefinition, error) {
	return list[ResourceDefinition](ctx, r, KindResourceDefinition)
}

func (r *Repository) DeactivateResourceDefinition(ctx context.Context, resourceType string) (*ResourceDefinition, error) {
	d, err := get[ResourceDefinition](ctx, r, KindResourceDefinition, resourceType)
	if err != nil {
		return nil, err
	}
	d.IsActive = false
	return upsert(ctx, r, KindResourceDefinition, d)
}

func (r *Repository) UpsertEnvironmentDefinition(ctx context.Context, d *EnvironmentDefinition) (*EnvironmentDefinition, error) {
	if d == nil || d.Name == "" {
		return nil, fmt.Errorf("%w: environment definition needs a name", ErrInvalidRecord)
	}
	if err := validateDecls(d.Name, d.Attributes); err != nil {
		return nil, err
	}
	return upsert(ctx, r, KindEnvironmentDefinition, d)
}

func (r *Repository) ListEnvironmentDefinitions(ctx context.Context) ([]*EnvironmentDefinition, error) {
	return list[EnvironmentDefinition](ctx, r, KindEnvironmentDefinition)
}

func (r *Repository) DeactivateEnvironmentDefinition(ctx context.Context, name string) (*EnvironmentDefinition, error) {
	d, err := get[EnvironmentDefinition](ctx, r, KindEnvironmentDefinition, name)
	if err != nil {
		return nil, err
	}
	d.IsActive = false
	return upsert(ctx, r, KindEnvironmentDefinition, d)
}

// ============================================================================
// ROLES, USERS, ASSIGNMENTS
// ============================================================================

// UpsertRole stores role keyed by name. ParentID must name an existing role id and
// must not close a cycle.
func (r *Repository) UpsertRole(ctx context.Context, role *Role) (*Role, error) {
	if role == nil || role.Name == "" {
		return nil, fmt.Errorf("%w: role needs a name", ErrInvalidRecord)
	}
	roles, err := r.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	id := role.ID
	parentFound := false
	for _, ex := range roles {
		if ex.Name == role.Name {
			id = ex.ID
		}
		if ex.ID == role.ParentID {
			parentFound = true
		}
	}
	if role.ParentID != "" {
		if !parentFound && role.ParentID != id {
			return nil, fmt.Errorf("%w: parent role %s of %s not found", ErrInvalidRecord, role.ParentID, role.Name)
		}
		if err := CheckRoleParent(roles, id, role.ParentID); err != nil {
			return nil, err
		}
	}
	cp := *role
	cp.Level, cp.Path = 0, ""
	return upsert(ctx, r, KindRole, &cp)
}

func (r *Repository) GetRole(ctx context.Context, name string) (*Role, error) {
	return get[Role](ctx, r, KindRole, name)
}

func (r *Repository) ListRoles(ctx context.Context) ([]*Role, error) {
	return list[Role](ctx, r, KindRole)
}

func (r *Repository) DeactivateRole(ctx context.Context, name string) (*Role, error) {
	role, err := r.GetRole(ctx, name)
	if err != nil {
		return nil, err
	}
	role.IsActive = false
	return upsert(ctx, r, KindRole, role)
}

func (r *Repository) UpsertUser(ctx context.Context, u *User) (*User, error) {
	if u == nil || u.Name == "" {
		return nil, fmt.Errorf("%w: user needs a name", ErrInvalidRecord)
	}
	return upsert(ctx, r, KindUser, u)
}

func (r *Repository) GetUser(ctx context.Context, name string) (*User, error) {
	return get[User](ctx, r, KindUser, name)
}

func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	return list[User](ctx, r, KindUser)
}

func (r *Repository) DeactivateUser(ctx context.Context, name string) (*User, error) {
	u, err := r.GetUser(ctx, name)
	if err != nil {
		return nil, err
	}
	u.IsActive = false
	return upsert(ctx, r, KindUser, u)
}

// AssignRole activates the (userID, roleID) assignment, creating it when needed.
// Both ids must refer to stored records.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID, assignedBy string) (*UserRoleAssignment, error) {
	if err := r.requireIDs(ctx, userID, roleID); err != nil {
		return nil, err
	}
	a := &UserRoleAssignment{UserID: userID, RoleID: roleID, IsActive: true, AssignedBy: assignedBy, AssignedAt: r.now().UTC()}
	cur, err := get[UserRoleAssignment](ctx, r, KindAssignment, assignmentKey(userID, roleID))
	switch {
	case err == nil:
		if cur.IsActive && cur.AssignedBy == assignedBy {
			return cur, nil
		}
		a.Meta = cur.Meta
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return upsert(ctx, r, KindAssignment, a)
}

// DeactivateAssignment soft-deletes an assignment. It stays in the store for audit.
func (r *Repository) DeactivateAssignment(ctx context.Context, userID, roleID string) (*UserRoleAssignment, error) {
	a, err := get[UserRoleAssignment](ctx, r, KindAssignment, assignmentKey(userID, roleID))
	if err != nil {
		return nil, err
	}
	a.IsActive = false
	return upsert(ctx, r, KindAssignment, a)
}

func (r *Repository) ListAssignments(ctx context.Context) ([]*UserRoleAssignment, error) {
	return list[UserRoleAssignment](ctx, r, KindAssignment)
}

func (r *Repository) requireIDs(ctx context.Context, userID, roleID string) error {
	users, err := r.ListUsers(ctx)
	if err != nil {
		return err
	}
	roles, err := r.ListRoles(ctx)
	if err != nil {
		return err
	}
	if !containsID(users, userID) {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if !containsID(roles, roleID) {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return nil
}

func containsID[PT record](items []PT, id string) bool {
	for _, it := range items {
		if it.meta().ID == id {
			return true
		}
	}
	return false
}

// Load reads everything a snapshot is built from.
func (r *Repository) Load(ctx context.Context) (SnapshotData, error) {
	var (
		data SnapshotData
		err  error
	)
	if data.Policies, err = r.ListPolicies(ctx); err != nil {
		return data, err
	}
	if data.ResourceDefinitions, err = r.ListResourceDefinitions(ctx); err != nil {
		return data, err
	}
	if data.EnvironmentDefinitions, err = r.ListEnvironmentDefinitions(ctx); err != nil {
		return data, err
	}
	if data.Roles, err = r.ListRoles(ctx); err != nil {
		return data, err
	}
	if data.Users, err = r.ListUsers(ctx); err != nil {
		return data, err
	}
	if data.Assignments, err = r.ListAssignments(ctx); err != nil {
		return data, err
	}
	return data, nil
}
