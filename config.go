package abac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete authored state plus engine settings.
type Config struct {
	Version                uint16                   `json:"version" yaml:"version"`
	Engine                 EngineConfig             `json:"engine" yaml:"engine"`
	ResourceDefinitions    []*ResourceDefinition    `json:"resource_definitions" yaml:"resource_definitions"`
	EnvironmentDefinitions []*EnvironmentDefinition `json:"environment_definitions" yaml:"environment_definitions"`
	// Roles may name their parent role by name in ParentID.
	Roles       []*Role            `json:"roles" yaml:"roles"`
	Users       []*User            `json:"users" yaml:"users"`
	Assignments []AssignmentConfig `json:"assignments" yaml:"assignments"`
	Policies    []*Policy          `json:"policies" yaml:"policies"`
}

// AssignmentConfig assigns a role to a user, both referred to by name.
type AssignmentConfig struct {
	User       string `json:"user" yaml:"user"`
	Role       string `json:"role" yaml:"role"`
	AssignedBy string `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
}

type EngineConfig struct {
	RefreshIntervalMs   int64 `json:"refresh_interval_ms" yaml:"refresh_interval_ms"`
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	AuditBuffer         int   `json:"audit_buffer" yaml:"audit_buffer"`
	AuditMaxRetries     int   `json:"audit_max_retries" yaml:"audit_max_retries"`
	AuditRetryBackoffMs int64 `json:"audit_retry_backoff_ms" yaml:"audit_retry_backoff_ms"`
	BatchWorkerCount    int   `json:"batch_worker_count" yaml:"batch_worker_count"`
}

// Options converts the settings into engine options. Zero values keep the defaults.
func (c EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if c.DecisionCacheTTL > 0 {
		opts = append(opts, WithDecisionCache(c.RistrettoNumCounter, c.RistrettoMaxCost, time.Duration(c.DecisionCacheTTL)*time.Millisecond))
	}
	if c.AuditBuffer > 0 {
		opts = append(opts, WithAuditBuffer(c.AuditBuffer))
	}
	if c.AuditMaxRetries > 0 || c.AuditRetryBackoffMs > 0 {
		opts = append(opts, WithAuditRetry(c.AuditMaxRetries, time.Duration(c.AuditRetryBackoffMs)*time.Millisecond))
	}
	if c.BatchWorkerCount > 0 {
		opts = append(opts, WithBatchWorkers(c.BatchWorkerCount))
	}
	return opts
}

func (c EngineConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// LoadFile picks the format from the extension: .json, otherwise YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isJSON(path) {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

// LoadSuiteFile reads a policy test suite in YAML or JSON.
func (l *ConfigLoader) LoadSuiteFile(path string) (*TestSuite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	suite := &TestSuite{}
	if isJSON(path) {
		err = json.Unmarshal(data, suite)
	} else {
		err = yaml.Unmarshal(data, suite)
	}
	if err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}
	return suite, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the config on its own, without a store: unique keys, compilable
// policies, resolvable role parents and assignments.
func (c *Config) Validate() error {
	var errs []error
	seen := func(kind string) func(string) {
		keys := make(map[string]struct{})
		return func(k string) {
			if k == "" {
				errs = append(errs, fmt.Errorf("%w: %s without key", ErrInvalidRecord, kind))
				return
			}
			if _, dup := keys[k]; dup {
				errs = append(errs, fmt.Errorf("%w: duplicate %s %s", ErrInvalidRecord, kind, k))
			}
			keys[k] = struct{}{}
		}
	}
	resKey, envKey, roleKey, userKey, polKey := seen(KindResourceDefinition), seen(KindEnvironmentDefinition), seen(KindRole), seen(KindUser), seen(KindPolicy)
	resDefs := nonNil(KindResourceDefinition, c.ResourceDefinitions, &errs)
	envDefs := nonNil(KindEnvironmentDefinition, c.EnvironmentDefinitions, &errs)
	cfgRoles := nonNil(KindRole, c.Roles, &errs)
	cfgUsers := nonNil(KindUser, c.Users, &errs)
	policies := nonNil(KindPolicy, c.Policies, &errs)
	for _, d := range resDefs {
		resKey(d.ResourceType)
		if err := validateDecls(d.ResourceType, d.Attributes); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range envDefs {
		envKey(d.Name)
		if err := validateDecls(d.Name, d.Attributes); err != nil {
			errs = append(errs, err)
		}
	}
	roles := make(map[string]*Role, len(cfgRoles))
	for _, r := range cfgRoles {
		roleKey(r.Name)
		roles[r.Name] = r
	}
	for _, r := range cfgRoles {
		if r.ParentID != "" && roles[r.ParentID] == nil {
			errs = append(errs, fmt.Errorf("%w: role %s has unknown parent %s", ErrInvalidRecord, r.Name, r.ParentID))
		}
	}
	byName := make([]*Role, 0, len(cfgRoles))
	for _, r := range cfgRoles {
		byName = append(byName, &Role{Meta: Meta{ID: r.Name}, Name: r.Name, ParentID: r.ParentID, IsActive: true})
	}
	for _, cyc := range NewRoleHierarchy(byName).Cycles() {
		errs = append(errs, cyc)
	}
	users := make(map[string]bool, len(cfgUsers))
	for _, u := range cfgUsers {
		userKey(u.Name)
		users[u.Name] = true
	}
	for _, a := range c.Assignments {
		if !users[a.User] {
			errs = append(errs, fmt.Errorf("%w: assignment to unknown user %s", ErrInvalidRecord, a.User))
		}
		if roles[a.Role] == nil {
			errs = append(errs, fmt.Errorf("%w: assignment of unknown role %s", ErrInvalidRecord, a.Role))
		}
	}
	for _, p := range policies {
		polKey(p.Name)
		if _, err := CompilePolicy(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyConfig upserts cfg into repo in dependency order: schemas, roles (parents
// first), users, assignments, policies. Re-applying the same config is a no-op.
func ApplyConfig(ctx context.Context, repo *Repository, cfg *Config) error {
	var errs []error
	nonNil(KindResourceDefinition, cfg.ResourceDefinitions, &errs)
	nonNil(KindEnvironmentDefinition, cfg.EnvironmentDefinitions, &errs)
	nonNil(KindRole, cfg.Roles, &errs)
	nonNil(KindUser, cfg.Users, &errs)
	nonNil(KindPolicy, cfg.Policies, &errs)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, d := range cfg.ResourceDefinitions {
		if _, err := repo.UpsertResourceDefinition(ctx, d); err != nil {
			return fmt.Errorf("apply resource definition %s: %w", d.ResourceType, err)
		}
	}
	for _, d := range cfg.EnvironmentDefinitions {
		if _, err := repo.UpsertEnvironmentDefinition(ctx, d); err != nil {
			return fmt.Errorf("apply environment definition %s: %w", d.Name, err)
		}
	}
	roleIDs, err := applyRoles(ctx, repo, cfg.Roles)
	if err != nil {
		return err
	}
	userIDs := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		stored, err := repo.UpsertUser(ctx, u)
		if err != nil {
			return fmt.Errorf("apply user %s: %w", u.Name, err)
		}
		userIDs[u.Name] = stored.ID
	}
	for _, a := range cfg.Assignments {
		uid, err := lookupID(userIDs, a.User, func(name string) (string, error) {
			u, err := repo.GetUser(ctx, name)
			if err != nil {
				return "", err
			}
			return u.ID, nil
		})
		if err != nil {
			return fmt.Errorf("apply assignment %s/%s: %w", a.User, a.Role, err)
		}
		rid, err := lookupID(roleIDs, a.Role, func(name string) (string, error) {
			r, err := repo.GetRole(ctx, name)
			if err != nil {
				return "", err
			}
			return r.ID, nil
		})
		if err != nil {
			return fmt.Errorf("apply assignment %s/%s: %w", a.User, a.Role, err)
		}
		if _, err := repo.AssignRole(ctx, uid, rid, a.AssignedBy); err != nil {
			return fmt.Errorf("apply assignment %s/%s: %w", a.User, a.Role, err)
		}
	}
	for _, p := range cfg.Policies {
		if _, err := repo.UpsertPolicy(ctx, p); err != nil {
			return fmt.Errorf("apply policy %s: %w", p.Name, err)
		}
	}
	return nil
}

// nonNil returns the non-nil entries of in and records an error for each nil one.
func nonNil[T any](kind string, in []*T, errs *[]error) []*T {
	out := make([]*T, 0, len(in))
	for i, v := range in {
		if v == nil {
			*errs = append(*errs, fmt.Errorf("%w: %s entry %d is empty", ErrInvalidRecord, kind, i))
			continue
		}
		out = append(out, v)
	}
	return out
}

func lookupID(known map[string]string, name string, fetch func(string) (string, error)) (string, error) {
	if id, ok := known[name]; ok {
		return id, nil
	}
	return fetch(name)
}

// applyRoles stores roles parents first. ParentID in the config names the parent role;
// it is rewritten to the stored parent id. Returns role ids by name.
func applyRoles(ctx context.Context, repo *Repository, roles []*Role) (map[string]string, error) {
	ids := make(map[string]string)
	existing, err := repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		ids[r.Name] = r.ID
	}
	pending := make(map[string]bool, len(roles))
	for _, r := range roles {
		pending[r.Name] = true
	}
	remaining := roles
	for len(remaining) > 0 {
		var next []*Role
		for _, r := range remaining {
			parent := r.ParentID
			if parent != "" && pending[parent] {
				next = append(next, r)
				continue
			}
			role := *r
			if parent != "" {
				if id, ok := ids[parent]; ok {
					role.ParentID = id
				}
			}
			stored, err := repo.UpsertRole(ctx, &role)
			if err != nil {
				return nil, fmt.Errorf("apply role %s: %w", r.Name, err)
			}
			ids[stored.Name] = stored.ID
			delete(pending, r.Name)
		}
		if len(next) == len(remaining) {
			names := make([]string, len(next))
			for i, r := range next {
				names[i] = r.Name
			}
			return nil, fmt.Errorf("%w: roles %s have unresolvable parents", ErrInvalidRecord, strings.Join(names, ", "))
		}
		remaining = next
	}
	return ids, nil
}

// ============================================================================
// DECODING DEFAULTS
// ============================================================================

// Authored records omit is_active more often than not; it defaults to true.

func (d *ResourceDefinition) UnmarshalJSON(b []byte) error {
	type plain ResourceDefinition
	p := plain{IsActive: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = ResourceDefinition(p)
	return nil
}

func (d *ResourceDefinition) UnmarshalYAML(n *yaml.Node) error {
	type plain ResourceDefinition
	p := plain{IsActive: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*d = ResourceDefinition(p)
	return nil
}

func (d *EnvironmentDefinition) UnmarshalJSON(b []byte) error {
	type plain EnvironmentDefinition
	p := plain{IsActive: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = EnvironmentDefinition(p)
	return nil
}

func (d *EnvironmentDefinition) UnmarshalYAML(n *yaml.Node) error {
	type plain EnvironmentDefinition
	p := plain{IsActive: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*d = EnvironmentDefinition(p)
	return nil
}

func (r *Role) UnmarshalJSON(b []byte) error {
	type plain Role
	p := plain{IsActive: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Role(p)
	return nil
}

func (r *Role) UnmarshalYAML(n *yaml.Node) error {
	type plain Role
	p := plain{IsActive: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = Role(p)
	return nil
}

func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	p := plain{IsActive: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*u = User(p)
	return nil
}

func (u *User) UnmarshalYAML(n *yaml.Node) error {
	type plain User
	p := plain{IsActive: true}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*u = User(p)
	return nil
}

// A policy without an effect permits.

func (p *Policy) UnmarshalJSON(b []byte) error {
	type plain Policy
	v := plain{Effect: EffectPermit}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Policy(v)
	return nil
}

func (p *Policy) UnmarshalYAML(n *yaml.Node) error {
	type plain Policy
	v := plain{Effect: EffectPermit}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = Policy(v)
	return nil
}

func (a *UserRoleAssignment) UnmarshalJSON(b []byte) error {
	type plain UserRoleAssignment
	p := plain{IsActive: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = UserRoleAssignment(p)
	return nil
}
