package abac

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:                1,
			ResourceDefinitions:    []*ResourceDefinition{},
			EnvironmentDefinitions: []*EnvironmentDefinition{},
			Roles:                  []*Role{},
			Users:                  []*User{},
			Assignments:            []AssignmentConfig{},
			Policies:               []*Policy{},
			Engine: EngineConfig{
				RefreshIntervalMs:   30000,
				AuditBuffer:         1024,
				AuditMaxRetries:     3,
				AuditRetryBackoffMs: 10,
				BatchWorkerCount:    4,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

// AddResource declares a resource type with its attribute schema.
func (b *ConfigBuilder) AddResource(resourceType string, attrs ...AttributeDecl) *ConfigBuilder {
	b.cfg.ResourceDefinitions = append(b.cfg.ResourceDefinitions, &ResourceDefinition{
		ResourceType: resourceType,
		Attributes:   attrs,
		IsActive:     true,
	})
	return b
}

func (b *ConfigBuilder) AddEnvironment(name string, attrs ...AttributeDecl) *ConfigBuilder {
	b.cfg.EnvironmentDefinitions = append(b.cfg.EnvironmentDefinitions, &EnvironmentDefinition{
		Name:       name,
		Attributes: attrs,
		IsActive:   true,
	})
	return b
}

func (b *ConfigBuilder) AddRole(r *Role) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddUser(u *User) *ConfigBuilder {
	b.cfg.Users = append(b.cfg.Users, u)
	return b
}

// Assign gives the named user the named role.
func (b *ConfigBuilder) Assign(user, role string) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, AssignmentConfig{User: user, Role: role})
	return b
}

func (b *ConfigBuilder) AddPolicy(p *Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// Attr declares a schema attribute.
func Attr(name string, typ AttributeType) AttributeDecl {
	return AttributeDecl{Name: name, Type: typ}
}

// WithDefault returns d with a default value.
func (d AttributeDecl) WithDefault(v any) AttributeDecl { d.Default = v; return d }

// WithEnum returns d restricted to values.
func (d AttributeDecl) WithEnum(values ...any) AttributeDecl { d.Enum = values; return d }

// AsRequired marks d as required.
func (d AttributeDecl) AsRequired() AttributeDecl { d.Required = true; return d }
