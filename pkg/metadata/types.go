package metadata

import (
	"fmt"

	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
)

// FieldType is the semantic type of a field
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeText      FieldType = "text"
	TypeInteger   FieldType = "integer"
	TypeDecimal   FieldType = "decimal"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeDate      FieldType = "date"
	TypeEmail     FieldType = "email"
	TypeEnum      FieldType = "enum"
	TypeJSON      FieldType = "json"
	TypeUUID      FieldType = "uuid"
)

// RelationshipKind describes how two entities relate
type RelationshipKind string

const (
	BelongsTo RelationshipKind = "belongs_to"
	HasMany   RelationshipKind = "has_many"
)

// Field describes one column of an entity
type Field struct {
	Name       string    `yaml:"name"`
	Type       FieldType `yaml:"type"`
	Required   bool      `yaml:"required,omitempty"`
	Filterable bool      `yaml:"filterable,omitempty"`
	Sortable   bool      `yaml:"sortable,omitempty"`
	ReadOnly   bool      `yaml:"readOnly,omitempty"`
	Sensitive  bool      `yaml:"sensitive,omitempty"`
	Values     []string  `yaml:"values,omitempty"`

	// ReadRole and WriteRole override the entity permissions for this field
	ReadRole  rbac.Role `yaml:"readRole,omitempty"`
	WriteRole rbac.Role `yaml:"writeRole,omitempty"`
}

// Relationship links an entity to another through a foreign key
type Relationship struct {
	Name       string           `yaml:"name"`
	Kind       RelationshipKind `yaml:"kind"`
	Entity     string           `yaml:"entity"`
	ForeignKey string           `yaml:"foreignKey"`
	Fields     []string         `yaml:"fields,omitempty"`
}

// Polymorphic identifies rows of a shared table that belong to one entity type
type Polymorphic struct {
	TypeColumn string `yaml:"typeColumn"`
	TypeValue  string `yaml:"typeValue"`
}

// Dependent is a table whose rows are removed together with the parent row
type Dependent struct {
	Table       string       `yaml:"table"`
	ForeignKey  string       `yaml:"foreignKey"`
	Polymorphic *Polymorphic `yaml:"polymorphic,omitempty"`

	// Audit marks audit-history rows; they are removed after the other dependents
	Audit bool `yaml:"audit,omitempty"`
}

// SystemProtection guards built-in rows such as system roles
type SystemProtection struct {
	Field           string   `yaml:"field"`
	ProtectedValues []string `yaml:"values"`
	PreventDelete   bool     `yaml:"preventDelete"`
	Immutable       bool     `yaml:"immutable,omitempty"`
}

// Protects reports whether value is one of the protected values
func (p *SystemProtection) Protects(value interface{}) bool {
	if p == nil || value == nil {
		return false
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	for _, pv := range p.ProtectedValues {
		if pv == s {
			return true
		}
	}
	return false
}

// Entity is the static description of one business entity
type Entity struct {
	Name          string
	TableName     string
	PrimaryKey    string
	Fields        []Field
	Relationships []Relationship

	// RLS maps roles to row filters. A nil map means the entity is not row-filtered.
	RLS map[rbac.Role]policy.Policy

	Permissions     map[rbac.Action]rbac.Role
	Dependents      []Dependent
	SystemProtected *SystemProtection
}

// Field returns the named field definition
func (e *Entity) Field(name string) (*Field, bool) {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// FieldNames returns field names in declaration order
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// HasRLS reports whether the entity declares row-level policies
func (e *Entity) HasRLS() bool {
	return e.RLS != nil
}

// Relationship returns the named relationship
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	for i := range e.Relationships {
		if e.Relationships[i].Name == name {
			return &e.Relationships[i], true
		}
	}
	return nil, false
}
