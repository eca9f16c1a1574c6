package metadata

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
)

//go:embed default.yaml
var defaultRegistry []byte

// document is the on-disk layout of a registry file
type document struct {
	Hierarchy []rbac.Role               `yaml:"hierarchy,omitempty"`
	Entities  map[string]entityDocument `yaml:"entities"`
}

type entityDocument struct {
	Table           string                     `yaml:"table"`
	PrimaryKey      string                     `yaml:"primaryKey"`
	Fields          []Field                    `yaml:"fields"`
	Relationships   []Relationship             `yaml:"relationships,omitempty"`
	RLS             map[rbac.Role]*policy.Spec `yaml:"rls,omitempty"`
	Permissions     map[rbac.Action]rbac.Role  `yaml:"permissions"`
	Dependents      []Dependent                `yaml:"dependents,omitempty"`
	SystemProtected *SystemProtection          `yaml:"systemProtected,omitempty"`
}

// Load reads a registry from YAML.
//
// Malformed row policies do not fail the load: they become DenyAll and are reported
// through Registry.Warnings.
func Load(r io.Reader) (*Registry, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode metadata registry: %w", err)
	}

	hierarchy := rbac.DefaultHierarchy()
	if len(doc.Hierarchy) > 0 {
		h, err := rbac.NewHierarchy(doc.Hierarchy...)
		if err != nil {
			return nil, fmt.Errorf("invalid role hierarchy: %w", err)
		}
		hierarchy = h
	}

	var warnings []error
	entities := make([]*Entity, 0, len(doc.Entities))
	for name, ed := range doc.Entities {
		e := &Entity{
			Name:            name,
			TableName:       ed.Table,
			PrimaryKey:      ed.PrimaryKey,
			Fields:          ed.Fields,
			Relationships:   ed.Relationships,
			Permissions:     ed.Permissions,
			Dependents:      ed.Dependents,
			SystemProtected: ed.SystemProtected,
		}
		if e.TableName == "" {
			e.TableName = name
		}
		if e.PrimaryKey == "" {
			e.PrimaryKey = "id"
		}
		if ed.RLS != nil {
			e.RLS = make(map[rbac.Role]policy.Policy, len(ed.RLS))
			for role, spec := range ed.RLS {
				// a YAML null never reaches UnmarshalYAML
				if spec == nil {
					e.RLS[role] = policy.NoFilter{}
					continue
				}
				if spec.Err != nil {
					warnings = append(warnings, fmt.Errorf("%s: row policy for role %s: %w", name, role, spec.Err))
				}
				e.RLS[role] = spec.Resolve()
			}
		}
		entities = append(entities, e)
	}

	reg, err := NewRegistry(hierarchy, entities...)
	if err != nil {
		return nil, err
	}
	reg.warnings = warnings
	return reg, nil
}

// LoadFile reads a registry from a YAML file
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata registry: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in field-service registry
func Default() *Registry {
	reg, err := Load(bytes.NewReader(defaultRegistry))
	if err != nil {
		panic(fmt.Sprintf("metadata: built-in registry is invalid: %v", err))
	}
	return reg
}
