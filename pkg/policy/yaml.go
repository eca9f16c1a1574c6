package policy

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldops/pkg/apperrors"
)

// ErrMalformedPolicy is returned by Parse for values outside the five known shapes
var ErrMalformedPolicy = errors.New("malformed filter policy")

func malformed(reason string) error {
	return fmt.Errorf("%w: %w", ErrMalformedPolicy,
		apperrors.NewValidationError(apperrors.CodeMalformedPolicy, "", "%s", reason))
}

// Spec carries a Policy through YAML documents.
//
// Decoding never fails on a malformed shape: the policy becomes DenyAll and the
// parse error is kept in Err for the loader to report. A YAML null leaves the Spec
// at its zero value, which resolves to NoFilter.
type Spec struct {
	Policy Policy
	Err    error
}

// Resolve returns the decoded policy, treating an absent value as NoFilter
func (s Spec) Resolve() Policy {
	if s.Policy == nil {
		return NoFilter{}
	}
	return s.Policy
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Policy, s.Err = Parse(raw)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (s Spec) MarshalYAML() (interface{}, error) {
	return Raw(s.Policy), nil
}

// Raw returns the configuration form of a policy, the inverse of Parse
func Raw(p Policy) interface{} {
	switch v := p.(type) {
	case nil, NoFilter:
		return nil
	case DenyAll:
		return false
	case ParentDerived:
		return ParentMarker
	case FieldShorthand:
		return v.Column
	case FieldReference:
		return map[string]interface{}{"field": v.Column, "value": string(v.ContextKey)}
	default:
		return false
	}
}
