// Package rls compiles row-level security policies into parameterized SQL fragments.
//
// Compilation is a pure function of its inputs. Every branch that cannot produce an
// ownership filter denies with "1=0"; no branch widens access.
package rls

import (
	"fmt"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/policy"
)

// DenyClause is the fragment that matches no row
const DenyClause = "1=0"

// FilterResult is the output of one compilation
type FilterResult struct {
	// Clause is a SQL boolean expression, empty when no filter applies
	Clause string
	// Params are bound to $offset+1, $offset+2, ...
	Params []interface{}
	// Applied is false only when no security context was available
	Applied bool
	// NoFilter is true when the policy explicitly allows all rows
	NoFilter bool
}

// Where renders the clause as a WHERE expression, or "" when there is no clause
func (r FilterResult) Where() string {
	if r.Clause == "" {
		return ""
	}
	return "WHERE " + r.Clause
}

func deny() FilterResult {
	return FilterResult{Clause: DenyClause, Params: []interface{}{}, Applied: true}
}

// Compile turns the policy carried by sc into a filter on entity's table.
// Placeholders start at $offset+1.
func Compile(sc *SecurityContext, entity *metadata.Entity, offset int) FilterResult {
	if sc == nil {
		return FilterResult{Params: []interface{}{}, Applied: false}
	}
	if offset < 0 {
		offset = 0
	}

	switch p := sc.EffectivePolicy().(type) {
	case policy.NoFilter:
		return FilterResult{Params: []interface{}{}, Applied: true, NoFilter: true}
	case policy.DenyAll:
		return deny()
	case policy.ParentDerived:
		// must be resolved through the parent entity before reaching here
		return deny()
	case policy.FieldShorthand:
		return compileReference(sc, entity, policy.FieldReference{Column: p.Column, ContextKey: policy.ContextUserID}, offset)
	case policy.FieldReference:
		return compileReference(sc, entity, p, offset)
	default:
		return deny()
	}
}

// CompileForFindByID is Compile with the first placeholder after the primary key ($1)
func CompileForFindByID(sc *SecurityContext, entity *metadata.Entity) FilterResult {
	return Compile(sc, entity, 1)
}

func compileReference(sc *SecurityContext, entity *metadata.Entity, ref policy.FieldReference, offset int) FilterResult {
	if !policy.IsIdentifier(ref.Column) {
		return deny()
	}
	value, ok := sc.Value(ref.ContextKey)
	if !ok {
		return deny()
	}
	return FilterResult{
		Clause:  fmt.Sprintf("%s = $%d", qualify(entity, ref.Column), offset+1),
		Params:  []interface{}{value},
		Applied: true,
	}
}

func qualify(entity *metadata.Entity, column string) string {
	if entity == nil || entity.TableName == "" {
		return column
	}
	return entity.TableName + "." + column
}

// ValidateApplied fails when sc requires row filtering and applied is false.
// A missing context or a NoFilter policy requires nothing.
func ValidateApplied(sc *SecurityContext, applied bool) error {
	if sc == nil || applied {
		return nil
	}
	if _, ok := sc.EffectivePolicy().(policy.NoFilter); ok {
		return nil
	}
	return apperrors.NewValidationError(apperrors.CodeRLSNotApplied, "",
		"row-level security required for %s (%s) but not applied", sc.Resource, policy.Describe(sc.Policy))
}
