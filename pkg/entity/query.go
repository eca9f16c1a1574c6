package entity

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/lib/pq"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/metadata"
)

// Operator is a comparison used by a Filter
type Operator string

const (
	OpEq     Operator = "eq"
	OpNeq    Operator = "neq"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLike   Operator = "like"
	OpILike  Operator = "ilike"
	OpIn     Operator = "in"
	OpIsNull Operator = "isnull"
)

var comparisons = map[Operator]string{
	OpEq:    "=",
	OpNeq:   "<>",
	OpLt:    "<",
	OpLte:   "<=",
	OpGt:    ">",
	OpGte:   ">=",
	OpLike:  "LIKE",
	OpILike: "ILIKE",
}

// Paging limits for List
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Filter restricts List results on one filterable field.
// For OpIsNull, Value is a bool: true matches NULL, false matches NOT NULL.
// For OpIn, Value is a slice.
type Filter struct {
	Field string
	Op    Operator
	Value interface{}
}

// Sort orders List results on one sortable field
type Sort struct {
	Field string
	Desc  bool
}

// Query is the caller-controlled part of a List call
type Query struct {
	Filters []Filter
	Sort    []Sort
	Limit   int
	Offset  int
}

// fields returns every field the query reads, for permission checks
func (q Query) fields() []string {
	out := make([]string, 0, len(q.Filters)+len(q.Sort))
	for _, f := range q.Filters {
		out = append(out, f.Field)
	}
	for _, s := range q.Sort {
		out = append(out, s.Field)
	}
	return out
}

// page returns the effective limit and offset
func (q Query) page() (int, int, error) {
	if q.Limit < 0 {
		return 0, 0, apperrors.NewValidationError(apperrors.CodeInvalidValue, "limit", "limit must not be negative")
	}
	if q.Offset < 0 {
		return 0, 0, apperrors.NewValidationError(apperrors.CodeInvalidValue, "offset", "offset must not be negative")
	}
	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return limit, q.Offset, nil
}

// conditions renders the filters as SQL conditions bound to $1..$k
func conditions(e *metadata.Entity, filters []Filter) ([]string, []interface{}, error) {
	conds := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))

	for _, f := range filters {
		field, ok := e.Field(f.Field)
		if !ok || !field.Filterable {
			return nil, nil, apperrors.NewValidationError(apperrors.CodeUnknownFilterField, f.Field,
				"field is not filterable on %s", e.Name)
		}
		column := qualified(e, field.Name)

		switch f.Op {
		case OpIsNull:
			isNull, ok := f.Value.(bool)
			if !ok {
				return nil, nil, apperrors.NewValidationError(apperrors.CodeInvalidValue, f.Field, "isnull expects a boolean")
			}
			if isNull {
				conds = append(conds, column+" IS NULL")
			} else {
				conds = append(conds, column+" IS NOT NULL")
			}
		case OpIn:
			values, err := arrayValues(f.Value)
			if err != nil {
				return nil, nil, apperrors.NewValidationError(apperrors.CodeInvalidValue, f.Field, "%v", err)
			}
			args = append(args, pq.Array(values))
			conds = append(conds, fmt.Sprintf("%s = ANY($%d)", column, len(args)))
		default:
			op, ok := comparisons[f.Op]
			if !ok {
				return nil, nil, apperrors.NewValidationError(apperrors.CodeInvalidOperator, f.Field, "unsupported operator %q", f.Op)
			}
			if f.Value == nil {
				return nil, nil, apperrors.NewValidationError(apperrors.CodeInvalidValue, f.Field, "%s expects a value; use isnull for NULL", f.Op)
			}
			args = append(args, f.Value)
			conds = append(conds, fmt.Sprintf("%s %s $%d", column, op, len(args)))
		}
	}
	return conds, args, nil
}

// arrayValues converts the value of an in filter to text elements; Postgres
// casts them to the column type through the ANY comparison
func arrayValues(v interface{}) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		if len(vals) == 0 {
			return nil, fmt.Errorf("in expects at least one value")
		}
		return vals, nil
	case nil:
		return nil, fmt.Errorf("in expects a list of values")
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("in expects a list of values")
	}
	if rv.Len() == 0 {
		return nil, fmt.Errorf("in expects at least one value")
	}
	out := make([]string, rv.Len())
	for i := range out {
		elem := rv.Index(i).Interface()
		if elem == nil {
			return nil, fmt.Errorf("in does not accept NULL elements")
		}
		out[i] = fmt.Sprint(elem)
	}
	return out, nil
}

// orderBy renders the ORDER BY clause; results default to primary key order
func orderBy(e *metadata.Entity, sorts []Sort) (string, error) {
	if len(sorts) == 0 {
		return "ORDER BY " + qualified(e, e.PrimaryKey) + " ASC", nil
	}
	parts := make([]string, 0, len(sorts))
	for _, s := range sorts {
		field, ok := e.Field(s.Field)
		if !ok || !field.Sortable {
			return "", apperrors.NewValidationError(apperrors.CodeUnknownSortField, s.Field,
				"field is not sortable on %s", e.Name)
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, qualified(e, field.Name)+" "+dir)
	}
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

func qualified(e *metadata.Entity, column string) string {
	return e.TableName + "." + column
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
