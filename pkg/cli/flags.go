package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldops/fieldops/pkg/entity"
	"github.com/fieldops/fieldops/pkg/rbac"
	"github.com/fieldops/fieldops/pkg/rls"
)

// stringList is a repeatable string flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// callerFlags names the identity a data command acts as
type callerFlags struct {
	userID            int64
	role              string
	customerProfile   int64
	technicianProfile int64
}

func addCallerFlags(fs *flag.FlagSet) *callerFlags {
	c := &callerFlags{}
	fs.Int64Var(&c.userID, "as-user", 0, "Acting user id")
	fs.StringVar(&c.role, "as-role", "", "Acting role")
	fs.Int64Var(&c.customerProfile, "customer-profile", 0, "Customer profile id of the acting user")
	fs.Int64Var(&c.technicianProfile, "technician-profile", 0, "Technician profile id of the acting user")
	return c
}

func (c *callerFlags) identity(hierarchy *rbac.Hierarchy) (rls.Identity, error) {
	if c.role == "" {
		return rls.Identity{}, errors.New("-as-role is required")
	}
	role := rbac.Role(c.role)
	if !hierarchy.Contains(role) {
		return rls.Identity{}, fmt.Errorf("unknown role %q", c.role)
	}
	id := rls.Identity{UserID: c.userID, Role: role}
	if c.customerProfile > 0 {
		v := c.customerProfile
		id.CustomerProfileID = &v
	}
	if c.technicianProfile > 0 {
		v := c.technicianProfile
		id.TechnicianProfileID = &v
	}
	return id, nil
}

// parseFilter reads field[:op]=value. The in operator takes a comma-separated
// list and isnull takes a bool.
func parseFilter(s string) (entity.Filter, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return entity.Filter{}, fmt.Errorf("filter %q must look like field[:op]=value", s)
	}
	field, op, hasOp := strings.Cut(key, ":")
	f := entity.Filter{Field: field, Op: entity.OpEq, Value: value}
	if hasOp {
		f.Op = entity.Operator(strings.ToLower(op))
	}

	switch f.Op {
	case entity.OpIn:
		f.Value = strings.Split(value, ",")
	case entity.OpIsNull:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return entity.Filter{}, fmt.Errorf("filter %q: isnull takes true or false", s)
		}
		f.Value = b
	}
	return f, nil
}

// parseSort reads field or field:desc
func parseSort(s string) (entity.Sort, error) {
	field, dir, _ := strings.Cut(s, ":")
	if field == "" {
		return entity.Sort{}, fmt.Errorf("sort %q has no field", s)
	}
	switch strings.ToLower(dir) {
	case "", "asc":
		return entity.Sort{Field: field}, nil
	case "desc":
		return entity.Sort{Field: field, Desc: true}, nil
	default:
		return entity.Sort{}, fmt.Errorf("sort %q: direction must be asc or desc", s)
	}
}

// parseID keeps numeric keys numeric so they bind as integers
func parseID(s string) (interface{}, error) {
	if s == "" {
		return nil, errors.New("-id is required")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return s, nil
}

// parseData decodes a JSON object of column values
func parseData(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, errors.New("-data is required")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var values map[string]interface{}
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("invalid -data: %w", err)
	}
	for k, v := range values {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				values[k] = i
			} else {
				values[k] = n.String()
			}
		}
	}
	return values, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
