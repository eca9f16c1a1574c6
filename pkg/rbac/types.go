package rbac

import (
	"fmt"
	"strings"
)

// Role is the name of a role in the hierarchy
type Role string

// Built-in role names, highest rank first
const (
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleDispatcher Role = "dispatcher"
	RoleTechnician Role = "technician"
	RoleCustomer   Role = "customer"
)

// Action represents an operation that can be performed on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Actions lists every action in canonical order
func Actions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}
}

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("unknown action: %q", s)
}

// Permission represents a specific permission (resource + action)
type Permission struct {
	Resource string `json:"resource" yaml:"resource"`
	Action   Action `json:"action" yaml:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return p.Resource + ":" + string(p.Action)
}

// ResourceRules holds the minimum role per action for a resource, plus optional
// per-field overrides
type ResourceRules struct {
	Operations map[Action]Role            `json:"operations" yaml:"operations"`
	Fields     map[string]map[Action]Role `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Matrix maps resource names to their permission rules
type Matrix map[string]ResourceRules

// Decision is the outcome of a permission evaluation
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	RequiredRole Role   `json:"required_role,omitempty"`
}
