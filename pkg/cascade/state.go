package cascade

import "strings"

// State is a step of the delete state machine
type State string

const (
	StateBegin             State = "BEGIN"
	StateFetch             State = "FETCH"
	StateNotFound          State = "NOT_FOUND"
	StateProtected         State = "PROTECTED"
	StateHook              State = "HOOK"
	StateCascadeDependents State = "CASCADE_DEPENDENTS"
	StateCascadeAudit      State = "CASCADE_AUDIT"
	StateDeleteTarget      State = "DELETE_TARGET"
	StateCommit            State = "COMMIT"
	StateRollback          State = "ROLLBACK"
)

// Trail is the ordered list of states one delete passed through
type Trail []State

// Last returns the final state, or "" for an empty trail
func (t Trail) Last() State {
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

// Outcome labels the trail for metrics: COMMIT, PROTECTED, NOT_FOUND or ROLLBACK
func (t Trail) Outcome() string {
	for _, s := range t {
		switch s {
		case StateProtected, StateNotFound:
			return string(s)
		}
	}
	if last := t.Last(); last != "" {
		return string(last)
	}
	return string(StateRollback)
}

func (t Trail) String() string {
	parts := make([]string, len(t))
	for i, s := range t {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}
