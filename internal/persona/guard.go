package persona

import "github.com/ocx/sentrycore/internal/sentryerr"

// Context carries the per-invocation state InputGuard needs to evaluate
// local preconditions, alongside the acting persona for the RBAC check.
type Context struct {
	Persona Persona

	FieldLocked      bool
	FieldEmpty       bool
	AllowEmptySubmit bool

	UndoStackLen int
	RedoStackLen int
}

// InputGuard is deterministic and must be invoked on every action before
// any state mutation: it checks local preconditions first, then RBAC,
// so a precondition failure never leaks which personas could have
// performed the action.
type InputGuard struct{}

// NewInputGuard builds a guard. It holds no state; it exists as a type
// so callers can swap it for a test double.
func NewInputGuard() *InputGuard { return &InputGuard{} }

// Validate returns nil if action may proceed, or a structured error
// naming the rule that rejected it.
func (g *InputGuard) Validate(action Action, ctx Context) error {
	if err := g.localPrecondition(action, ctx); err != nil {
		return err
	}
	if !rbac(ctx.Persona, action.Kind) {
		return &sentryerr.PersonaDeniedError{
			Persona:  string(ctx.Persona),
			ActionID: string(action.Kind),
		}
	}
	return nil
}

func (g *InputGuard) localPrecondition(action Action, ctx Context) error {
	switch action.Kind {
	case SubmitInsight:
		if ctx.FieldLocked {
			return &guardError{rule: "submit_requires_unlocked_field"}
		}
		if ctx.FieldEmpty && !ctx.AllowEmptySubmit {
			return &guardError{rule: "submit_requires_nonempty_field"}
		}
	case Undo:
		if ctx.UndoStackLen == 0 {
			return &guardError{rule: "undo_requires_nonempty_stack"}
		}
	case Redo:
		if ctx.RedoStackLen == 0 {
			return &guardError{rule: "redo_requires_nonempty_stack"}
		}
	}
	return nil
}

// guardError names the local precondition rule that failed, distinct
// from PersonaDeniedError so callers can tell "wrong UI state" from
// "wrong role" apart.
type guardError struct{ rule string }

func (e *guardError) Error() string { return "guard rejected action: " + e.rule }
