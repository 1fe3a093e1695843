// Package persona implements the PersonaKernel, RBAC matrix, and
// InputGuard that sit in front of every mutating call into the exec,
// pipeline, and resilience services: action validation first, state
// mutation only after the guard clears it. The guard-before-handler
// idiom is a plain function-call gate rather than HTTP middleware,
// since the kernel has no transport of its own.
package persona

// ActionKind names one member of the closed StellarAction tagged
// variant. Each has a stable string id used by both the RBAC matrix and
// audit metadata.
type ActionKind string

const (
	NavigateNextPane ActionKind = "navigate_next_pane"
	SubmitInsight    ActionKind = "submit_insight"
	ResolveConflict  ActionKind = "resolve_conflict"
	RunbookInvoke    ActionKind = "runbook_invoke"
	Undo             ActionKind = "undo"
	Redo             ActionKind = "redo"
)

// Action is one dispatched StellarAction. Only the fields relevant to
// Kind are populated; this is Go's idiomatic stand-in for a tagged
// union (a single exhaustively-dispatched struct rather than an
// interface with empty marker methods, since every variant here is a
// flat bag of optional scalars).
type Action struct {
	Kind ActionKind

	// SubmitInsight
	Text string

	// ResolveConflict
	ConflictID string
	Decision   string // "UserAccepted" | "UserRejected"

	// RunbookInvoke
	RunbookID string
}
