package persona

import (
	"fmt"
	"sync"
	"time"

	"github.com/ocx/sentrycore/internal/confidence"
	"github.com/ocx/sentrycore/internal/conflict"
	"github.com/ocx/sentrycore/internal/rescache"
)

// EventKind classifies one entry in the kernel's event log.
type EventKind string

const (
	Submission        EventKind = "Submission"
	CacheStored        EventKind = "CacheStored"
	ConflictResolution EventKind = "ConflictResolution"
	Info               EventKind = "Info"
)

// Event is one record of something the kernel did while applying an
// action.
type Event struct {
	Kind   EventKind
	At     time.Time
	Detail string
}

// CommandLogEntry records that a persona performed an action,
// independent of whether it mutated anything. Used for audit/replay,
// not user-facing state.
type CommandLogEntry struct {
	Seq     int
	Persona Persona
	Action  ActionKind
	At      time.Time
}

// AuditSink receives persona audit events without this package
// importing the ledger package directly.
type AuditSink func(kind, actor, action, resource string, metadata map[string]string)

// auditKindConsent matches auditledger.KindConsent's label: persona-level
// actions are all user-intent (submit/resolve/invoke), never sandbox exec
// or supply-chain events.
const auditKindConsent = "consent"

// Result is returned by HandleAction: the events it recorded and the
// freshly recomputed confidence score.
type Result struct {
	Events     []Event
	Confidence confidence.Result
}

// Kernel maps StellarActions to calls into the resilience services,
// always after InputGuard clears them, never before.
type Kernel struct {
	guard      *InputGuard
	resolver   *conflict.Resolver
	calculator *confidence.Calculator
	cache      *rescache.Cache
	audit      AuditSink

	// DefaultPersona backfills Context.Persona when a caller (CLI/local
	// tooling) doesn't supply one. RBAC still fails closed if it names an
	// unrecognized role.
	DefaultPersona Persona

	mu         sync.Mutex
	nextSeq    int
	commandLog []CommandLogEntry
	events     []Event
	lastResult confidence.Result
}

// NewKernel wires the kernel to its backing services. cache may be nil
// (SubmitInsight then skips caching the suggestion).
func NewKernel(resolver *conflict.Resolver, calculator *confidence.Calculator, cache *rescache.Cache, audit AuditSink) *Kernel {
	if audit == nil {
		audit = func(string, string, string, string, map[string]string) {}
	}
	return &Kernel{guard: NewInputGuard(), resolver: resolver, calculator: calculator, cache: cache, audit: audit}
}

// HandleAction validates action via InputGuard, dispatches it, and
// recomputes confidence. A guard rejection returns its error with no
// events recorded, no command log entry, and no cache write. The
// rejection itself is never audited as a mutation.
func (k *Kernel) HandleAction(action Action, ctx Context) (Result, error) {
	if ctx.Persona == "" {
		ctx.Persona = k.DefaultPersona
	}
	if err := k.guard.Validate(action, ctx); err != nil {
		return Result{}, err
	}

	k.mu.Lock()
	k.nextSeq++
	k.commandLog = append(k.commandLog, CommandLogEntry{
		Seq: k.nextSeq, Persona: ctx.Persona, Action: action.Kind, At: time.Now(),
	})
	k.mu.Unlock()

	events, err := k.dispatch(action, ctx)
	if err != nil {
		return Result{}, err
	}

	k.mu.Lock()
	k.events = append(k.events, events...)
	k.mu.Unlock()

	result := k.recomputeConfidence(action, ctx)
	return Result{Events: events, Confidence: result}, nil
}

func (k *Kernel) dispatch(action Action, ctx Context) ([]Event, error) {
	switch action.Kind {
	case NavigateNextPane:
		return []Event{{Kind: Info, At: time.Now(), Detail: "navigated to next pane"}}, nil

	case SubmitInsight:
		events := []Event{{Kind: Submission, At: time.Now(), Detail: action.Text}}
		k.audit(auditKindConsent, string(ctx.Persona), "submission", "core:persona:insight", map[string]string{
			"text_length": fmt.Sprintf("%d", len(action.Text)),
		})
		if k.cache != nil && action.Text != "" {
			key := fmt.Sprintf("insight:%d", time.Now().UnixNano())
			if err := k.cache.Put(key, []byte(action.Text), 0); err == nil {
				events = append(events, Event{Kind: CacheStored, At: time.Now(), Detail: key})
			}
		}
		return events, nil

	case ResolveConflict:
		entry, err := k.resolver.ApplyDecision(action.ConflictID, conflict.Resolution(action.Decision), k.lastResult.Value)
		if err != nil {
			return nil, err
		}
		k.audit(auditKindConsent, string(ctx.Persona), "conflict_resolved", entry.ID, map[string]string{
			"resolution": string(entry.Resolution),
		})
		return []Event{{Kind: ConflictResolution, At: time.Now(), Detail: entry.ID + ":" + string(entry.Resolution)}}, nil

	case RunbookInvoke:
		k.audit(auditKindConsent, string(ctx.Persona), "runbook_invoked", action.RunbookID, map[string]string{})
		return []Event{{Kind: Info, At: time.Now(), Detail: "runbook invoked: " + action.RunbookID}}, nil

	case Undo, Redo:
		return []Event{{Kind: Info, At: time.Now(), Detail: string(action.Kind)}}, nil

	default:
		return nil, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// recomputeConfidence feeds the calculator signals drawn from observable
// kernel state: source trust drops while any conflict sits unresolved,
// schema validity drops while the insight field is locked, and freshness/
// telemetry alignment carry the previous score forward except where an
// action directly bears on them (a submission refreshes freshness, a
// resolution saturates user overrides). This mirrors recompute_confidence
// in the resolved Stellar state machine, adapted to the signals this
// kernel actually has wired (no cache-hit-ratio/prefetch-stats plumbing
// here yet, so freshness/telemetry_alignment still carry forward rather
// than derive from cache stats).
func (k *Kernel) recomputeConfidence(action Action, ctx Context) confidence.Result {
	k.mu.Lock()
	prev := k.lastResult
	k.mu.Unlock()

	sourceTrust := 0.9
	if k.resolver != nil && len(k.resolver.ListPending(-1)) > 0 {
		sourceTrust = 0.45
	}
	schemaValidity := 0.95
	if ctx.FieldLocked {
		schemaValidity = 0.6
	}

	in := confidence.Input{
		Freshness:          prev.Value,
		SourceTrust:        sourceTrust,
		SchemaValidity:     schemaValidity,
		TelemetryAlignment: prev.Value,
		UserOverrides:      prev.Value,
	}

	switch action.Kind {
	case SubmitInsight:
		in.Freshness = 1
	case ResolveConflict:
		in.UserOverrides = 1
	}

	result := k.calculator.Score(in)
	k.mu.Lock()
	k.lastResult = result
	k.mu.Unlock()
	return result
}

// Events returns a copy of the kernel's recorded event log.
func (k *Kernel) Events() []Event {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Event, len(k.events))
	copy(out, k.events)
	return out
}

// CommandLog returns a copy of the kernel's command log.
func (k *Kernel) CommandLog() []CommandLogEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]CommandLogEntry, len(k.commandLog))
	copy(out, k.commandLog)
	return out
}
