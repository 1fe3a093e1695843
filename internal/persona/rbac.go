package persona

// Persona is a role label gating which actions a kernel invocation may
// perform.
type Persona string

const (
	Sre              Persona = "sre"
	SecOps           Persona = "sec_ops"
	PlatformEngineer Persona = "platform_engineer"
	Operator         Persona = "operator"
	AssistiveBridge  Persona = "assistive_bridge"
	PartnerDeveloper Persona = "partner_developer"
)

// deniedActions lists, per persona, the actions that matrix excludes.
// Personas not listed here (Sre, SecOps, PlatformEngineer) may perform
// every action. A persona absent from this map AND not one of the
// full-access roles is unrecognized and denied everything. rbac fails
// closed on an unknown persona rather than defaulting to allow.
var deniedActions = map[Persona]map[ActionKind]bool{
	Operator:        {ResolveConflict: true},
	AssistiveBridge: {ResolveConflict: true},
	PartnerDeveloper: {
		RunbookInvoke:   true,
		ResolveConflict: true,
	},
}

var fullAccessPersonas = map[Persona]bool{
	Sre:              true,
	SecOps:           true,
	PlatformEngineer: true,
}

// rbac is the pure (persona, action id) -> allowed predicate the guard
// consults before any state mutation.
func rbac(p Persona, action ActionKind) bool {
	if fullAccessPersonas[p] {
		return true
	}
	denied, known := deniedActions[p]
	if !known {
		return false
	}
	return !denied[action]
}
