package catalog

// Action is the wire name of a permission action. The names are Spanish
// because admin clients and stored grants use them verbatim.
type Action string

const (
	ActionView       Action = "ver"
	ActionCreate     Action = "crear"
	ActionEdit       Action = "editar"
	ActionDelete     Action = "eliminar"
	ActionDeactivate Action = "desactivar"
	ActionGenerate   Action = "generar"
)

// StandardActions lists the six well-known actions in display order
var StandardActions = []Action{
	ActionView, ActionCreate, ActionEdit, ActionDelete, ActionDeactivate, ActionGenerate,
}

// IsStandard reports whether a is one of the six well-known actions
func (a Action) IsStandard() bool {
	for _, s := range StandardActions {
		if a == s {
			return true
		}
	}
	return false
}

// Kind distinguishes modules from submodules when resolving defaults
type Kind string

const (
	KindModule    Kind = "modulo"
	KindSubmodule Kind = "submodulo"
)

// Well-known module ids whose defaults differ from plain CRUD
const (
	ModuleHome    int64 = 1
	ModuleClients int64 = 4
	ModuleReports int64 = 7
)

var crud = []Action{ActionView, ActionCreate, ActionEdit, ActionDelete}

// submodules that may be deactivated, and the subset that can generate documents
var (
	deactivatableSubmodules = map[int64]bool{1: true, 2: true, 3: true, 10: true, 11: true, 13: true}
	generatingSubmodules    = map[int64]bool{10: true, 11: true, 13: true}
)

// AvailableActions returns the ordered actions an admin may toggle on the
// given module or submodule. A non-nil override is returned verbatim, so an
// explicit empty list leaves nothing to toggle; nil means no override.
// Admin clients are built against these defaults, so the id lists are fixed.
func AvailableActions(kind Kind, id int64, override []Action) []Action {
	if override != nil {
		actions := make([]Action, len(override))
		copy(actions, override)
		return actions
	}

	switch kind {
	case KindSubmodule:
		actions := append([]Action(nil), crud...)
		if deactivatableSubmodules[id] {
			actions = append(actions, ActionDeactivate)
		}
		if generatingSubmodules[id] {
			actions = append(actions, ActionGenerate)
		}
		return actions
	case KindModule:
		switch id {
		case ModuleHome, ModuleReports:
			return []Action{ActionView}
		case ModuleClients:
			return append(append([]Action(nil), crud...), ActionDeactivate)
		default:
			return append([]Action(nil), crud...)
		}
	default:
		return []Action{ActionView}
	}
}

// ModuleActions resolves the available actions of m
func ModuleActions(m Module) []Action {
	return AvailableActions(KindModule, m.ID, m.ActiveActions)
}

// SubmoduleActions resolves the available actions of s
func SubmoduleActions(s Submodule) []Action {
	return AvailableActions(KindSubmodule, s.ID, s.ActiveActions)
}
