package catalog

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailableActions_Modules(t *testing.T) {
	tests := []struct {
		name string
		id   int64
		want []Action
	}{
		{"home is read only", ModuleHome, []Action{"ver"}},
		{"reports is read only", ModuleReports, []Action{"ver"}},
		{"clients can be deactivated", ModuleClients, []Action{"ver", "crear", "editar", "eliminar", "desactivar"}},
		{"other modules get crud", 5, []Action{"ver", "crear", "editar", "eliminar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AvailableActions(KindModule, tt.id, nil))
		})
	}
}

func TestAvailableActions_Submodules(t *testing.T) {
	tests := []struct {
		id   int64
		want []Action
	}{
		{1, []Action{"ver", "crear", "editar", "eliminar", "desactivar"}},
		{2, []Action{"ver", "crear", "editar", "eliminar", "desactivar"}},
		{3, []Action{"ver", "crear", "editar", "eliminar", "desactivar"}},
		{4, []Action{"ver", "crear", "editar", "eliminar"}},
		{10, []Action{"ver", "crear", "editar", "eliminar", "desactivar", "generar"}},
		{11, []Action{"ver", "crear", "editar", "eliminar", "desactivar", "generar"}},
		{12, []Action{"ver", "crear", "editar", "eliminar"}},
		{13, []Action{"ver", "crear", "editar", "eliminar", "desactivar", "generar"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, AvailableActions(KindSubmodule, tt.id, nil), "submodule %d", tt.id)
	}
}

func TestAvailableActions_OverrideWins(t *testing.T) {
	override := []Action{"ver", "aprobar"}
	got := AvailableActions(KindModule, ModuleHome, override)
	assert.Equal(t, override, got)

	got[0] = "mutated"
	assert.Equal(t, Action("ver"), override[0])
}

func TestAvailableActions_UnknownKind(t *testing.T) {
	assert.Equal(t, []Action{"ver"}, AvailableActions(Kind("widget"), 10, nil))
}

func TestAvailableActions_DefaultsNotShared(t *testing.T) {
	a := AvailableActions(KindModule, 5, nil)
	a[0] = "mutated"
	assert.Equal(t, ActionView, AvailableActions(KindModule, 5, nil)[0])
}

func TestModuleAndSubmoduleActions(t *testing.T) {
	assert.Equal(t, []Action{"ver"}, ModuleActions(Module{ID: 1}))
	assert.Equal(t, []Action{"ver", "exportar"}, SubmoduleActions(Submodule{ID: 10, ActiveActions: []Action{"ver", "exportar"}}))
}

func TestAvailableActions_EmptyOverride(t *testing.T) {
	// an explicit empty list hides every action instead of falling back
	got := AvailableActions(KindSubmodule, 10, []Action{})
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, ModuleActions(Module{ID: 4, ActiveActions: []Action{}}))
	assert.Equal(t, []Action{"ver", "crear", "editar", "eliminar", "desactivar"}, ModuleActions(Module{ID: 4}))
}

func TestEncodeActiveActions(t *testing.T) {
	assert.False(t, encodeActiveActions(nil).Valid)
	assert.Equal(t, sql.NullString{String: "[]", Valid: true}, encodeActiveActions([]Action{}))
	assert.Equal(t, sql.NullString{String: `["ver","generar"]`, Valid: true}, encodeActiveActions([]Action{"ver", "generar"}))
}

func TestParseActiveActions(t *testing.T) {
	assert.Nil(t, parseActiveActions(nil))
	assert.Nil(t, parseActiveActions([]byte("  ")))
	assert.Nil(t, parseActiveActions([]byte("{not json")))
	assert.Nil(t, parseActiveActions([]byte("null")))
	assert.Equal(t, []Action{}, parseActiveActions([]byte("[]")))
	assert.Equal(t, []Action{}, parseActiveActions([]byte(`["", " "]`)))
	assert.Equal(t, []Action{"ver", "generar"}, parseActiveActions([]byte(`["ver", " generar ", ""]`)))
}

func TestIsStandard(t *testing.T) {
	assert.True(t, ActionGenerate.IsStandard())
	assert.False(t, Action("aprobar").IsStandard())
}
