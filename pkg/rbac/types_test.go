package rbac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionSet_MergedExtrasOverride(t *testing.T) {
	set := ActionSet{View: true, Edit: true, Extra: map[string]bool{"editar": false, "exportar": true}}

	merged := set.Merged()
	assert.True(t, merged["ver"])
	assert.False(t, merged["editar"], "extra entries take precedence")
	assert.True(t, merged["exportar"])
	assert.False(t, merged["generar"])
	assert.Len(t, merged, 7)

	assert.True(t, set.Allows("ver"))
	assert.False(t, set.Allows("editar"))
	assert.True(t, set.Allows("exportar"))
	assert.False(t, set.Allows("imprimir"))
	assert.Equal(t, []string{"exportar", "ver"}, set.AllActions())
}

func TestActionSet_JSON(t *testing.T) {
	set := ActionSet{View: true, Generate: true, Extra: map[string]bool{"exportar": true}}

	b, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ver":true,"crear":false,"editar":false,"eliminar":false,"desactivar":false,"generar":true,"exportar":true}`, string(b))

	var decoded ActionSet
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, set, decoded)
}

func TestActionSet_Or(t *testing.T) {
	a := ActionSet{View: true, Extra: map[string]bool{"exportar": false}}
	b := ActionSet{Edit: true, Extra: map[string]bool{"exportar": true, "imprimir": false}}

	got := a.Or(b)
	assert.True(t, got.View)
	assert.True(t, got.Edit)
	assert.False(t, got.Delete)
	assert.Equal(t, map[string]bool{"exportar": true, "imprimir": false}, got.Extra)

	assert.Nil(t, ActionSet{}.Or(ActionSet{View: true}).Extra)
}

func TestActionSet_Or_ExtraDoesNotHideOtherGrant(t *testing.T) {
	// tenant 7 allows viewing, tenant 8 denies it through an extra
	allowed := ActionSet{View: true}
	denied := ActionSet{Extra: map[string]bool{"ver": false}}

	for _, got := range []ActionSet{allowed.Or(denied), denied.Or(allowed)} {
		assert.True(t, got.Allows("ver"))
		assert.True(t, got.Merged()["ver"])
		assert.Equal(t, []string{"ver"}, got.AllActions())
		assert.Nil(t, got.Extra)
	}

	// an extra can still grant a standard action the booleans lack
	got := ActionSet{}.Or(ActionSet{Extra: map[string]bool{"crear": true}})
	assert.True(t, got.Create)
	assert.True(t, got.Allows("crear"))
}

func TestGrantInput_Actions(t *testing.T) {
	var in GrantInput
	require.NoError(t, json.Unmarshal([]byte(`{
		"module_id": 5, "submodule_id": 12,
		"ver": true, "crear": true, "editar": false, "eliminar": false,
		"desactivar": true, "generar": false,
		"actions_extra": {"exportar": true}
	}`), &in))

	assert.Equal(t, int64(5), in.ModuleID)
	require.NotNil(t, in.SubmoduleID)
	assert.Equal(t, int64(12), *in.SubmoduleID)
	assert.Equal(t, ActionSet{
		View: true, Create: true, Deactivate: true,
		Extra: map[string]bool{"exportar": true},
	}, in.Actions())
}

func TestAllowAll(t *testing.T) {
	set := AllowAll()
	for _, a := range []string{"ver", "crear", "editar", "eliminar", "desactivar", "generar"} {
		assert.True(t, set.Allows(a), a)
	}
}
