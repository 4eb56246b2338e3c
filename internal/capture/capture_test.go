package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtestlabs/flowtest/internal/interp"
	"github.com/flowtestlabs/flowtest/internal/model"
	"github.com/flowtestlabs/flowtest/internal/scope"
)

func newTestScope() *scope.Scope {
	return scope.New("suiteA", scope.NewGlobals(), nil, nil)
}

func TestCaptureJMESPath(t *testing.T) {
	e := New(interp.New())
	sc := newTestScope()
	ctx := Context{
		Response: model.Object(map[string]model.Value{
			"name": model.String("ada"),
		}),
	}
	out, err := e.Capture(map[string]string{"user_name": "@body.name"}, ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "ada", out["user_name"].String())

	v, err := sc.Get("user_name")
	require.NoError(t, err)
	assert.Equal(t, "ada", v.String())
}

func TestCaptureLiteralTemplate(t *testing.T) {
	sc := scope.New("suiteA", scope.NewGlobals(), nil, map[string]model.Value{
		"id": model.Number(42),
	})
	e := New(interp.New())
	out, err := e.Capture(map[string]string{"copy": "{{id}}"}, Context{}, sc)
	require.NoError(t, err)
	assert.Equal(t, "42", out["copy"].String())
}

func TestCaptureFaker(t *testing.T) {
	e := New(interp.New())
	sc := newTestScope()
	out, err := e.Capture(map[string]string{"email": "#faker.internet.email()"}, Context{}, sc)
	require.NoError(t, err)
	assert.Contains(t, out["email"].String(), "@")
}

func TestCaptureJavaScript(t *testing.T) {
	e := New(interp.New())
	sc := newTestScope()
	out, err := e.Capture(map[string]string{"sum": "$1 + 2"}, Context{}, sc)
	require.NoError(t, err)
	n, _ := out["sum"].Number()
	assert.Equal(t, float64(3), n)
}

func TestPromoteExportsOverwriteWarns(t *testing.T) {
	e := New(interp.New())
	globals := scope.NewGlobals()
	sc := scope.New("suiteA", globals, nil, map[string]model.Value{"token": model.String("a")})

	var warned []string
	err := e.PromoteExports([]string{"token"}, sc, func(name string) { warned = append(warned, name) })
	require.NoError(t, err)
	assert.Empty(t, warned)

	sc2 := scope.New("suiteA", globals, nil, map[string]model.Value{"token": model.String("b")})
	err = e.PromoteExports([]string{"token"}, sc2, func(name string) { warned = append(warned, name) })
	require.NoError(t, err)
	assert.Equal(t, []string{"token"}, warned)
}

func TestPromoteExportsMissingNameFails(t *testing.T) {
	e := New(interp.New())
	sc := newTestScope()
	err := e.PromoteExports([]string{"missing"}, sc, nil)
	assert.Error(t, err)
}
