package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFakerAlwaysWins(t *testing.T) {
	r, err := Classify("#faker.internet.email()")
	require.NoError(t, err)
	assert.Equal(t, CategoryFaker, r.Category)
	assert.Equal(t, "internet.email()", r.Payload)
}

func TestClassifyJMESPath(t *testing.T) {
	r, err := Classify("@body.items[0].id")
	require.NoError(t, err)
	assert.Equal(t, CategoryJMESPath, r.Category)
	assert.Equal(t, "body.items[0].id", r.Payload)
}

func TestClassifyJavaScript(t *testing.T) {
	r, err := Classify("$variables.x + 1")
	require.NoError(t, err)
	assert.Equal(t, CategoryJS, r.Category)
}

func TestClassifyTemplate(t *testing.T) {
	r, err := Classify("hello {{name}}")
	require.NoError(t, err)
	assert.Equal(t, CategoryTemplate, r.Category)
}

func TestClassifyLiteral(t *testing.T) {
	r, err := Classify("just a string")
	require.NoError(t, err)
	assert.Equal(t, CategoryLiteral, r.Category)
	assert.Empty(t, r.Warnings)
}

func TestClassifyLiteralAmbiguousWarns(t *testing.T) {
	r, err := Classify("foo.bar[0]")
	require.NoError(t, err)
	assert.Equal(t, CategoryLiteral, r.Category)
	assert.NotEmpty(t, r.Warnings)
}

func TestClassifyMixedSyntaxErrors(t *testing.T) {
	_, err := Classify("@body.id#faker.name")
	assert.Error(t, err)
}

func TestIsCodeBlock(t *testing.T) {
	assert.True(t, IsCodeBlock("return 1 + 1"))
	assert.True(t, IsCodeBlock("let x = 1; x + 1"))
	assert.False(t, IsCodeBlock("1 + 1"))
}
