package faker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEmail(t *testing.T) {
	g := New()
	v, err := g.Generate("internet.email()")
	require.NoError(t, err)
	assert.Contains(t, v, "@")
}

func TestGenerateIntWithArgs(t *testing.T) {
	g := New()
	v, err := g.Generate("number.int(1, 1)")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestGenerateUnknownLookup(t *testing.T) {
	g := New()
	_, err := g.Generate("bogus.thing()")
	assert.Error(t, err)
}
