package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowsScope(t *testing.T) {
	open := &Pack{Name: "open"}
	assert.True(t, open.AllowsScope("excel"), "empty scope list allows everything")

	limited := &Pack{Name: "limited", ToolScopes: []string{"files", "core"}}
	assert.True(t, limited.AllowsScope("files"))
	assert.True(t, limited.AllowsScope("core"))
	assert.False(t, limited.AllowsScope("code"))
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterPack(&Pack{Name: "audit", Description: "read-only review"}))

	p, err := r.GetPack("audit")
	require.NoError(t, err)
	assert.Equal(t, "audit", p.Name)

	_, err = r.GetPack("nope")
	assert.Error(t, err)
}

func TestDefaultPack(t *testing.T) {
	p := Default()
	require.NotNil(t, p)
	assert.NotEmpty(t, p.Name)
	assert.NotEmpty(t, p.Instructions)
	assert.True(t, p.AllowsScope("excel"))
}
