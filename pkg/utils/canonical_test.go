package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashVariables_OrderIndependent(t *testing.T) {
	a := map[string]any{}
	a["diagnosis"] = "F41.1"
	a["minutes"] = 53
	a["modifiers"] = map[string]any{"telehealth": true, "group": false}

	b := map[string]any{}
	b["modifiers"] = map[string]any{"group": false, "telehealth": true}
	b["minutes"] = 53
	b["diagnosis"] = "F41.1"

	ha, err := HashVariables(a)
	require.NoError(t, err)
	hb, err := HashVariables(b)
	require.NoError(t, err)

	assert.Len(t, ha, 8)
	assert.Equal(t, ha, hb)

	b["minutes"] = 54
	hc, err := HashVariables(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", TruncateString("hello", 10))
	assert.Equal(t, "hel", TruncateString("hello", 3))
	assert.Equal(t, "", TruncateString("hello", 0))
	// "é" is two bytes; cutting in the middle backs off to the rune start.
	assert.Equal(t, "caf", TruncateString("café", 4))
}
