package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSteps(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"fetch A, fetch B, merge, export PDF", []string{"fetch A", "fetch B", "merge", "export PDF"}},
		{"fetch A; merge", []string{"fetch A", "merge"}},
		{"fetch A then merge and then export", []string{"fetch A", "merge", "export"}},
		{"  fetch   A ,, ", []string{"fetch A"}},
		{"combine salt and pepper", []string{"combine salt and pepper"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitSteps(tt.in), tt.in)
	}
}

func TestDefaultRules(t *testing.T) {
	rs := DefaultRules()
	assert.Equal(t, "respond", rs.Default.Capability)
	assert.ElementsMatch(t, []string{"respond", "fetch", "merge", "export"}, rs.Capabilities())

	r, arg, ok := rs.Match("Download the report")
	require.True(t, ok)
	assert.Equal(t, "fetch", r.Capability)
	assert.Equal(t, "the report", arg)

	_, _, ok = rs.Match("dance")
	assert.False(t, ok)
}

func TestParseRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing verb", "rules:\n  - capability: fetch\n"},
		{"neither capability nor expand", "rules:\n  - verb: x\n"},
		{"both capability and expand", "rules:\n  - verb: x\n    capability: fetch\n    expand: [y]\n"},
		{"duplicate alias", "rules:\n  - verb: x\n    capability: fetch\n  - verb: y\n    aliases: [X]\n    capability: merge\n"},
		{"malformed", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  capability: merge
rules:
  - verb: grab
    capability: fetch
    arg: target
`), 0o644))

	rs, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "merge", rs.Default.Capability)

	r, arg, ok := rs.Match("grab it")
	require.True(t, ok)
	assert.Equal(t, "fetch", r.Capability)
	assert.Equal(t, "it", arg)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
