package gatekeeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sl224/casparianflow/pkg/identity"
)

const safePlugin = `
import polars as pl

class CsvProcessor(BasePlugin):
    def consume(self, event):
        df = pl.read_csv(event.path)
        self.publish("out", df)
`

func testGate(t *testing.T) (*Gatekeeper, identity.Provider) {
	t.Helper()
	provider, err := identity.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	return New(provider), provider
}

func TestValidateSafePlugin(t *testing.T) {
	gate, _ := testGate(t)
	result, err := gate.ValidateSource(context.Background(), []byte(safePlugin))
	require.NoError(t, err)
	assert.True(t, result.Safe)
	assert.Empty(t, result.Violations)
}

func TestValidateBannedImports(t *testing.T) {
	gate, _ := testGate(t)
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "plain import",
			source: "import os\nclass P(BasePlugin):\n    pass\n",
			want:   "banned import: os",
		},
		{
			name:   "from import",
			source: "from subprocess import run\nclass P(BasePlugin):\n    pass\n",
			want:   "banned import: from subprocess",
		},
		{
			name:   "dotted import",
			source: "import urllib.request\nclass P(BasePlugin):\n    pass\n",
			want:   "banned import: urllib",
		},
		{
			name:   "aliased import",
			source: "import socket as s\nclass P(BasePlugin):\n    pass\n",
			want:   "banned import: socket",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := gate.ValidateSource(context.Background(), []byte(tt.source))
			require.NoError(t, err)
			assert.False(t, result.Safe)
			assert.Contains(t, result.Violations, tt.want)
		})
	}
}

func TestValidateBannedBuiltins(t *testing.T) {
	gate, _ := testGate(t)
	source := `
class P(BasePlugin):
    def consume(self, event):
        data = open(event.path).read()
        eval(data)
`
	result, err := gate.ValidateSource(context.Background(), []byte(source))
	require.NoError(t, err)
	assert.False(t, result.Safe)
	assert.Contains(t, result.Violations, "banned built-in: open()")
	assert.Contains(t, result.Violations, "banned built-in: eval()")
}

func TestValidateRequiresBasePlugin(t *testing.T) {
	gate, _ := testGate(t)
	result, err := gate.ValidateSource(context.Background(), []byte("def parse(path):\n    return []\n"))
	require.NoError(t, err)
	assert.False(t, result.Safe)
	assert.Contains(t, result.Violations, "plugin must define a class that inherits from BasePlugin")
}

func TestValidateSyntaxError(t *testing.T) {
	gate, _ := testGate(t)
	result, err := gate.ValidateSource(context.Background(), []byte("class P(BasePlugin:\n    broken\n"))
	require.NoError(t, err)
	assert.False(t, result.Safe)
	require.NotEmpty(t, result.Violations)
	assert.Contains(t, result.Violations[0], "syntax error")
}

func TestVerifySignature(t *testing.T) {
	gate, provider := testGate(t)
	source := []byte(safePlugin)

	sig, err := provider.SignArtifact(source)
	require.NoError(t, err)

	result, err := gate.Verify(context.Background(), source, sig)
	require.NoError(t, err)
	assert.True(t, result.Safe)

	// Tampered source fails verification even though it is statically
	// safe.
	tampered := append([]byte(nil), source...)
	tampered = append(tampered, '\n')
	result, err = gate.Verify(context.Background(), tampered, sig)
	require.NoError(t, err)
	assert.False(t, result.Safe)
	assert.Contains(t, result.Violations, "signature verification failed")
}

func TestContentAddressableIdentity(t *testing.T) {
	source := []byte("class P(BasePlugin): pass")
	lock := []byte("polars==1.0.0\n")

	assert.Len(t, SourceHash(source), 64)
	assert.Equal(t, SourceHash(source), SourceHash(source))
	assert.NotEqual(t, SourceHash(source), SourceHash(lock))

	id := ArtifactID(source, lock)
	assert.Len(t, id, 64)
	assert.NotEqual(t, id, SourceHash(source))
	assert.NotEqual(t, id, EnvHash(lock))

	// Same source, different environment: different artifact.
	assert.NotEqual(t, id, ArtifactID(source, []byte("polars==2.0.0\n")))
}
