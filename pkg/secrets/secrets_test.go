package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Setenv("TEXTILE_TEST_KEY", "sk-from-env")

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("sk-from-file\n"), 0o600))
	emptyFile := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(emptyFile, []byte("  \n"), 0o600))

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr string
	}{
		{name: "literal", value: "sk-literal", want: "sk-literal"},
		{name: "empty literal", value: "", want: ""},
		{name: "env", value: "env:TEXTILE_TEST_KEY", want: "sk-from-env"},
		{name: "env unset", value: "env:TEXTILE_TEST_MISSING", wantErr: "TEXTILE_TEST_MISSING is not set"},
		{name: "file", value: "file:" + keyFile, want: "sk-from-file"},
		{name: "file missing", value: "file:" + filepath.Join(dir, "nope"), wantErr: "failed to read secret file"},
		{name: "file empty", value: "file:" + emptyFile, wantErr: "is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.value)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAll(t *testing.T) {
	t.Setenv("TEXTILE_TEST_KEY", "resolved")

	provider := "env:TEXTILE_TEST_KEY"
	embeddings := "plain"
	require.NoError(t, ResolveAll(map[string]*string{
		"provider.api_key":   &provider,
		"embeddings.api_key": &embeddings,
		"unset":              nil,
	}))
	assert.Equal(t, "resolved", provider)
	assert.Equal(t, "plain", embeddings)

	broken := "env:TEXTILE_TEST_MISSING"
	err := ResolveAll(map[string]*string{"provider.api_key": &broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.api_key")
	assert.Equal(t, "env:TEXTILE_TEST_MISSING", broken, "failed fields stay unchanged")
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("env:X"))
	assert.True(t, IsReference("file:/run/secrets/key"))
	assert.False(t, IsReference("sk-123"))
	assert.False(t, IsReference("environment"))
}
