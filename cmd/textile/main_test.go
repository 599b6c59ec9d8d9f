package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "textile dev (commit: unknown, built: unknown)\n", out)
}

func TestRewriteCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		args  []string
		want  string
	}{
		{
			name:  "literal across chunks",
			input: "Call <PHONE> today, or <PHONE> tomorrow.",
			args:  []string{"--pattern", "<PHONE>=555-1234", "--chunk-size", "3"},
			want:  "Call 555-1234 today, or 555-1234 tomorrow.",
		},
		{
			name:  "several patterns",
			input: "foo and bar",
			args:  []string{"-p", "foo=one", "-p", "bar=two"},
			want:  "one and two",
		},
		{
			name:  "ignore case",
			input: "Secret, SECRET, secret",
			args:  []string{"-p", "secret=***", "-i", "--chunk-size", "4"},
			want:  "***, ***, ***",
		},
		{
			name:  "regex template",
			input: "dial 555-1234 now",
			args:  []string{"--regex", "--template", "-p", `(\d{3})-(\d{4})=$1-XXXX`},
			want:  "dial 555-XXXX now",
		},
		{
			name:  "multi-byte runes split by chunk size",
			input: "héllo wörld ✓ done",
			args:  []string{"-p", "wörld=world", "--chunk-size", "1"},
			want:  "héllo world ✓ done",
		},
		{
			name:  "no match",
			input: "nothing to see",
			args:  []string{"-p", "absent=present"},
			want:  "nothing to see",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, tt.input, append([]string{"rewrite"}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRewriteCommandStats(t *testing.T) {
	out, errOut, err := execute(t, "a a a", "rewrite", "-p", "a=b", "--stats")
	require.NoError(t, err)
	assert.Equal(t, "b b b", out)
	assert.Equal(t, int64(3), gjson.Get(errOut, "patterns_applied").Int())
	assert.Equal(t, int64(3), gjson.Get(errOut, "patterns_hit.pattern_0").Int())
}

func TestRewriteCommandFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  base_url: http://localhost:9999/v1
rewrite:
  rules:
    - name: global
      literal: brand-x
      replace: Acme
transformers:
  - type: response_rules
    name: brand
    rules:
      - literal: competitor
        replace: brand-x
`), 0o600))

	out, _, err := execute(t, "ask the competitor", "--config", path, "rewrite")
	require.NoError(t, err)
	// Later transformers run first, so the global rule sees their output.
	assert.Equal(t, "ask the Acme", out)
}

func TestRewriteCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing separator", []string{"rewrite", "-p", "nope"}, "expected from=to"},
		{"empty source", []string{"rewrite", "-p", "=x"}, "expected from=to"},
		{"bad chunk size", []string{"rewrite", "-p", "a=b", "--chunk-size", "0"}, "--chunk-size"},
		{"bad regex", []string{"rewrite", "--regex", "-p", "(=x"}, "invalid regex"},
		{"missing config", []string{"--config", "/nonexistent/textile.yaml", "rewrite"}, "no --pattern given"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, "input", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunRewriteOneByteReader(t *testing.T) {
	patterns, err := (&rewriteOptions{patterns: []string{"<X>=y"}, chunkSize: 8}).load(newRewriteCmd(new(string)), "")
	require.NoError(t, err)

	var out bytes.Buffer
	opts := &rewriteOptions{chunkSize: 8}
	require.NoError(t, runRewrite(iotest.OneByteReader(strings.NewReader("a<X>b<X>c")), &out, &bytes.Buffer{}, patterns, opts))
	assert.Equal(t, "aybyc", out.String())
}

func TestCompleteRunes(t *testing.T) {
	check := []byte("✓")
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"complete rune", append([]byte("a"), check...), 4},
		{"one byte of three", append([]byte("a"), check[0]), 1},
		{"two bytes of three", append([]byte("a"), check[:2]...), 1},
		{"only partial", check[:2], 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completeRunes(tt.in))
		})
	}
}

func TestTokensCommand(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		messages  int
		tools     int
		msgTokens int
	}{
		{
			name:      "message array",
			input:     `[{"role":"user","content":"12345678"},{"role":"assistant","content":"1234"}]`,
			messages:  2,
			msgTokens: (2 + 4) + (1 + 4),
		},
		{
			name: "request object",
			input: `{"model":"gpt-4o","messages":[{"role":"user","content":"12345678"}],
				"tools":[{"type":"function","function":{"name":"get_weather","description":"Get weather"}}]}`,
			messages:  1,
			tools:     1,
			msgTokens: 2 + 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, tt.input, "tokens")
			require.NoError(t, err)

			assert.Equal(t, int64(tt.messages), gjson.Get(out, "messages").Int())
			assert.Equal(t, int64(tt.tools), gjson.Get(out, "tools").Int())
			assert.Equal(t, int64(tt.msgTokens), gjson.Get(out, "message_tokens").Int())
			assert.Equal(t,
				gjson.Get(out, "message_tokens").Int()+gjson.Get(out, "tool_tokens").Int(),
				gjson.Get(out, "total_tokens").Int())
			if tt.tools > 0 {
				assert.Positive(t, gjson.Get(out, "tool_tokens").Int())
			}
		})
	}
}

func TestTokensCommandFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"role":"user","content":"hi"}]`), 0o600))

	out, _, err := execute(t, "", "tokens", path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.Get(out, "messages").Int())
	assert.Equal(t, int64(5), gjson.Get(out, "total_tokens").Int())
}

func TestTokensCommandErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"not json", "hello", "not valid JSON"},
		{"object without messages", `{"model":"x"}`, "expected a messages array"},
		{"scalar", `42`, "expected a messages array"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.input, "tokens")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
