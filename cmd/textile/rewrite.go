package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/config"
	"github.com/ik-labs/textile/pkg/rewrite"
)

type rewriteOptions struct {
	patterns   []string
	regex      bool
	ignoreCase bool
	template   bool
	chunkSize  int
	maxBuffer  int
	stats      bool
}

func newRewriteCmd(configFile *string) *cobra.Command {
	opts := &rewriteOptions{}

	cmd := &cobra.Command{
		Use:   "rewrite",
		Short: "Rewrite stdin through the streaming pattern engine",
		Long: `Reads stdin in fixed-size chunks, feeds each chunk to a streaming rewrite
handler and writes the output as it becomes safe to emit.

Patterns come from repeated --pattern from=to flags, or from the rewrite rules
and response_rules transformers of --config when no --pattern is given.`,
		Example: `  echo "Call <PHONE> today" | textile rewrite --pattern "<PHONE>=555-1234"
  cat reply.txt | textile rewrite --regex --template --pattern '(\d{3})-(\d{4})=$1-XXXX'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, err := opts.load(cmd, *configFile)
			if err != nil {
				return err
			}
			return runRewrite(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), patterns, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.patterns, "pattern", "p", nil, "Rewrite rule as from=to (repeatable)")
	cmd.Flags().BoolVar(&opts.regex, "regex", false, "Treat pattern sources as regular expressions")
	cmd.Flags().BoolVarP(&opts.ignoreCase, "ignore-case", "i", false, "Match case-insensitively")
	cmd.Flags().BoolVar(&opts.template, "template", false, "Expand $1 and ${name} in replacements")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 64, "Bytes read from stdin per chunk")
	cmd.Flags().IntVar(&opts.maxBuffer, "max-buffer", 0, "Maximum buffered characters (0 uses the default)")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Write rewrite statistics to stderr as JSON")
	return cmd
}

func (o *rewriteOptions) load(cmd *cobra.Command, configFile string) ([]*rewrite.Pattern, error) {
	if o.chunkSize <= 0 {
		return nil, fmt.Errorf("--chunk-size must be positive, got %d", o.chunkSize)
	}

	if len(o.patterns) == 0 {
		cfg, err := config.NewLoader().LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("no --pattern given and configuration could not be loaded: %w", err)
		}
		if !cmd.Flags().Changed("max-buffer") {
			o.maxBuffer = cfg.Rewrite.MaxBufferSize
		}
		return cfg.ResponsePatterns(zap.NewNop())
	}

	rules := make([]rewrite.Rule, 0, len(o.patterns))
	for i, spec := range o.patterns {
		from, to, ok := strings.Cut(spec, "=")
		if !ok || from == "" {
			return nil, fmt.Errorf("invalid --pattern %q: expected from=to", spec)
		}
		rule := rewrite.Rule{
			Name:       fmt.Sprintf("pattern_%d", i),
			Replace:    to,
			Template:   o.template,
			IgnoreCase: o.ignoreCase,
		}
		if o.regex {
			rule.Regex = from
		} else {
			rule.Literal = from
		}
		rules = append(rules, rule)
	}
	return rewrite.CompileRules(rules, 0, zap.NewNop())
}

func runRewrite(in io.Reader, out, errOut io.Writer, patterns []*rewrite.Pattern, opts *rewriteOptions) error {
	handler := rewrite.NewStreamingHandler(patterns, rewrite.WithMaxBufferSize(opts.maxBuffer))

	buf := make([]byte, opts.chunkSize)
	var pending []byte
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completeRunes(pending)
			if cut > 0 {
				if _, err := io.WriteString(out, handler.TransformChunk(string(pending[:cut]))); err != nil {
					return err
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read input: %w", readErr)
		}
	}

	tail := handler.TransformChunk(string(pending)) + handler.Flush()
	if _, err := io.WriteString(out, tail); err != nil {
		return err
	}

	if opts.stats {
		encoder := json.NewEncoder(errOut)
		encoder.SetIndent("", "  ")
		return encoder.Encode(handler.Stats())
	}
	return nil
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func completeRunes(b []byte) int {
	end := len(b)
	for start := end - 1; start >= 0 && start >= end-utf8.UTFMax; start-- {
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:end]) {
			return end
		}
		return start
	}
	return end
}
