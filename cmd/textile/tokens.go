package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/ik-labs/textile/pkg/llm"
	"github.com/ik-labs/textile/pkg/tokens"
)

// TokenReport is printed by the tokens command.
type TokenReport struct {
	Messages      int `json:"messages"`
	MessageTokens int `json:"message_tokens"`
	Tools         int `json:"tools"`
	ToolTokens    int `json:"tool_tokens"`
	TotalTokens   int `json:"total_tokens"`
}

func newTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens [file]",
		Short: "Estimate the tokens in a chat request or message list",
		Long: `Reads a chat completion request object, or a bare JSON array of messages,
from the file argument or stdin and prints the estimated token counts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			report, err := countTokens(data)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		},
	}
}

func countTokens(data []byte) (*TokenReport, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("input is not valid JSON")
	}

	var (
		messages []llm.Message
		tools    []llm.Tool
	)
	switch root := gjson.ParseBytes(data); {
	case root.IsArray():
		if err := json.Unmarshal(data, &messages); err != nil {
			return nil, fmt.Errorf("invalid message list: %w", err)
		}
	case root.Get("messages").IsArray():
		var request llm.Request
		if err := json.Unmarshal(data, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		messages, tools = request.Messages, request.Tools
	default:
		return nil, fmt.Errorf("expected a messages array or an object with a messages field")
	}

	report := &TokenReport{
		Messages:      len(messages),
		MessageTokens: tokens.Count(messages),
		Tools:         len(tools),
		ToolTokens:    tokens.CountTools(tools),
	}
	report.TotalTokens = report.MessageTokens + report.ToolTokens
	return report, nil
}
