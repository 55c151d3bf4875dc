package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agentgate/internal/mcp"
)

func mcpCmd() *cobra.Command {
	var url, key string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Talk to a running tool gateway",
	}
	cmd.PersistentFlags().StringVar(&url, "url", "http://localhost:8080/mcp", "gateway endpoint")
	cmd.PersistentFlags().StringVar(&key, "key", os.Getenv("AGENTGATE_API_KEY"), "API key or token (defaults to AGENTGATE_API_KEY)")
	cmd.AddCommand(mcpToolsCmd(&url, &key))
	cmd.AddCommand(mcpCallCmd(&url, &key))
	return cmd
}

func connect(ctx context.Context, url, key string) (*mcp.Client, error) {
	if key == "" {
		return nil, fmt.Errorf("missing --key (or set AGENTGATE_API_KEY)")
	}
	c := mcp.NewClient(url, key)
	if _, err := c.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

func mcpToolsCmd(url, key *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the gateway serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			c, err := connect(ctx, *url, *key)
			if err != nil {
				return err
			}
			tools, err := c.ToolsList(ctx)
			if err != nil {
				return err
			}
			for _, t := range tools {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s cost=%d %s\n", t.Name, t.Annotations.Cost, t.Description)
			}
			return nil
		},
	}
}

func mcpCallCmd(url, key *string) *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call one tool with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("--args: %w", err)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c, err := connect(ctx, *url, *key)
			if err != nil {
				return err
			}
			res, err := c.CallTool(ctx, args[0], toolArgs)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			if res.IsError {
				return fmt.Errorf("tool %s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", `tool arguments as a JSON object, e.g. '{"runId":"..."}'`)
	return cmd
}
