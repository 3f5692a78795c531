package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
)

func newDiagnoseCmd(opts *rootOptions) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Connect to a running gateway and print health, diagnostics and the tool catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = fmt.Sprintf("ws://%s/ws", opts.cfg.Server.Addr())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return diagnose(ctx, cmd, url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway WebSocket URL (default: from server config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

func diagnose(ctx context.Context, cmd *cobra.Command, url string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "diagnose done")

	call := func(method string, params map[string]any) (map[string]any, error) {
		req := map[string]any{"method": method, "params": params, "id": method}
		if err := wsjson.Write(ctx, conn, req); err != nil {
			return nil, fmt.Errorf("%s: write: %w", method, err)
		}
		var resp map[string]any
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return nil, fmt.Errorf("%s: read: %w", method, err)
		}
		if e, ok := resp["error"]; ok {
			return resp, fmt.Errorf("%s: %v", method, e)
		}
		return resp, nil
	}

	out := cmd.OutOrStdout()
	for _, method := range []string{"ping", "health", "diagnostics", "get_stats"} {
		resp, err := call(method, nil)
		if err != nil {
			return err
		}
		pretty, _ := json.MarshalIndent(resp["result"], "", "  ")
		fmt.Fprintf(out, "== %s\n%s\n", method, pretty)
	}

	resp, err := call("list_tools", nil)
	if err != nil {
		return err
	}
	tools, _ := resp["result"].(map[string]any)
	fmt.Fprintf(out, "== tools (%d)\n", len(tools))
	for name := range tools {
		info, err := call("get_tool_info", map[string]any{"tool": name})
		if err != nil {
			fmt.Fprintf(out, "  %-20s ERROR %v\n", name, err)
			continue
		}
		desc, _ := info["result"].(map[string]any)
		fmt.Fprintf(out, "  %-20s %v (%v)\n", name, desc["description"], desc["sensitivity"])
	}
	return nil
}
