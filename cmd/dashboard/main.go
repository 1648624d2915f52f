// Command dashboard is a minimal text client for a running supervisor's RPC
// surface: it prints one get_status reply and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mcprun/pkg/client"
)

const defaultRPCURL = "http://localhost:3001/mcp"

func main() {
	root := &cobra.Command{
		Use:   "dashboard [<rpc_url>]",
		Short: "Poll a supervisor's status over its RPC surface",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rpcURL := defaultRPCURL
			if len(args) == 1 {
				rpcURL = args[0]
			}

			c := client.New(client.Config{BaseURL: rpcURL})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if !c.IsReachable(ctx) {
				return fmt.Errorf("supervisor at %s is not reachable", rpcURL)
			}

			text, err := c.CallTool(ctx, "get_status", map[string]string{})
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
