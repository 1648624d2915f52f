// Command supervisor boots a process supervisor for a single project
// directory, per that project's .mcp-run manifest.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/mcprun"
)

func main() {
	root := &cobra.Command{
		Use:   "supervisor <project-directory>",
		Short: "Supervise a project's managed processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := args[0]
			if _, err := os.Stat(projectDir); err != nil {
				return fmt.Errorf("project directory does not exist: %s", projectDir)
			}

			sup, err := mcprun.New(projectDir)
			if err != nil {
				return err
			}
			return sup.Run()
		},
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
