// Package main is the lattice CLI: a multi-channel agent platform daemon
// with a WebSocket control plane.
//
// Start the daemon:
//
//	lattice serve --config lattice.yaml
//
// Useful environment variables: LATTICE_DATA_ROOT, LATTICE_GATEWAY_BIND,
// LATTICE_GATEWAY_TOKEN, LATTICE_LLM_PROVIDER, LATTICE_LOG_LEVEL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "lattice",
		Short:         "Multi-channel agent platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildTokenCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lattice %s (%s)\n", version, commit)
		},
	}
}
