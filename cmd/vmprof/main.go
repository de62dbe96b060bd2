// Package main provides the vmprof demo binary.
//
// It drives the bundled test VM under the sampling and memory profilers,
// writing the binary event streams an offline tool can consume. Embedders
// integrate through pkg/profiler instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/vmprof/internal/cli/profile"
	"github.com/coral-mesh/vmprof/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "vmprof",
		Short:         "vmprof - sampling and memory profiler for the embeddable VM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(profile.NewSysprofCmd())
	rootCmd.AddCommand(profile.NewMemprofCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	}
}
