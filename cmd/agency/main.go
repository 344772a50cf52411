// Command agency runs a single member of an Agency cluster: the Raft-based
// replicated key/value store and coordinator-facing REST surface described
// by spec.md. It mirrors cuemby-warren/cmd/warren's cluster
// init/join/manager split, reapplied from a container-orchestration
// manager to an Agency agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agency",
	Short: "Agency - a Raft-replicated configuration store",
	Long: `Agency runs the replicated log and key/value store that backs a
distributed database's cluster-wide configuration: Plan, Current and
Supervision state, coordinated via Raft among an odd-sized pool of agents.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
}
