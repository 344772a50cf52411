package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sunil10patil/arangodb-agency/internal/agent"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Found a new Agency cluster with this agent as its first member",
	Long: `Bootstrap starts a brand-new Agency cluster consisting initially of
this single agent. Additional agents join the pool via "agency join" and
gossip their endpoint in; once the pool reaches --pool-size members the
leader persists a RECONFIGURE entry recording the merged pool (spec.md §4.2).
That entry keeps the leader's current active set: gossiped members join the
pool, not the active set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		addr, _ := cmd.Flags().GetString("addr")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		poolSize, _ := cmd.Flags().GetInt("pool-size")
		enableSupervision, _ := cmd.Flags().GetBool("supervision")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		if id == "" {
			return fmt.Errorf("--id is required")
		}
		if endpoint == "" {
			endpoint = "http://" + addr
		}

		logger := buildLogger(logLevel, logJSON)
		a := agent.New(agent.Options{
			ID: id,
			Config: agent.Configuration{
				ID:          id,
				Endpoint:    endpoint,
				Active:      []string{id},
				Pool:        map[string]string{id: endpoint},
				Size:        poolSize,
				Supervision: enableSupervision,
			},
			Transport: httpTransportForClient(),
			Logger:    logger,
		})

		logger.Infof("bootstrapped agency %s (pool size %d)", id, poolSize)
		return runServe(a, addr, enableSupervision, logger)
	},
}

func init() {
	bootstrapCmd.Flags().String("id", "", "This agent's unique server id (required)")
	bootstrapCmd.Flags().String("addr", "127.0.0.1:8531", "Address to bind the HTTP API on")
	bootstrapCmd.Flags().String("endpoint", "", "This agent's endpoint as advertised to peers (defaults to http://<addr>)")
	bootstrapCmd.Flags().Int("pool-size", 1, "Number of agents the pool must reach before RECONFIGURE activates it")
	bootstrapCmd.Flags().Bool("supervision", true, "Run the Supervision loop while leading")
	_ = bootstrapCmd.MarkFlagRequired("id")
}
