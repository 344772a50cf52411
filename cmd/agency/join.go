package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/sunil10patil/arangodb-agency/internal/agencyclient"
	"github.com/sunil10patil/arangodb-agency/internal/agent"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this agent to an existing Agency cluster",
	Long: `Join gossips this agent's id and endpoint to a running cluster member
and then starts serving: the leader merges the proposed pool entry and, once
the pool reaches its configured size, replicates a RECONFIGURE entry that
records the merged pool (spec.md §4.2's gossip/pool-assembly path). The
active set in that entry is the leader's current one; gossiped members are
added to the pool only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		addr, _ := cmd.Flags().GetString("addr")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		leader, _ := cmd.Flags().GetString("leader")
		poolSize, _ := cmd.Flags().GetInt("pool-size")
		enableSupervision, _ := cmd.Flags().GetBool("supervision")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		if id == "" {
			return fmt.Errorf("--id is required")
		}
		if leader == "" {
			return fmt.Errorf("--leader is required")
		}
		if endpoint == "" {
			endpoint = "http://" + addr
		}

		logger := buildLogger(logLevel, logJSON)

		client := agencyclient.New(agencyclient.Options{
			Endpoints: []string{leader},
			Logger:    logger,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg := agent.GossipMessage{SenderID: id, Pool: map[string]string{id: endpoint}, Size: poolSize}
		raw, err := client.SendWithFailover(ctx, "POST", "/_api/agency_priv/gossip", agencyclient.RequestWrite, nil, msg)
		if err != nil {
			return fmt.Errorf("gossip to %s failed: %w", leader, err)
		}
		var result agent.GossipResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decoding gossip response: %w", err)
		}
		if result.Fatal {
			return fmt.Errorf("gossip rejected: pool entry for an existing id disagrees with the cluster")
		}
		logger.Infof("gossiped into %s, pool now has %d member(s)", leader, len(result.Pool))

		a := agent.New(agent.Options{
			ID: id,
			Config: agent.Configuration{
				ID:          id,
				Endpoint:    endpoint,
				Active:      []string{id},
				Pool:        result.Pool,
				Size:        poolSize,
				Supervision: enableSupervision,
			},
			Transport: httpTransportForClient(),
			Logger:    logger,
		})

		return runServe(a, addr, enableSupervision, logger)
	},
}

func init() {
	joinCmd.Flags().String("id", "", "This agent's unique server id (required)")
	joinCmd.Flags().String("addr", "127.0.0.1:8532", "Address to bind the HTTP API on")
	joinCmd.Flags().String("endpoint", "", "This agent's endpoint as advertised to peers (defaults to http://<addr>)")
	joinCmd.Flags().String("leader", "", "Endpoint of an existing cluster member to gossip into (required)")
	joinCmd.Flags().Int("pool-size", 1, "Number of agents the pool must reach before RECONFIGURE activates it")
	joinCmd.Flags().Bool("supervision", true, "Run the Supervision loop while leading")
	_ = joinCmd.MarkFlagRequired("id")
	_ = joinCmd.MarkFlagRequired("leader")
}
