package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List unclaimed requests addressed to your mechs",
	Long: `Query the indexer for undelivered, unclaimed requests addressed to the
given mech addresses, the same feed the worker's claim loop polls.

--resolve additionally fetches each request's job metadata from the
content gateway to show job names.

Examples:
  jinnctl list --mech 0x77af31De935740567Cf4fF1986D04B2c964A786a
  jinnctl list --mech 0x77af...86a --resolve
  JINN_SERVICE_MECHS=0x77af...86a jinnctl list -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringSlice("mech", nil, "mech address, repeatable (or JINN_SERVICE_MECHS)")
	listCmd.Flags().String("indexer", "", "indexer GraphQL endpoint (or JINN_INDEXER_URL)")
	listCmd.Flags().Int("limit", 20, "maximum requests to list")
	listCmd.Flags().Bool("resolve", false, "fetch job metadata to show job names")
	listCmd.Flags().String("gateway", "", "content gateway for --resolve (or JINN_STORE_GATEWAY_URL)")
	rootCmd.AddCommand(listCmd)
}

type listedRequest struct {
	ID        string `json:"id" yaml:"id"`
	Requester string `json:"requester" yaml:"requester"`
	Mech      string `json:"mech" yaml:"mech"`
	Age       string `json:"age" yaml:"age"`
	Job       string `json:"job,omitempty" yaml:"job,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	mechs, _ := cmd.Flags().GetStringSlice("mech")
	if len(mechs) == 0 {
		if env := strings.TrimSpace(os.Getenv("JINN_SERVICE_MECHS")); env != "" {
			mechs = strings.Split(env, ",")
		}
	}
	if len(mechs) == 0 {
		return fmt.Errorf("--mech is required (or set JINN_SERVICE_MECHS)")
	}
	indexerURL := flagOrEnv(cmd, "indexer", "JINN_INDEXER_URL", "http://localhost:42069/graphql")
	limit, _ := cmd.Flags().GetInt("limit")
	resolve, _ := cmd.Flags().GetBool("resolve")

	log := cliLogger()
	index := indexer.New(indexer.Config{URL: indexerURL}, log)

	reqs, err := index.UnclaimedRequests(cmd.Context(), mechs, limit)
	if err != nil {
		return fmt.Errorf("indexer query failed: %w", err)
	}

	var gateway *contentstore.Gateway
	if resolve {
		gatewayURL := flagOrEnv(cmd, "gateway", "JINN_STORE_GATEWAY_URL", "https://gateway.autonolas.tech")
		gateway = contentstore.NewGateway(contentstore.GatewayConfig{BaseURL: gatewayURL}, log)
	}

	rows := make([]listedRequest, 0, len(reqs))
	for _, r := range reqs {
		row := listedRequest{
			ID:        r.ID,
			Requester: r.Requester,
			Mech:      r.Mech,
			Age:       time.Since(time.Unix(r.BlockTimestamp, 0)).Truncate(time.Second).String(),
		}
		if gateway != nil && r.IPFSHash != "" {
			row.Job = jobName(cmd, gateway, r.IPFSHash)
		}
		rows = append(rows, row)
	}

	return render(rows, func() {
		if len(rows) == 0 {
			fmt.Println("No unclaimed requests.")
			return
		}
		fmt.Printf("%-66s  %-10s  %-42s  %s\n", "REQUEST", "AGE", "REQUESTER", "JOB")
		for _, row := range rows {
			fmt.Printf("%-66s  %-10s  %-42s  %s\n", row.ID, row.Age, row.Requester, row.Job)
		}
	})
}

// jobName best-effort resolves the job name from the request's metadata
// blob; listing still works when the gateway doesn't have it yet.
func jobName(cmd *cobra.Command, gateway *contentstore.Gateway, cidStr string) string {
	data, err := gateway.Fetch(cmd.Context(), cidStr, "")
	if err != nil || len(data) == 0 {
		return ""
	}
	var meta struct {
		JobName string `json:"jobName"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return ""
	}
	return meta.JobName
}
