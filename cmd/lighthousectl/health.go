package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show node health",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health map[string]interface{}
	if err := doJSON(cmd.Context(), "GET", "/health", nil, &health); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(health)
	}

	fmt.Println("Lighthouse node health")
	fmt.Println("======================")
	for _, key := range []string{"active_sessions", "uptime_seconds", "expert_count_by_status", "event_store", "cache"} {
		if v, ok := health[key]; ok {
			fmt.Printf("%-24s %v\n", key+":", v)
		}
	}
	return nil
}
