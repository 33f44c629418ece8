package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var expertCmd = &cobra.Command{
	Use:   "expert",
	Short: "Manage expert registrations",
}

var expertRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register --agent-id as an expert for one or more capabilities",
	RunE:  runExpertRegister,
}

var (
	expertCapabilities []string
	expertMaxInFlight  int
)

func init() {
	expertRegisterCmd.Flags().StringArrayVar(&expertCapabilities, "capability", nil, "capability this expert can score (repeatable)")
	expertRegisterCmd.Flags().IntVar(&expertMaxInFlight, "max-in-flight", 1, "maximum concurrent validations this expert accepts")
	expertCmd.AddCommand(expertRegisterCmd)
	rootCmd.AddCommand(expertCmd)
}

type registerExpertRequest struct {
	Token        string          `json:"token"`
	AgentID      string          `json:"agent_id"`
	Capabilities map[string]bool `json:"capabilities"`
	MaxInFlight  int             `json:"max_in_flight"`
}

func runExpertRegister(cmd *cobra.Command, args []string) error {
	if agentID == "" {
		return fmt.Errorf("--agent-id is required")
	}
	if len(expertCapabilities) == 0 {
		return fmt.Errorf("at least one --capability is required")
	}

	capabilities := make(map[string]bool, len(expertCapabilities))
	for _, c := range expertCapabilities {
		capabilities[c] = true
	}

	var result map[string]interface{}
	err := doJSON(cmd.Context(), "POST", "/experts", registerExpertRequest{
		Token:        token,
		AgentID:      agentID,
		Capabilities: capabilities,
		MaxInFlight:  expertMaxInFlight,
	}, &result)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}
	fmt.Printf("registered %s for %d capabilities\n", agentID, len(capabilities))
	return nil
}
