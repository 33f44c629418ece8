package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var elicitationCmd = &cobra.Command{
	Use:   "elicitation",
	Short: "Respond to elicitation requests",
}

var elicitationRespondCmd = &cobra.Command{
	Use:   "respond <elicitation-id>",
	Short: "Respond to an elicitation addressed to --agent-id",
	Args:  cobra.ExactArgs(1),
	RunE:  runElicitationRespond,
}

var (
	elicitationResponse          string
	elicitationDeliverySignature string
)

func init() {
	elicitationRespondCmd.Flags().StringVar(&elicitationResponse, "response", "", "accept, decline, or cancel")
	elicitationRespondCmd.Flags().StringVar(&elicitationDeliverySignature, "delivery-signature", "", "delivery signature from the elicitation notification")
	elicitationRespondCmd.MarkFlagRequired("response")
	elicitationRespondCmd.MarkFlagRequired("delivery-signature")
	elicitationCmd.AddCommand(elicitationRespondCmd)
	rootCmd.AddCommand(elicitationCmd)
}

type respondElicitationRequest struct {
	Token             string `json:"token"`
	AgentID           string `json:"agent_id"`
	DeliverySignature string `json:"delivery_signature"`
	ResponseType      string `json:"response_type"`
}

func runElicitationRespond(cmd *cobra.Command, args []string) error {
	if agentID == "" {
		return fmt.Errorf("--agent-id is required")
	}

	var result map[string]interface{}
	err := doJSON(cmd.Context(), "POST", "/elicitations/"+args[0]+"/respond", respondElicitationRequest{
		Token:             token,
		AgentID:           agentID,
		DeliverySignature: elicitationDeliverySignature,
		ResponseType:      elicitationResponse,
	}, &result)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}
	fmt.Printf("applied: %v\n", result["applied"])
	return nil
}
