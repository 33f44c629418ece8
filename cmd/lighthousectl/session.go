package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a session token for --agent-id",
	RunE:  runSessionCreate,
}

var sessionIP, sessionUserAgent string

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionIP, "ip", "127.0.0.1", "caller IP to record")
	sessionCreateCmd.Flags().StringVar(&sessionUserAgent, "user-agent", "lighthousectl", "caller user agent to record")
	sessionCmd.AddCommand(sessionCreateCmd)
	rootCmd.AddCommand(sessionCmd)
}

type sessionCreateRequest struct {
	AgentID   string `json:"agent_id"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	if agentID == "" {
		return fmt.Errorf("--agent-id is required")
	}

	var session map[string]interface{}
	err := doJSON(cmd.Context(), "POST", "/sessions", sessionCreateRequest{
		AgentID:   agentID,
		IP:        sessionIP,
		UserAgent: sessionUserAgent,
	}, &session)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(session)
	}
	fmt.Printf("session_id:    %v\n", session["SessionID"])
	fmt.Printf("session_token: %v\n", session["SessionToken"])
	return nil
}
