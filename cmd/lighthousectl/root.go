package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
	agentID   string
	output    string
	timeout   time.Duration
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lighthousectl",
	Short: "Operator CLI for a Lighthouse node",
	Long: `lighthousectl talks to a running lighthouse-admin instance over HTTP:
checking health, registering experts, querying the audit log, and resolving
elicitations.

Examples:
  lighthousectl health
  lighthousectl expert register --capability sec-review --capability net-access
  lighthousectl events query --event-type command_blocked --limit 20
  lighthousectl elicitation respond <id> --response accept --delivery-signature <sig>`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("LIGHTHOUSECTL_SERVER", "http://localhost:8090"), "lighthouse-admin base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("LIGHTHOUSECTL_TOKEN"), "session token")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent-id", os.Getenv("LIGHTHOUSECTL_AGENT_ID"), "calling agent ID")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func httpClient() *http.Client {
	return &http.Client{Timeout: timeout}
}
