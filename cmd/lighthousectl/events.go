package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the audit event log",
}

var eventsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query events by type and aggregate",
	RunE:  runEventsQuery,
}

var (
	eventTypes   []string
	aggregateIDs []string
	queryOffset  int
	queryLimit   int
)

func init() {
	eventsQueryCmd.Flags().StringArrayVar(&eventTypes, "event-type", nil, "event type to filter on (repeatable)")
	eventsQueryCmd.Flags().StringArrayVar(&aggregateIDs, "aggregate-id", nil, "aggregate ID to filter on (repeatable)")
	eventsQueryCmd.Flags().IntVar(&queryOffset, "offset", 0, "result offset")
	eventsQueryCmd.Flags().IntVar(&queryLimit, "limit", 50, "result limit")
	eventsCmd.AddCommand(eventsQueryCmd)
	rootCmd.AddCommand(eventsCmd)
}

type queryEventsRequest struct {
	Token        string   `json:"token"`
	AgentID      string   `json:"agent_id"`
	EventTypes   []string `json:"event_types,omitempty"`
	AggregateIDs []string `json:"aggregate_ids,omitempty"`
	Offset       int      `json:"offset"`
	Limit        int      `json:"limit"`
}

func runEventsQuery(cmd *cobra.Command, args []string) error {
	if agentID == "" {
		return fmt.Errorf("--agent-id is required")
	}

	var result map[string]interface{}
	err := doJSON(cmd.Context(), "POST", "/events/query", queryEventsRequest{
		Token:        token,
		AgentID:      agentID,
		EventTypes:   eventTypes,
		AggregateIDs: aggregateIDs,
		Offset:       queryOffset,
		Limit:        queryLimit,
	}, &result)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	events, _ := result["Events"].([]interface{})
	fmt.Printf("%d of %v events\n", len(events), result["TotalCount"])
	for _, raw := range events {
		ev, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Printf("  [%v] %v %v\n", ev["sequence"], ev["event_type"], ev["aggregate_id"])
	}
	return nil
}
