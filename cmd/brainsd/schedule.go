package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newScheduleCmd groups schedule-inspection subcommands. Scheduler state
// (scheduler.Scheduler) lives entirely in the serving process's memory —
// there is no separate durable store a CLI invocation could read directly —
// so `schedule list` is a thin HTTP client against a running `brainsd serve`
// instance's GET /brains/schedules route, the same route a UI would call.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect cron schedules on a running brainsd server",
	}
	cmd.AddCommand(newScheduleListCmd())
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleList(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of a running brainsd server")
	return cmd
}

func runScheduleList(addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(addr + "/brains/schedules")
	if err != nil {
		return fmt.Errorf("schedule list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("schedule list: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("schedule list: server returned %s: %s", resp.Status, body)
	}

	var schedules []map[string]any
	if err := json.Unmarshal(body, &schedules); err != nil {
		return fmt.Errorf("schedule list: decode response: %w", err)
	}

	pretty, err := json.MarshalIndent(schedules, "", "  ")
	if err != nil {
		return fmt.Errorf("schedule list: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}
