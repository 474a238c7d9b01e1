package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	eventlogmongo "github.com/brainrun/brains/adapters/eventlog/mongo"
)

// newMigrateLogCmd builds `brainsd migrate-log`: copies one run's event log,
// in append order, from a source MongoDB collection to a destination one.
// It never rewrites or reinterprets an event's payload — it only replays
// Append calls against a different store, the same operation an operator
// performs by hand when moving a run between clusters or databases.
func newMigrateLogCmd() *cobra.Command {
	var (
		runID   string
		fromURI string
		fromDB  string
		toURI   string
		toDB    string
	)

	cmd := &cobra.Command{
		Use:   "migrate-log",
		Short: "Copy one run's event log from one MongoDB-backed store to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateLog(cmd.Context(), runID, fromURI, fromDB, toURI, toDB)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to migrate (required)")
	cmd.Flags().StringVar(&fromURI, "from-uri", "", "Source MongoDB connection URI (required)")
	cmd.Flags().StringVar(&fromDB, "from-db", "brains", "Source database name")
	cmd.Flags().StringVar(&toURI, "to-uri", "", "Destination MongoDB connection URI (required)")
	cmd.Flags().StringVar(&toDB, "to-db", "brains", "Destination database name")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("from-uri")
	_ = cmd.MarkFlagRequired("to-uri")

	return cmd
}

func runMigrateLog(ctx context.Context, runID, fromURI, fromDB, toURI, toDB string) error {
	from, err := connectEventLog(ctx, fromURI, fromDB)
	if err != nil {
		return fmt.Errorf("migrate-log: source: %w", err)
	}
	to, err := connectEventLog(ctx, toURI, toDB)
	if err != nil {
		return fmt.Errorf("migrate-log: destination: %w", err)
	}

	events, err := from.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("migrate-log: load %s: %w", runID, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("migrate-log: run %s has no events at the source", runID)
	}

	for i, e := range events {
		if err := to.Append(ctx, e); err != nil {
			return fmt.Errorf("migrate-log: append event %d/%d: %w", i+1, len(events), err)
		}
	}

	fmt.Printf("migrated %d events for run %s\n", len(events), runID)
	return nil
}

func connectEventLog(ctx context.Context, uri, database string) (*eventlogmongo.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return eventlogmongo.New(eventlogmongo.Options{Client: client, Database: database})
}
