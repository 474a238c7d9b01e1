package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/brainrun/brains/adapters/eventlog"
	eventlogmongo "github.com/brainrun/brains/adapters/eventlog/mongo"
	"github.com/brainrun/brains/adapters/llm/anthropic"
	"github.com/brainrun/brains/adapters/llm/openai"
	"github.com/brainrun/brains/adapters/resources"
	"github.com/brainrun/brains/config"
	"github.com/brainrun/brains/httpapi"
	"github.com/brainrun/brains/llm"
	"github.com/brainrun/brains/registry"
	"github.com/brainrun/brains/scheduler"
	"github.com/brainrun/brains/supervisor"
)

// newServeCmd builds the `brainsd serve` command: it wires every brain
// registered against registry.Default (via that package's init-time side
// effects — a deployment imports its brain packages for their Define calls)
// into a supervisor.Supervisor, scheduler.Scheduler, scheduler.WebhookRouter
// and adapters/resources.Store, then serves httpapi.Server's routes.
func newServeCmd() *cobra.Command {
	var (
		configPath   string
		mongoURI     string
		mongoDB      string
		resourceBase string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP surface over every registered brain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, mongoURI, mongoDB, resourceBase)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file (defaults applied if empty)")
	cmd.Flags().StringVar(&mongoURI, "mongo-uri", "", "MongoDB connection URI; empty uses an in-memory event log")
	cmd.Flags().StringVar(&mongoDB, "mongo-db", "brains", "MongoDB database name (used when --mongo-uri is set)")
	cmd.Flags().StringVar(&resourceBase, "resource-base-url", "https://resources.invalid", "Base URL the in-memory resources store signs presigned links against")

	return cmd
}

func runServe(ctx context.Context, configPath, mongoURI, mongoDB, resourceBase string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log, err := buildEventLog(ctx, mongoURI, mongoDB)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	super := supervisor.NewSupervisor(log, supervisor.Options{
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		SubscriberBuffer:  cfg.Supervisor.SubscriberBuffer,
	})

	source := registry.Default.Source()
	client := buildClientResolver()

	sched := scheduler.New(source, super, client)
	defer sched.Stop()
	if err := sched.SetDefaultTimezone(cfg.Scheduler.DefaultTimezone); err != nil {
		return fmt.Errorf("serve: set default timezone: %w", err)
	}

	router := scheduler.NewWebhookRouter(super)
	store := resources.New(resourceBase)

	srv := httpapi.NewServer(super, httpapi.Options{
		Source:    source,
		Titles:    registry.Titles,
		Client:    client,
		Scheduler: sched,
		Router:    router,
		Resources: store,
	})

	slog.Default().Info("brainsd listening", "addr", cfg.HTTP.ListenAddr, "brains", registry.Titles())
	return http.ListenAndServe(cfg.HTTP.ListenAddr, srv.Router())
}

// buildEventLog constructs the durable EventLog: Mongo-backed when uri is
// set, otherwise the in-memory Store (single-process deployments and local
// development only — it does not survive a restart).
func buildEventLog(ctx context.Context, uri, database string) (supervisor.EventLog, error) {
	if uri == "" {
		return eventlog.New(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return eventlogmongo.New(eventlogmongo.Options{Client: client, Database: database})
}

// buildClientResolver picks an llm.Client from whichever provider's API key
// is present in the environment (ANTHROPIC_API_KEY preferred, then
// OPENAI_API_KEY), shared by every brain title. A deployment with per-brain
// models would supply its own httpapi.Options.Client instead of calling
// this entry point directly.
func buildClientResolver() func(brainTitle string) llm.Client {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model := envOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929")
		c, err := anthropic.NewFromAPIKey(apiKey, anthropic.Options{Model: model, MaxTokens: 4096})
		if err == nil {
			return func(string) llm.Client { return c }
		}
		slog.Default().Warn("anthropic client unavailable", "error", err.Error())
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		model := envOrDefault("OPENAI_MODEL", "gpt-4o")
		c, err := openai.NewFromAPIKey(apiKey, openai.Options{Model: model, MaxTokens: 4096})
		if err == nil {
			return func(string) llm.Client { return c }
		}
		slog.Default().Warn("openai client unavailable", "error", err.Error())
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
