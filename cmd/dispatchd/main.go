// Package main is the entry point for the dispatchd CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/routeflow/dispatch/internal/authorizer"
	"github.com/routeflow/dispatch/internal/config"
	"github.com/routeflow/dispatch/internal/dispatcher"
	"github.com/routeflow/dispatch/internal/invoker"
	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/plugins"
	"github.com/routeflow/dispatch/internal/queue"
	"github.com/routeflow/dispatch/internal/registry"
	"github.com/routeflow/dispatch/internal/resolver"
	"github.com/routeflow/dispatch/internal/session"
	"github.com/routeflow/dispatch/internal/store"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

// core holds the wired component graph for one process.
type core struct {
	dispatcher *dispatcher.Dispatcher
	tasks      *dispatcher.Tasks
	store      *store.Store
	redis      *queue.RedisQueue
}

func (c *core) close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

// buildCore loads configuration and wires the dispatch components. When
// Redis is unreachable the task queue degrades to the in-memory
// implementation so direct dispatch keeps working.
func buildCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	observability.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	reg := registry.New()
	manager := plugins.NewManager(reg, cfg.Plugins.MaxWorkers)
	if cfg.Plugins.ConfigPath != "" {
		doc, err := plugins.LoadDocument(cfg.Plugins.ConfigPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		manager.Initialize(ctx, doc)
	}

	remote := invoker.NewHTTPInvoker(cfg.Invoker.BaseURL, cfg.Invoker.Timeout)
	inv := invoker.New(reg, remote)
	res := resolver.New(st, resolver.Options{
		CacheTTL:         cfg.Resolver.CacheTTL,
		SharedEndpointID: cfg.Resolver.SharedEndpointID,
	})
	gw := authorizer.New(inv)
	sessions := session.New(st, res, gw, inv, session.Options{
		Retention:       cfg.Sessions.Retention,
		ContextProvider: manager.Context,
	})

	c := &core{store: st}
	var q queue.Queue
	var alerts queue.AlertPublisher
	if rq, err := queue.NewRedisQueue(cfg.Queue.RedisAddr); err == nil {
		c.redis = rq
		q = rq
		alerts = queue.NewRedisAlerts(rq, cfg.Queue.AlertChannel)
	} else {
		mainLogger := observability.Logger("main")
		mainLogger.Warn().Err(err).Msg("redis unavailable, using in-memory queue")
		q = queue.NewMemoryQueue()
	}

	c.tasks = dispatcher.NewTasks(res, inv, q, alerts, dispatcher.TasksOptions{
		MaxMessages:     cfg.Queue.MaxMessages,
		CompletionFunct: cfg.Queue.CompletionFunct,
		ContextProvider: manager.Context,
	})
	c.dispatcher = dispatcher.New(res, inv, invoker.NewWorker(reg), gw, sessions, c.tasks, manager.Context)
	return c, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Multi-tenant function dispatch core",
		Long:  "dispatchd classifies inbound events, resolves tenant function bindings and dispatches them to local or remote targets.",
	}

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(drainCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatchd %s (built %s)\n", Version, BuildTime)
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch [event-file]",
		Short: "Dispatch one event document and print the response envelope",
		Long:  "Reads an event JSON document from the given file, or stdin when the file is - or omitted, routes it through the dispatch core and prints the resulting envelope.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readEvent(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := buildCore(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			envelope := c.dispatcher.Handle(ctx, raw)
			out, err := json.MarshalIndent(envelope, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func drainCmd() *cobra.Command {
	var queueName, endpointID, funct string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain a task queue until it is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildCore(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			task := &dispatcher.Task{
				EndpointID: endpointID,
				Funct:      funct,
				QueueName:  queueName,
			}
			if err := c.tasks.Submit(ctx, task); err != nil {
				return err
			}
			cycles, err := c.tasks.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("drained %s in %d cycles\n", queueName, cycles)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "queue to drain")
	cmd.Flags().StringVar(&endpointID, "endpoint", "0", "endpoint id for batch dispatch")
	cmd.Flags().StringVar(&funct, "funct", "", "function receiving each batch")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("funct")
	return cmd
}

func readEvent(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}
