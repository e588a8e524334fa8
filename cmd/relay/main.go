// Package main is the entry point for the relay CLI. Relay routes a task to
// the best available (agent profile, inference model) pair and executes the
// generation against a local inference backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/relay/internal/agents"
	"github.com/normanking/relay/internal/backend"
	"github.com/normanking/relay/internal/catalog"
	"github.com/normanking/relay/internal/config"
	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/router"
	"github.com/normanking/relay/internal/scoring"
	"github.com/normanking/relay/internal/server"
	"github.com/normanking/relay/internal/usage"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - task-to-model routing for local inference",
		Long: `Relay routes a user task to the best available agent profile and
inference model, scores candidates with a multi-factor fitness function, and
degrades gracefully down a fallback chain when a backend fails.

Serve the HTTP surface:   relay serve
Route one task:           relay route --task-type code_generation "write a parser"
Inspect configuration:    relay agents / relay models / relay stats`,
		PersistentPreRunE: initLogging,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.relay/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initLogging configures the global logger before any command runs.
func initLogging(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	log = logging.New(&logging.Config{
		Level:    level,
		Colored:  true,
		ShowTime: true,
	})
	logging.SetGlobal(log)
	return nil
}

// loadConfig reads the configuration, honoring the --config override.
func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// buildRouter assembles the full object graph from configuration.
func buildRouter(cfg *config.Config) (*router.Router, func(), error) {
	if cfg.Logging.File != "" {
		if err := log.SetFileOutput(cfg.Logging.File); err != nil {
			log.Warn("file logging disabled: %v", err)
		}
	}
	if !verbose {
		logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}

	reg := agents.NewRegistry()
	if err := reg.LoadFile(cfg.Agents.Path); err != nil {
		return nil, nil, fmt.Errorf("load agents: %w", err)
	}

	disp := backend.NewDispatcher()
	disp.Register(catalog.KindDaemonHTTP, backend.NewDaemon(
		cfg.Backends.Daemon.Endpoint,
		backend.WithGenerateTimeout(time.Duration(cfg.Backends.Daemon.GenerateTimeoutSec)*time.Second),
	))
	disp.Register(catalog.KindEmbedded, backend.NewEmbedded(backend.DefaultRuntime()))

	chk := catalog.NewChecker(cat, disp.Probers(),
		time.Duration(cfg.Catalog.ProbeTTLSec)*time.Second,
		time.Duration(cfg.Catalog.ProbeTimeoutSec)*time.Second,
	)

	var store *usage.Store
	cleanup := func() { log.Close() }
	if cfg.Usage.DBPath != "" {
		store, err = usage.OpenStore(cfg.Usage.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open usage store: %w", err)
		}
		cleanup = func() {
			store.Close()
			log.Close()
		}
	}
	tracker := usage.NewTracker(store)

	weights := scoring.Weights{
		TaskMatch:    cfg.Scoring.TaskMatchWeight,
		ModelPerf:    cfg.Scoring.ModelPerfWeight,
		Priority:     cfg.Scoring.PriorityWeight,
		TagBonus:     cfg.Scoring.TagBonusWeight,
		LatencyBonus: cfg.Scoring.LatencyBonusWeight,
	}

	r := router.New(cat, chk, reg, disp, tracker, weights, router.GenDefaults{
		MaxTokens:   cfg.Defaults.MaxTokens,
		Temperature: cfg.Defaults.Temperature,
	})
	return r, cleanup, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP routing surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, cleanup, err := buildRouter(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := server.New(r, cfg.Server.Addr, cfg.Server.AllowedOrigins)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Info("received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
}

func routeCmd() *cobra.Command {
	var (
		taskType  string
		tags      []string
		prefer    string
		avoid     string
		latencyMs int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "route [input]",
		Short: "Route one task from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, cleanup, err := buildRouter(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			res := r.Route(cmd.Context(), strings.Join(args, " "), router.TaskContext{
				TaskType:             taskType,
				Tags:                 tags,
				PreferredModel:       prefer,
				AvoidModel:           avoid,
				LatencyRequirementMs: latencyMs,
			})

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(res)
			}

			fmt.Printf("agent:      %s\n", res.Agent)
			fmt.Printf("model:      %s\n", res.Model)
			fmt.Printf("confidence: %.2f\n", res.Confidence)
			fmt.Printf("latency:    %dms\n", res.LatencyMs)
			if res.Degraded {
				fmt.Printf("degraded:   %s\n", res.Metadata["error"])
			}
			fmt.Printf("\n%s\n", res.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "task-type", "", "task type (e.g. code_generation)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "routing tags (repeatable)")
	cmd.Flags().StringVar(&prefer, "prefer", "", "preferred model key")
	cmd.Flags().StringVar(&avoid, "avoid", "", "model key to exclude")
	cmd.Flags().IntVar(&latencyMs, "latency-ms", 0, "latency requirement in milliseconds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the raw result as JSON")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agent profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := agents.NewRegistry()
			if err := reg.LoadFile(cfg.Agents.Path); err != nil {
				return err
			}

			for _, p := range reg.List() {
				marker := " "
				if p.Default {
					marker = "*"
				}
				fmt.Printf("%s %-20s prio=%-3d tasks=%s\n",
					marker, p.Name, p.Priority, strings.Join(p.TaskTypes, ","))
			}
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.Load(cfg.Catalog.Path)
			if err != nil {
				return err
			}

			for _, m := range cat.List() {
				fmt.Printf("%-20s %-22s ctx=%-6d lat=%-5dms caps=%s\n",
					m.Key, m.BackendType, m.Performance.ContextLength,
					m.Performance.LatencyMs, strings.Join(m.Capabilities, ","))
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics from a running relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/api/stats", cfg.Server.Addr)
			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("is `relay serve` running? %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(append(body, '\n'))
			return err
		},
	}
}
