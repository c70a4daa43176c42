package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/boristopalov/huddle/internal/journal"
	"github.com/boristopalov/huddle/internal/logging"
	"github.com/boristopalov/huddle/internal/server"
	"github.com/boristopalov/huddle/pkg/config"
	"github.com/boristopalov/huddle/pkg/core"
	"github.com/boristopalov/huddle/pkg/experiment"
	"github.com/boristopalov/huddle/pkg/providers"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "huddle",
		Short:        "Huddle runs LLM agents in a shared meeting and batches the messages they receive.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./huddle.yaml)")

	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(newRunCmd(), newJournalCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		duration time.Duration
		linger   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agents in one meeting; stdin lines are said by the human",
		Long: `Start the configured agents in one meeting. Every line read from stdin is
broadcast into the meeting by the human. A line starting with @agent-N is sent
to that agent only. The run ends on EOF, on interrupt or after --duration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), duration, linger)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (0 runs until EOF or interrupt)")
	cmd.Flags().DurationVar(&linger, "linger", 2*time.Second, "keep the agents running this long after stdin ends")
	return cmd
}

func run(ctx context.Context, duration, linger time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	client, err := providers.New(ctx, cfg.Provider.Name,
		providers.WithBaseURL(cfg.Provider.BaseURL),
		providers.WithAPIKey(cfg.Provider.APIKey),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", cfg.Provider.Name, err)
	}

	opts := []experiment.Option{
		experiment.WithClient(client),
		experiment.WithLinger(linger),
		experiment.WithLogger(logger),
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close journal")
			}
		}()
		opts = append(opts, experiment.WithRecorder(j))
	}

	exp, err := experiment.NewExperiment(cfg, opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		srv := server.New(cfg.Metrics.Addr, logger, exp.Environment().GetState)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server forced to shutdown")
			}
		}()
	}

	logger.Info().
		Int("agents", cfg.Agents.Count).
		Str("meeting_id", string(exp.MeetingID())).
		Str("provider", cfg.Provider.Name).
		Msg("starting huddle")

	if err := exp.Run(ctx, os.Stdin); err != nil {
		return fmt.Errorf("experiment failed: %w", err)
	}

	logger.Info().Msg("huddle finished")
	return nil
}

func newJournalCmd() *cobra.Command {
	var (
		agentID string
		limit   int
		path    string
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the most recent batches delivered to an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Journal.Path
			}
			if path == "" {
				return fmt.Errorf("%w: no journal path configured", config.ErrConfiguration)
			}

			j, err := journal.Open(path, logging.New(cfg.Log.Level, cfg.Log.Format))
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), core.AgentID(agentID), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "#%d %s %s (%d messages)\n",
					e.ID, e.DeliveredAt.Format(time.RFC3339), e.Context, len(e.Messages))
				for _, msg := range e.Messages {
					fmt.Fprintf(out, "  %s\n", msg.String())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id, e.g. agent-1")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of batches to show")
	cmd.Flags().StringVar(&path, "path", "", "journal file (defaults to journal.path from the config)")
	cmd.MarkFlagRequired("agent")
	return cmd
}
