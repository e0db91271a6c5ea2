package handlers

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"papersorter/internal/config"
)

// NewInitCmd creates the schema initialization command.
func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database schema",
		Long: `Create all tables and indexes. The embedding dimension is fixed at this
point from embedding_api.dimensions; changing it later requires resetting
embeddings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Schema initialized (embedding dimension %d)\n", st.Dimension())
			return nil
		},
	}
}

// NewUpdateCmd creates the full ingestion pass command.
func NewUpdateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Poll feeds, embed new articles, and score them",
		Long: `Run one full ingestion pass: poll due feed sources, deduplicate and store
new articles, embed them, score them with every active model, and queue
qualifying articles for broadcast.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return buildOrchestrator(st).Update(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rescore all embedded articles, not just unscored ones")
	return cmd
}

// NewPredictCmd creates the scoring-only command.
func NewPredictCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score embedded articles without polling feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			scorer := buildScorer(st)
			stats, err := scorer.Run(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Printf("Scored %d articles with %d models, enqueued %d\n",
				stats.Scored, stats.Models, stats.Enqueued)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rescore all embedded articles, not just unscored ones")
	return cmd
}

// NewBroadcastCmd creates the dispatch command.
func NewBroadcastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast",
		Short: "Deliver queued articles to their channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return buildOrchestrator(st).Broadcast(cmd.Context())
		},
	}
}

// NewServeCmd creates the scheduler daemon command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run update and broadcast on their cron schedules",
		Long: `Run as a daemon, triggering updates and broadcasts on the schedules from
scheduler.update_cron and scheduler.broadcast_cron. Stops cleanly on
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := config.Get()
			err = buildOrchestrator(st).Serve(ctx, cfg.Scheduler.UpdateCron, cfg.Scheduler.BroadcastCron)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}
