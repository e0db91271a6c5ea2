// Package handlers defines the CLI commands.
package handlers

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"papersorter/internal/config"
	"papersorter/internal/dedup"
	"papersorter/internal/dispatch"
	"papersorter/internal/embed"
	"papersorter/internal/feeds"
	"papersorter/internal/logger"
	"papersorter/internal/notify"
	"papersorter/internal/orchestrator"
	"papersorter/internal/predictor"
	"papersorter/internal/queue"
	"papersorter/internal/store"
)

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
	exitConfig  = 3
	exitStore   = 4
)

// codedError carries an exit code with the underlying error.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func storeUnavailable(err error) error {
	return &codedError{code: exitStore, err: err}
}

var cfgFile string

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "papersorter",
		Short: "PaperSorter filters academic paper feeds with a trained preference model",
		Long: `PaperSorter polls RSS/Atom feeds of academic papers, embeds new articles,
scores them with trained preference models, and broadcasts interesting ones
to Slack, Discord, or email channels.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.papersorter.yaml)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &codedError{code: exitUsage, err: err}
	})

	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewUpdateCmd())
	rootCmd.AddCommand(NewPredictCmd())
	rootCmd.AddCommand(NewBroadcastCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewEmbeddingsCmd())
	rootCmd.AddCommand(NewModelsCmd())
	rootCmd.AddCommand(NewChannelsCmd())
	rootCmd.AddCommand(NewSourcesCmd())
	rootCmd.AddCommand(NewLabelCmd())
	rootCmd.AddCommand(NewSimilarCmd())
	rootCmd.AddCommand(NewEventsCmd())

	return rootCmd
}

// Execute runs the root command and exits with the mapped code.
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitRuntime)
	}
}

// initConfig reads the config file and environment, then sets up logging.
func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	logger.Init(cfg.Logging.Level)
}

// openStore connects to the database using the loaded configuration.
func openStore() (*store.Store, error) {
	cfg := config.Get()
	st, err := store.Open(cfg.DB.DSN(), cfg.EmbeddingAPI.Dimensions, cfg.DB.MaxConns)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return st, nil
}

// buildScorer wires just the scoring stage, for predict.
func buildScorer(st *store.Store) *predictor.Scorer {
	cfg := config.Get()
	return predictor.NewScorer(st, queue.NewManager(st), cfg.Scoring.ModelDir,
		cfg.EmbeddingAPI.Dimensions, cfg.Scoring.BatchSize)
}

// buildOrchestrator wires the full pipeline from configuration.
func buildOrchestrator(st *store.Store) *orchestrator.Orchestrator {
	cfg := config.Get()

	deduper := dedup.New(st, cfg.FeedDefaults.DedupDays, cfg.FeedDefaults.DedupThreshold)
	client := feeds.NewClient(30*time.Second, cfg.FeedDefaults.SSLVerify)
	fetcher := feeds.NewFetcher(client, st, deduper,
		time.Duration(cfg.FeedDefaults.CheckIntervalHours)*time.Hour,
		cfg.Scheduler.Workers)

	api := embed.NewClient(cfg.EmbeddingAPI.APIURL, cfg.EmbeddingAPI.APIKey,
		cfg.EmbeddingAPI.Model, cfg.EmbeddingAPI.Dimensions)
	embedder := embed.NewEmbedder(api, st, cfg.EmbeddingAPI.BatchSize, cfg.EmbeddingAPI.TruncateChars)

	qm := queue.NewManager(st)
	scorer := predictor.NewScorer(st, qm, cfg.Scoring.ModelDir,
		cfg.EmbeddingAPI.Dimensions, cfg.Scoring.BatchSize)

	opts := notify.Options{BaseURL: cfg.Notification.BaseURL}
	smtp := notify.SMTPConfig{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Encryption:  cfg.SMTP.Encryption,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		FromAddress: cfg.SMTP.FromAddress,
	}
	dispatcher := dispatch.New(st, qm, func(endpoint string) (notify.Provider, error) {
		return notify.Detect(endpoint, opts, smtp)
	}, cfg.Notification.GlobalCap, cfg.FeedDefaults.DedupThreshold,
		cfg.Notification.GlobalRatePerSec, cfg.Notification.GlobalBurst)

	return orchestrator.New(st, fetcher, embedder, scorer, dispatcher, qm,
		time.Duration(cfg.Retention.BroadcastDays)*24*time.Hour,
		time.Duration(cfg.Retention.QueueDays)*24*time.Hour)
}
