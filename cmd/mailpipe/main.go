package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/mailpipe/mailpipe/internal/cas"
	"github.com/mailpipe/mailpipe/internal/config"
	"github.com/mailpipe/mailpipe/internal/database"
	"github.com/mailpipe/mailpipe/internal/export"
	"github.com/mailpipe/mailpipe/internal/pipeline"
	"github.com/mailpipe/mailpipe/internal/source"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailpipe",
		Short:         "Idempotent mail ingestion pipeline",
		Long:          "Mailpipe ingests messages from a mail store, extracts text, links,\ncalendar details and attachment content, and persists everything\nidempotently so overlapping runs never duplicate data.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCommand(), exportCommand(), &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mailpipe %s (%s)\n", version, commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	var (
		mailbox        string
		folder         string
		sinceArg       string
		useCheckpoint  bool
		checkpointName string
		limit          int
		poll           time.Duration
		dbPath         string
		storageRoot    string
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion pass (or poll continuously)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}
			if storageRoot != "" {
				cfg.StorageRoot = storageRoot
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if checkpointName == "" {
				checkpointName = cfg.CheckpointName
			}
			if err := cfg.ValidateIMAP(); err != nil {
				return err
			}

			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

			since, err := parseTime(sinceArg)
			if err != nil {
				return err
			}

			db, err := database.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := db.Migrate(ctx); err != nil {
				return err
			}

			blobs, err := cas.New(cfg.StorageRoot)
			if err != nil {
				return err
			}

			src := source.NewIMAPSource(source.IMAPConfig{
				Server:      cfg.IMAPServer,
				User:        cfg.IMAPUser,
				Password:    cfg.IMAPPassword,
				DialTimeout: cfg.IMAPDialTimeout,
			}, logger)

			orchestrator := pipeline.New(pipeline.Deps{
				Source: src,
				DB:     db,
				Blobs:  blobs,
				Logger: logger,
			})

			opts := pipeline.Options{
				Mailbox:        mailbox,
				Folder:         folder,
				Since:          since,
				UseCheckpoint:  useCheckpoint,
				CheckpointName: checkpointName,
				Limit:          limit,
			}

			for {
				summary, err := orchestrator.Run(ctx, opts)
				if err != nil {
					logger.Error("run failed", "error", err,
						"processed", summary.Processed, "failed", summary.Failed)
					if poll == 0 {
						return err
					}
				} else {
					fmt.Printf("processed=%d failed=%d checkpoint=%s\n",
						summary.Processed, summary.Failed, summary.Checkpoint)
				}
				if poll == 0 {
					return nil
				}

				// Later passes always resume from the stored checkpoint.
				opts.Since = nil
				opts.UseCheckpoint = true

				select {
				case <-ctx.Done():
					logger.Info("shutting down")
					return nil
				case <-time.After(poll):
				}
			}
		},
	}

	cmd.Flags().StringVar(&mailbox, "mailbox", "", "Mailbox name")
	cmd.Flags().StringVar(&folder, "folder", "INBOX", "Folder path, e.g. Inbox/Reports")
	cmd.Flags().StringVar(&sinceArg, "since", "", "Explicit start time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&useCheckpoint, "since-checkpoint", false, "Resume from the stored checkpoint")
	cmd.Flags().StringVar(&checkpointName, "checkpoint", "", "Checkpoint cursor name override")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max messages to process (0 = unbounded)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Re-run interval (0 = single pass)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path override")
	cmd.Flags().StringVar(&storageRoot, "storage-root", "", "Blob storage root override")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override")
	_ = cmd.MarkFlagRequired("mailbox")

	return cmd
}

func exportCommand() *cobra.Command {
	var (
		outDir   string
		maxBytes int
		limit    int
		sinceArg string
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump ingested emails as plain-text files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}

			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

			since, err := parseTime(sinceArg)
			if err != nil {
				return err
			}

			db, err := database.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			if err := db.Migrate(ctx); err != nil {
				return err
			}

			stats, err := export.Dump(ctx, db, logger, export.Options{
				Dir:      outDir,
				MaxBytes: maxBytes,
				Limit:    limit,
				Since:    since,
			})
			if err != nil {
				return err
			}
			fmt.Printf("emails=%d files=%d\n", stats.Emails, stats.Files)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "Output directory")
	cmd.Flags().IntVar(&maxBytes, "max-bytes", 5120, "Max bytes per dump file")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max emails to dump (0 = unbounded)")
	cmd.Flags().StringVar(&sinceArg, "since", "", "Only emails received at or after this time")
	cmd.Flags().StringVar(&dbPath, "db", "", "Database path override")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func parseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("failed to parse time %q", value)
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
