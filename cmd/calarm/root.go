package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"calarm/internal/config"
	"calarm/internal/ics"
	appLog "calarm/internal/log"
	"calarm/internal/query"
	"calarm/internal/store"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "calarm",
	Short: "Calendar store, recurrence engine and alarm daemon",
	Long: `calarm keeps iCalendar files (a main calendar, an optional archive and
up to ten foreign calendars), expands their recurrences and fires alarms.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is loaded after flag defaults are set up.
		if v := os.Getenv("CALARM_CONFIG"); v != "" && !cmd.Flags().Changed("config") {
			configPath = v
		}
		if logLevel != "" {
			appLog.SetLevel(appLog.ParseLevel(logLevel))
		}
	},
}

// Execute is the entry point called from main.
func Execute() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		appLog.Warn(".env not loaded", "err", err.Error())
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./calarm.yaml", "Path to config file (env CALARM_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dayCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(unarchiveCmd)
	rootCmd.AddCommand(alarmsCmd)
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	loc    *time.Location
	store  *store.Store
	finder *query.Finder
}

// loadApp reads the config and opens the main calendar, plus the foreign
// calendars when withForeign is set.
func loadApp(ctx context.Context, withForeign bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if logLevel == "" {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	fetcher := ics.NewFetcher(cfg.Path("remote-cache"), 0)
	st := store.New(store.FromConfig(cfg, loc, fetcher))
	if err := st.Open(ctx); err != nil {
		return nil, err
	}
	if withForeign {
		if err := st.OpenForeign(ctx); err != nil {
			// A broken foreign calendar must not keep the rest from working.
			appLog.Error("foreign calendars partially loaded", err)
		}
	}
	appLog.Debug("effective config",
		"config_path", configPath,
		"data_dir", cfg.DataDir,
		"timezone", loc.String(),
		"foreign_count", len(cfg.Foreign),
		"archive", cfg.Archive.Enabled,
	)
	return &app{cfg: cfg, loc: loc, store: st, finder: query.NewFinder(st)}, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
