// Calsync keeps an item store and a Google Calendar in step: local item
// changes are pushed to the calendar, and calendar changes arrive back over
// push notifications.
//
// Usage:
//
//	calsync serve [--config <path>]                     # HTTP server + renewal sweep
//	calsync sync-once --user <id> [--from ...] [--to ...]  # single full sync pass then exit
//	calsync status                                      # show config and state DB
//	calsync version                                     # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/njoerd114/calsync/internal/auth"
	"github.com/njoerd114/calsync/internal/config"
	"github.com/njoerd114/calsync/internal/gcal"
	"github.com/njoerd114/calsync/internal/items"
	"github.com/njoerd114/calsync/internal/server"
	"github.com/njoerd114/calsync/internal/state"
	syncp "github.com/njoerd114/calsync/internal/sync"
	"github.com/njoerd114/calsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// defaultSyncSpan is the window sync-once covers when --from/--to are omitted:
// a week back, ninety days ahead.
const (
	defaultSyncLookback  = 7 * 24 * time.Hour
	defaultSyncLookahead = 90 * 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		return runServe(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus()
	case "version":
		fmt.Println("calsync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'calsync' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "Calsync — sync an item store with Google Calendar")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calsync serve [--config ...]                 Run the sync service")
	fmt.Fprintln(os.Stderr, "  calsync sync-once --user <id> [--from ...] [--to ...]")
	fmt.Fprintln(os.Stderr, "                                               Single full sync pass then exit")
	fmt.Fprintln(os.Stderr, "  calsync status                               Show config and state DB")
	fmt.Fprintln(os.Stderr, "  calsync version                              Print version")
	fmt.Fprintln(os.Stderr, "")
	os.Exit(1)
	return nil // unreachable
}

// deps bundles everything both serve and sync-once need wired up.
type deps struct {
	cfg    *config.Config
	store  *state.Store
	engine *syncp.Engine
	subs   *syncp.SubscriptionManager
	creds  *auth.Client
	logger *slog.Logger
}

// setup loads configuration and constructs the adapter stack. The caller must
// Close the returned state store.
func setup(cfgPath string, verbose bool) (*deps, telemetry.ShutdownFunc, error) {
	// A local .env overlays the process environment; absence is fine.
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"calendar_id", cfg.CalendarID,
		"webhook_url", cfg.WebhookURL(),
	)

	shutdownTel := telemetry.ShutdownFunc(func(context.Context) error { return nil })
	if cfg.Telemetry != nil {
		fn, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			shutdownTel = fn
		}
	}

	dbPath, err := state.DefaultDBPath()
	if err != nil {
		return nil, shutdownTel, fmt.Errorf("resolving state DB path: %w", err)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, shutdownTel, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	logger.Info("state DB opened", "path", dbPath)

	provider := gcal.New(logger)
	itemClient := items.NewClient(cfg.ItemServiceURL, logger)
	credClient := auth.NewClient(cfg.AuthServiceURL, cfg.ServiceSecret, logger)

	engine := syncp.NewEngine(provider, itemClient, store, store, credClient, cfg.CalendarID, logger)
	subs := syncp.NewSubscriptionManager(provider, store, credClient, cfg.WebhookURL(), cfg.CalendarID, cfg.RenewalInterval, logger)

	return &deps{
		cfg:    cfg,
		store:  store,
		engine: engine,
		subs:   subs,
		creds:  credClient,
		logger: logger,
	}, shutdownTel, nil
}

func flushTelemetry(shutdown telemetry.ShutdownFunc, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
}

// runServe starts the HTTP server and the subscription renewal sweep, and
// blocks until SIGTERM/SIGINT.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, shutdownTel, err := setup(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdownTel, slog.Default())
	defer func() {
		if closeErr := d.store.Close(); closeErr != nil {
			d.logger.Error("closing state DB", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		if err := d.subs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("subscription manager stopped", "error", err)
		}
	}()

	srv := server.New(d.engine, d.subs, d.creds, d.logger)
	if err := srv.Run(ctx, d.cfg.ListenAddr); err != nil {
		return err
	}
	d.logger.Info("shutdown complete")
	return nil
}

// runSyncOnce performs one full sync pass for a single user and exits.
func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	userID := fs.String("user", "", "user id to sync (required)")
	fromStr := fs.String("from", "", "window start, RFC 3339 (default: a week ago)")
	toStr := fs.String("to", "", "window end, RFC 3339 (default: ninety days ahead)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("--user is required")
	}

	now := time.Now().UTC()
	from, to := now.Add(-defaultSyncLookback), now.Add(defaultSyncLookahead)
	var err error
	if *fromStr != "" {
		if from, err = time.Parse(time.RFC3339, *fromStr); err != nil {
			return fmt.Errorf("parsing --from: %w", err)
		}
	}
	if *toStr != "" {
		if to, err = time.Parse(time.RFC3339, *toStr); err != nil {
			return fmt.Errorf("parsing --to: %w", err)
		}
	}

	d, shutdownTel, err := setup(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer flushTelemetry(shutdownTel, slog.Default())
	defer func() {
		if closeErr := d.store.Close(); closeErr != nil {
			d.logger.Error("closing state DB", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	token, err := d.creds.GoogleTokenForUser(ctx, *userID)
	if err != nil {
		return fmt.Errorf("obtaining provider token for user %q: %w", *userID, err)
	}

	stats, err := d.engine.FullSync(ctx, token, *userID, from, to)
	d.logger.Info("sync complete",
		"remote_created", stats.RemoteToLocal.Created,
		"remote_updated", stats.RemoteToLocal.Updated,
		"remote_deleted", stats.RemoteToLocal.Deleted,
		"local_created", stats.LocalToRemote.Created,
		"errors", stats.Errors,
	)
	return err
}

// runStatus prints the current configuration and state DB summary.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	dbPath, _ := state.DefaultDBPath()

	fmt.Println("Calsync Status")
	fmt.Println("──────────────")

	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:      %s ✓\n", cfgPath)
			fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
			fmt.Printf("  Calendar:    %s\n", cfg.CalendarID)
			fmt.Printf("  Webhook:     %s\n", cfg.WebhookURL())
		} else {
			fmt.Printf("  Config:      %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:      not found (%s)\n", cfgPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  State DB:    %s (%s)\n", dbPath, humanSize(info.Size()))
		if store, openErr := state.Open(dbPath); openErr == nil {
			if n, countErr := store.CountRecords(context.Background()); countErr == nil {
				fmt.Printf("  Sync records: %d\n", n)
			}
			_ = store.Close()
		}
	} else {
		fmt.Printf("  State DB:    not found\n")
	}

	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
