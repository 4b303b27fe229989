package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"nostr-sync/internal/config"
	"nostr-sync/internal/syncer"
	pkgconfig "nostr-sync/pkg/config"
)

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if authors := cmd.StringSlice("author"); len(authors) > 0 {
		cfg.Syncer.Authors = authors
		if err := cfg.Syncer.Validate(); err != nil {
			return fmt.Errorf("invalid --author: %w", err)
		}
	}
	if url := cmd.String("cache-url"); url != "" {
		cfg.Syncer.CacheURL = url
	}

	logger := config.InitLogger(cfg.App.LogLevel)

	s, err := syncer.New(cfg, logger)
	if err != nil {
		return err
	}
	if relays := cmd.StringSlice("relay"); len(relays) > 0 {
		s.Client().Relays().AddInbox(relays...)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func main() {
	cmd := &cli.Command{
		Name:   "syncer",
		Usage:  "Follow authors through their write relays and stream their events into the sync cache",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringSliceFlag{
				Name:  "author",
				Usage: "Hex pubkey to follow (repeatable, overrides syncer.authors)",
			},
			&cli.StringSliceFlag{
				Name:  "relay",
				Usage: "Extra inbox relay for authors without a relay list (repeatable)",
			},
			&cli.StringFlag{
				Name:    "cache-url",
				Usage:   "Sync cache base URL",
				Sources: cli.EnvVars("SYNC_CACHE_URL"),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("syncer error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
