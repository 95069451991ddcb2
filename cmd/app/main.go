package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/inkwell/internal"
	pkgconfig "github.com/starford/inkwell/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	owner := cmd.String("owner")
	if owner == "" {
		owner = cfg.Client.OwnerID
	}
	return internal.RunMCP(ctx, owner, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func watch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunWatch(ctx, internal.WithConfig(cfg))
}

func drain(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunDrain(ctx, internal.WithConfig(cfg))
}

func purge(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	olderThan := cfg.Content.PurgeAfter
	if cmd.IsSet("older-than") {
		olderThan = cmd.Duration("older-than")
	}
	return internal.RunPurge(ctx, olderThan, internal.WithConfig(cfg))
}

func compact(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunCompact(ctx, internal.WithConfig(cfg))
}

func main() {
	cmd := &cli.Command{
		Name:   "inkwell",
		Usage:  "Markdown notes with debounced autosave, offline staging and a link graph",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and event stream",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve note tools over MCP stdio",
				Action: mcp,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "owner",
						Usage:   "Owner the tools act for (defaults to client.owner_id)",
						Sources: cli.EnvVars("INKWELL_OWNER_ID"),
					},
				},
			},
			{
				Name:   "watch",
				Usage:  "Autosave a local workspace of markdown files to the server",
				Action: watch,
			},
			{
				Name:   "drain",
				Usage:  "Replay changes staged while the server was unreachable",
				Action: drain,
			},
			{
				Name:   "purge",
				Usage:  "Permanently delete notes that were soft-deleted long ago",
				Action: purge,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "older-than",
						Usage: "Minimum age of the deletion (defaults to content.purge_after)",
					},
				},
			},
			{
				Name:   "compact",
				Usage:  "Delete stored note bodies no note refers to",
				Action: compact,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
