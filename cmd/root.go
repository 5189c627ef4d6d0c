/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"feedhub/config"
)

const configKey = "config"

func RootApp() *cli.App {
	return &cli.App{
		Name:  "feedhub",
		Usage: "Aggregate IndieWeb feeds into filtered channels",
		Description: `Feedhub follows feeds published as microformats (and RSS or Atom
		feeds linking to microformat pages), keeps WebSub subscriptions with
		their hubs current and routes every ingested entry into the channels
		that follow its feed.

		Settings are read from a TOML file given with --config. Flags can
		generally be set via environment variables, e.g.:

		--config => FEEDHUB_CONFIG=feedhub.toml
		--database => FEEDHUB_DATABASE=feedhub.db
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML configuration file",
				EnvVars: []string{"FEEDHUB_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file location",
				EnvVars: []string{"FEEDHUB_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"FEEDHUB_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text or json)",
				EnvVars: []string{"FEEDHUB_LOG_FORMAT"},
			},
		},
		Before: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}
			if ctx.IsSet("database") {
				cfg.Database.Path = ctx.String("database")
			}
			if ctx.IsSet("log-level") {
				cfg.Log.Level = ctx.String("log-level")
			}
			if ctx.IsSet("log-format") {
				cfg.Log.Format = ctx.String("log-format")
			}
			if err := cfg.Log.Apply(); err != nil {
				return err
			}
			ctx.App.Metadata[configKey] = cfg
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			refreshCmd(),
			migrateCmd(),
			rollbackCmd(),
			feedsCmd(),
			channelsCmd(),
			syncCmd(),
			tidyCmd(),
		},
		Metadata: map[string]interface{}{},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

// Execute runs the app until it finishes or the process is interrupted
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := RootApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadedConfig(ctx *cli.Context) *config.TomlConfig {
	if cfg, ok := ctx.App.Metadata[configKey].(*config.TomlConfig); ok {
		return cfg
	}
	return config.Default()
}
