/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"feedhub/channels"
	"feedhub/config"
)

func channelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "channels",
		Usage: "Manage channels",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create a channel",
				ArgsUsage: "<name>",
				Action: func(ctx *cli.Context) error {
					name := ctx.Args().First()
					if name == "" {
						return fmt.Errorf("missing channel name")
					}

					database, err := openDatabase(loadedConfig(ctx))
					if err != nil {
						return err
					}
					defer database.Close()

					channel, err := database.CreateChannel(ctx.Context, name)
					if err != nil {
						return err
					}
					fmt.Printf("Channel %d: %s\n", channel.Id, channel.Name)
					return nil
				},
			},
			{
				Name:      "source",
				Usage:     "Route a feed into a channel",
				ArgsUsage: "<channel-id> <feed-id>",
				Description: `Adds the feed as a source of the channel. Entries are only added
				when they match the filter: a comma separated list of terms matched
				against the entry's tags and as whole words against its text. An
				empty filter accepts every entry.`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "filter",
						Usage: "Comma separated filter terms",
					},
				},
				Action: func(ctx *cli.Context) error {
					channelID, err := strconv.ParseInt(ctx.Args().Get(0), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid channel id %q", ctx.Args().Get(0))
					}
					feedID, err := strconv.ParseInt(ctx.Args().Get(1), 10, 64)
					if err != nil {
						return fmt.Errorf("invalid feed id %q", ctx.Args().Get(1))
					}

					database, err := openDatabase(loadedConfig(ctx))
					if err != nil {
						return err
					}
					defer database.Close()

					if _, err := database.GetChannel(ctx.Context, channelID); err != nil {
						return fmt.Errorf("channel %d: %w", channelID, err)
					}
					if _, err := database.GetFeed(ctx.Context, feedID); err != nil {
						return fmt.Errorf("feed %d: %w", feedID, err)
					}
					return database.AddChannelSource(ctx.Context, channelID, feedID, ctx.String("filter"))
				},
			},
		},
	}
}

func syncCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Create the channels and sources listed in the config file",
		Action: func(ctx *cli.Context) error {
			cfg := loadedConfig(ctx)
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			defs := lo.Map(cfg.Channels, func(c config.TomlChannel, _ int) channels.Definition {
				return channels.Definition{
					Name: c.Name,
					Sources: lo.Map(c.Sources, func(s config.TomlSource, _ int) channels.SourceDefinition {
						return channels.SourceDefinition{FeedURL: s.FeedURL, Filter: s.Filter}
					}),
				}
			})
			if err := channels.Sync(ctx.Context, database, defs); err != nil {
				return err
			}
			fmt.Printf("Synchronized %d channels\n", len(defs))
			return nil
		},
	}
}
