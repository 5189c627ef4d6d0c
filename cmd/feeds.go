/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"feedhub/ingest"
)

func feedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "Manage followed feeds",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Follow a feed",
				ArgsUsage: "<url>",
				Action: func(ctx *cli.Context) error {
					feedURL, err := ingest.NormalizeURL(ctx.Args().First())
					if err != nil {
						return err
					}

					database, err := openDatabase(loadedConfig(ctx))
					if err != nil {
						return err
					}
					defer database.Close()

					feed, err := database.CreateFeed(ctx.Context, feedURL)
					if err != nil {
						return err
					}
					fmt.Printf("Feed %d: %s\n", feed.Id, feed.FeedURL)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List followed feeds",
				Action: func(ctx *cli.Context) error {
					database, err := openDatabase(loadedConfig(ctx))
					if err != nil {
						return err
					}
					defer database.Close()

					feeds, err := database.ListFeeds(ctx.Context)
					if err != nil {
						return err
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tFEED\tRETRIEVED\tHUB\tSUBSCRIBED")
					for _, feed := range feeds {
						retrieved := "never"
						if feed.LastRetrieved != nil {
							retrieved = ingest.FriendlyDate(*feed.LastRetrieved, 0)
						}
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n",
							feed.Id,
							ingest.FriendlyURL(feed.FeedURL),
							retrieved,
							ingest.FriendlyURL(feed.PushHubURL),
							feed.PushSubscribed,
						)
					}
					return w.Flush()
				},
			},
		},
	}
}
