/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Release stale refresh flags",
		Description: `Releases the refresh flag of feeds whose refresh started longer
		ago than the stale-after duration and never finished, e.g. because
		the process running it was killed. Such feeds are otherwise skipped
		by every later refresh.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age after which a refresh flag is considered stale",
				EnvVars: []string{"FEEDHUB_STALE_AFTER"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := loadedConfig(ctx)
			staleAfter := cfg.Refresh.StaleAfter
			if ctx.IsSet("stale-after") {
				staleAfter = ctx.Duration("stale-after")
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			released, err := database.Tidy(ctx.Context, time.Now().Add(-staleAfter))
			if err != nil {
				return err
			}
			fmt.Printf("Released %d stale refresh flags\n", released)
			return nil
		},
	}
}
