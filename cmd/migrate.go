/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"feedhub/db"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs database migrations on the configured database. Will create the database if it does not exist.`,
		Action: func(ctx *cli.Context) error {
			path := loadedConfig(ctx).Database.Path
			fmt.Println("Database configured: ", path)
			return db.Migrate(path)
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback database migration",
		Description: `Rolls back the last database migration`,
		Action: func(ctx *cli.Context) error {
			path := loadedConfig(ctx).Database.Path
			fmt.Println("Database configured: ", path)
			return db.Rollback(path)
		},
	}
}
