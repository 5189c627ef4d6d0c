package main

import (
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"feedhub/cmd"

	_ "golang.org/x/crypto/x509roots/fallback" // We need this to make TLS work in scratch containers
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded")
	}
	cmd.Execute()
}
