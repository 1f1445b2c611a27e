package main

import (
	"os"

	"github.com/anganicrm/clientmanager/internal/cli"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	logger.SetOutput(os.Stderr)

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
