package main

import (
	"github.com/pressgraph/backend/internal/server"
	"github.com/pressgraph/backend/internal/util"
	"github.com/pressgraph/backend/pkg/logger"
	"github.com/pressgraph/backend/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
