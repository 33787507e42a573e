package main

import (
	"context"
	"fmt"
	"os"

	"signal-trader/internal/cli"
	"signal-trader/internal/logging"
)

func main() {
	// Console only until the configuration names a log file.
	logCfg := logging.DefaultLogConfig()
	logCfg.File = false
	logger := logging.NewLoggerWithConfig(logCfg)

	if err := cli.NewRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
