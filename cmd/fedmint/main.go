// Command fedmint deals key material for a mint federation and runs its peers.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"fedmint/internal/logger"
)

const logLevelFlag = "log-level"

func main() {
	logger.Init()

	// a .env in the working directory may preset FEDMINT_* variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: load .env: %v\n", err)
		os.Exit(1)
	}

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command line application.
func newApp() *cli.App {
	return &cli.App{
		Name:  "fedmint",
		Usage: "federated e-cash mint peer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    logLevelFlag,
				Value:   "info",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"FEDMINT_LOG_LEVEL"},
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			dealCmd,
			runCmd,
			decomposeCmd,
			issueCmd,
			verifyCmd,
		},
	}
}

// setupLogger applies the log level flag.
func setupLogger(ctx *cli.Context) error {
	level, err := logger.ParseLevel(ctx.String(logLevelFlag))
	if err != nil {
		return err
	}

	logger.SetLevel(level)

	return nil
}
