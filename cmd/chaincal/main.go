// Package main is the chaincal command.
package main

import (
	"context"
	"os"

	"go.viam.com/utils"

	"go.viam.com/chaincal/cli"
	"go.viam.com/chaincal/logging"
)

var logger = logging.NewLogger("chaincal")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, _ logging.Logger) error {
	return cli.NewApp(os.Stdout, os.Stderr).RunContext(ctx, args)
}
