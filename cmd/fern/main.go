// Package main provides the entry point for the fern identity reconciliation service.
package main

import (
	"context"
	"os"

	"github.com/Ramsey-B/fern/cmd/fern/app"
)

// Version information populated at build time.
var version = "dev"

func main() {
	application, err := app.New(version)
	if err != nil {
		app.ExitOnError(err)
	}
	defer application.Sync()

	ctx, cancel := app.ContextWithSignals(context.Background())
	defer cancel()

	if err := application.Execute(ctx, os.Args[1:]); err != nil {
		application.Sync()
		app.ExitOnError(err)
	}
}
