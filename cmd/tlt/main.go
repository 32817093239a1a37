// Package main implements the tlt binary, a batch pipeline that turns CSV
// telemetry into columnar tables, daily usage aggregates and reports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkilian/tlt/internal/app"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app.SetVersion(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := app.New(os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
