// Command jobrelay-gateway serves the job API, the live job streams and the
// result housekeeping loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/jobrelay/core/infra/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		logging.Error("api-gateway", "exiting", "error", err)
		cancel()
		os.Exit(1)
	}
}
