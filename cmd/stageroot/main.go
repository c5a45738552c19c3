// stageroot prepares a container environment for one batch job. It is
// run by the workload manager's prologue, before the job's user code,
// and performs the privileged setup sequence: site configuration, image
// resolution, loop and namespace mounts, optional ssh provisioning, and
// the user's bind mounts. It runs once and exits; a failed run exits 1
// and the job does not start.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oncompute/stageroot/lib/hostenv"
	"github.com/oncompute/stageroot/lib/request"
	"github.com/oncompute/stageroot/lib/setup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}

func run(args []string) error {
	// Hardening comes before everything else: the batch system's ambient
	// environment is untrusted and must not survive into this process or
	// any helper it spawns. Helpers get the explicit trusted environment;
	// the process itself keeps only the trusted PATH.
	env := hostenv.Trusted()
	os.Clearenv()
	os.Setenv("PATH", hostenv.TrustedPath)

	// Diagnostics go to stderr; stdout belongs to the verbose dump.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	req, err := request.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED to parse command line arguments: %v\n", err)
		fmt.Fprint(os.Stderr, request.UsageText)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pipeline failures are logged there with the failing phase; the only
	// job left here is the exit status.
	return setup.NewPipeline(env, os.Stdout, logger).Run(ctx, req)
}
