package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/abdul-hamid-achik/specrun/packages/worker"
	"github.com/spf13/cobra"
)

// workerCmd is started by the process launcher with the controller
// channel on inherited descriptors. It is not meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run test files for a controller process",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   workerCommand,
}

func workerCommand(cmd *cobra.Command, args []string) error {
	logging.Init(
		logging.ParseLevel(getEnvString("SPECRUN_LOG_LEVEL", "warn")),
		getEnvString("SPECRUN_LOG_FORMAT", "text"),
	)

	auto, err := loader.NewAuto()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// Workers stop when the controller closes the channel or kills them.
	signal.Ignore(os.Interrupt, syscall.SIGTERM)

	err = worker.RunProcess(ctx, worker.Config{
		Loader: auto,
		OnOptions: func(opts ipc.Options) {
			logging.Init(logging.ParseLevel(opts.LogLevel), opts.LogFormat)
		},
	})
	if err != nil {
		return exitWith(ExitTestFailure, err)
	}
	return nil
}
