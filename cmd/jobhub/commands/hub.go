package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/logger"
	"github.com/derivkit/jobhub/server"
)

// RunHub runs the hub until SIGINT or SIGTERM. A second signal exits at once.
func RunHub(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	h, err := server.New(cfg, database, logger.ComponentLogger("jobhub"))
	if err != nil {
		return errors.Wrap(err, "failed to create hub")
	}

	if !logger.JSONOutput {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		printStartupBanner(verbosity, cfg, h.HubDID())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		cancel()

		<-sigChan
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
	}()

	if err := h.Run(ctx); err != nil {
		return errors.Wrap(err, "hub stopped")
	}
	if !logger.JSONOutput {
		pterm.Success.Println("Hub stopped cleanly")
	}
	return nil
}
