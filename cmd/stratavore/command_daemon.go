package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	stratavoreclient "stratavore/internal/client"
	"stratavore/internal/config"
	"stratavore/internal/daemon"
	"stratavore/internal/logging"
)

func newDaemonCmd(c *cli) *cobra.Command {
	var background, kill, force bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the fleet daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if kill {
				return c.wiring.killDaemon(c.addr)
			}
			if force {
				if err := c.wiring.killDaemon(c.addr); err != nil {
					return err
				}
			}
			return c.wiring.runDaemon(background)
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "run in background (logs to file)")
	cmd.Flags().BoolVar(&kill, "kill", false, "stop any running daemon and exit")
	cmd.Flags().BoolVar(&force, "force", false, "stop any running daemon before starting")
	cmd.MarkFlagsMutuallyExclusive("kill", "force")
	return cmd
}

func runDaemonProcess(background bool, stderr io.Writer) error {
	cfg, err := config.LoadCoreConfig()
	if err != nil {
		return err
	}
	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.LogLevel())
	logger := logging.New(stderr, level)
	if background {
		logPath, err := config.DaemonLogPath()
		if err != nil {
			return err
		}
		fileLogger, closer, err := logging.OpenFile(logPath, level)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = fileLogger
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.Open(ctx, cfg, buildVersion(), logger)
	if err != nil {
		logger.Error("daemon_open_failed", logging.Err(err))
		return err
	}
	defer d.Close()
	return d.Run(ctx)
}

func killDaemonWithFactory(newClient clientFactory, addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := newClient(addr)
	if err != nil {
		return err
	}
	err = client.ShutdownDaemon(ctx)
	switch {
	case err == nil, stratavoreclient.IsUnavailable(err):
		return nil
	}
	if apiErr := stratavoreclient.AsAPIError(err); apiErr == nil || apiErr.StatusCode != http.StatusNotFound {
		return err
	}
	// No shutdown route: fall back to signalling the pid from /health.
	resp, err := client.Health(ctx)
	if err != nil {
		if stratavoreclient.IsUnavailable(err) {
			return nil
		}
		return err
	}
	if resp == nil || resp.PID <= 0 {
		return errors.New("daemon did not report a pid")
	}
	return stratavoreclient.TerminateProcess(resp.PID)
}
