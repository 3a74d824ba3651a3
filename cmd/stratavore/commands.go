package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type commandWiring struct {
	stdout     io.Writer
	stderr     io.Writer
	newClient  clientFactory
	runDaemon  func(background bool) error
	killDaemon func(addr string) error
	autoStart  bool
	version    string
}

func defaultCommandWiring(stdout, stderr io.Writer) commandWiring {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return commandWiring{
		stdout:    stdout,
		stderr:    stderr,
		newClient: newStratavoreClient,
		runDaemon: func(background bool) error {
			return runDaemonProcess(background, stderr)
		},
		killDaemon: func(addr string) error {
			return killDaemonWithFactory(newStratavoreClient, addr)
		},
		autoStart: true,
		version:   buildVersion(),
	}
}

// cli carries the wiring and persistent flags shared by every subcommand.
type cli struct {
	wiring commandWiring
	addr   string
	noAuto bool
}

func newRootCmd(wiring commandWiring) *cobra.Command {
	c := &cli{wiring: wiring}
	root := &cobra.Command{
		Use:           "stratavore",
		Short:         "Stratavore fleet control plane",
		Long:          "stratavore runs the fleet daemon and manages its runners, projects and sessions over the control API.",
		Version:       wiring.version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(wiring.stdout)
	root.SetErr(wiring.stderr)
	root.PersistentFlags().StringVar(&c.addr, "addr", "", "daemon address (defaults to daemon.address from config)")
	root.PersistentFlags().BoolVar(&c.noAuto, "no-start", false, "do not start a background daemon when none is running")

	root.AddCommand(
		newDaemonCmd(c),
		newStatusCmd(c),
		newReconcileCmd(c),
		newRunnersCmd(c),
		newProjectsCmd(c),
		newSessionsCmd(c),
		newConfigCmd(),
	)
	return root
}

// connect returns a client for the selected daemon, starting one in the
// background if allowed.
func (c *cli) connect(ctx context.Context) (commandClient, error) {
	client, err := c.wiring.newClient(c.addr)
	if err != nil {
		return nil, err
	}
	if c.wiring.autoStart && !c.noAuto && c.addr == "" {
		if err := client.EnsureDaemon(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}
