package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"stratavore/internal/types"
)

var (
	panelStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	healthyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("70")).Bold(true)
	unhealthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and fleet counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), status)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
			return nil
		},
	}
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func renderStatus(status *types.StatusResponse) string {
	health := healthyStyle.Render("healthy")
	if !status.Daemon.Healthy {
		health = unhealthyStyle.Render("unhealthy")
	}
	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}
	lines := []string{
		headerStyle.Render("Stratavore daemon"),
		row("health", health),
		row("daemon id", status.Daemon.DaemonID),
		row("host", status.Daemon.Hostname),
		row("version", status.Daemon.Version),
		row("started", formatTime(status.Daemon.StartedAt)),
		row("last beat", formatTime(status.Daemon.LastHeartbeat)),
		"",
		headerStyle.Render("Fleet"),
		row("active runners", strconv.Itoa(status.Metrics.ActiveRunners)),
		row("active projects", strconv.Itoa(status.Metrics.ActiveProjects)),
		row("sessions", strconv.Itoa(status.Metrics.TotalSessions)),
		row("tokens", formatTokens(status.Metrics.TokensUsed, status.Metrics.TokenLimit)),
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func newReconcileCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a reconciliation sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			result, err := client.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "reconciled %d runners\n", result.ReconciledCount)
			for _, id := range result.FailedRunnerIDs {
				_, _ = fmt.Fprintf(out, "failed: %s\n", id)
			}
			if result.Error != "" {
				return fmt.Errorf("sweep incomplete: %s", result.Error)
			}
			return nil
		},
	}
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}
