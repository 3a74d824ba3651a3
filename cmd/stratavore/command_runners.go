package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stratavore/internal/types"
)

func newRunnersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runners",
		Aliases: []string{"runner"},
		Short:   "Launch, inspect and stop runners",
	}
	cmd.AddCommand(
		newRunnersListCmd(c),
		newRunnersGetCmd(c),
		newRunnersLaunchCmd(c),
		newRunnersStopCmd(c),
		newRunnersHeartbeatCmd(c),
		newRunnersHistoryCmd(c),
	)
	return cmd
}

func newRunnersListCmd(c *cli) *cobra.Command {
	var project string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runners, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			runners, err := client.ListRunners(cmd.Context(), project)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), runners)
			}
			printRunners(cmd.OutOrStdout(), runners)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only runners of this project")
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func newRunnersGetCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <runner-id>",
		Short: "Show one runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := client.GetRunner(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), runner)
			}
			printRunner(cmd.OutOrStdout(), runner)
			return nil
		},
	}
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func newRunnersLaunchCmd(c *cli) *cobra.Command {
	var (
		req         types.LaunchRunnerRequest
		mode        string
		env         []string
		maxRestarts int
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Register a new runner against a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			environment, err := parseEnv(env)
			if err != nil {
				return err
			}
			req.Environment = environment
			req.ConversationMode = types.ConversationMode(strings.TrimSpace(mode))
			if cmd.Flags().Changed("max-restarts") {
				req.MaxRestartAttempts = &maxRestarts
			}
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := client.LaunchRunner(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), runner)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), runner.ID)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.ProjectName, "project", "", "project to run against")
	flags.StringVar(&req.ProjectPath, "path", "", "working directory (defaults to the project path)")
	flags.StringVar(&mode, "mode", "", "conversation mode: new, continue or resume")
	flags.StringVar(&req.SessionID, "session", "", "session to resume (mode resume)")
	flags.StringArrayVar(&req.Flags, "flag", nil, "runner flag (repeatable)")
	flags.StringArrayVar(&req.Capabilities, "capability", nil, "runner capability (repeatable)")
	flags.StringArrayVar(&env, "env", nil, "environment entry KEY=VALUE (repeatable)")
	flags.StringVar(&req.RuntimeType, "runtime-type", "", "runtime type, e.g. process or container")
	flags.StringVar(&req.RuntimeID, "runtime-id", "", "runtime specific identifier")
	flags.IntVar(&req.HeartbeatTTL, "ttl", 0, "heartbeat TTL in seconds (0 uses the daemon default)")
	flags.IntVar(&maxRestarts, "max-restarts", 0, "restart budget (defaults to the daemon default)")
	addJSONFlag(flags, &asJSON)
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newRunnersStopCmd(c *cli) *cobra.Command {
	var req types.StopRunnerRequest
	cmd := &cobra.Command{
		Use:   "stop <runner-id>",
		Short: "Stop a runner gracefully, or at once with --force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RunnerID = args[0]
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			runner, err := client.StopRunner(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if runner != nil && runner.StopDeadline != nil && !runner.Status.Terminal() {
				_, _ = fmt.Fprintf(out, "stop requested for %s (deadline %s)\n", runner.ID, formatTime(*runner.StopDeadline))
				return nil
			}
			_, _ = fmt.Fprintf(out, "stopped %s\n", req.RunnerID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.Force, "force", false, "terminate immediately")
	cmd.Flags().IntVar(&req.TimeoutSeconds, "timeout", 0, "grace period in seconds (0 uses the daemon default)")
	return cmd
}

func newRunnersHeartbeatCmd(c *cli) *cobra.Command {
	var (
		status   string
		tokens   int64
		cpu      float64
		memory   float64
		exitCode int
		req      types.HeartbeatRequest
	)
	cmd := &cobra.Command{
		Use:   "heartbeat <runner-id>",
		Short: "Report liveness and telemetry for a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.RunnerID = args[0]
			req.Status = types.RunnerStatus(strings.TrimSpace(status))
			flags := cmd.Flags()
			if flags.Changed("tokens") {
				req.TokensUsed = &tokens
			}
			if flags.Changed("cpu") {
				req.CPUPercent = &cpu
			}
			if flags.Changed("memory") {
				req.MemoryMB = &memory
			}
			if flags.Changed("exit-code") {
				req.ExitCode = &exitCode
			}
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			result, err := client.Heartbeat(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !result.Accepted {
				return errors.New("heartbeat dropped: " + result.Reason)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", req.RunnerID, result.Status)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&status, "status", "", "reported status: running, paused, terminated or failed")
	flags.Int64Var(&tokens, "tokens", 0, "cumulative tokens used")
	flags.Float64Var(&cpu, "cpu", 0, "cpu percent")
	flags.Float64Var(&memory, "memory", 0, "memory in MB")
	flags.IntVar(&req.MessageDelta, "messages", 0, "messages since the last report")
	flags.IntVar(&exitCode, "exit-code", 0, "exit code when reporting terminated or failed")
	flags.StringVar(&req.Reason, "reason", "", "failure reason")
	return cmd
}

func newRunnersHistoryCmd(c *cli) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history [runner-id]",
		Short: "Show recent runner state transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runnerID string
			if len(args) == 1 {
				runnerID = args[0]
			}
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			changes, err := client.RunnerChanges(cmd.Context(), runnerID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), changes)
			}
			printChanges(cmd.OutOrStdout(), changes)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "most recent entries to show (0 uses the daemon default)")
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env entry %q (want KEY=VALUE)", entry)
		}
		env[key] = value
	}
	return env, nil
}
