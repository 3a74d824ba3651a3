package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/pflag"

	stratavoreclient "stratavore/internal/client"
	"stratavore/internal/types"
)

const (
	idColumnWidth   = 12
	textColumnWidth = 32
)

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		var revision string
		var modified string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.modified":
				modified = setting.Value
			}
		}
		if revision != "" {
			if len(revision) > 12 {
				revision = revision[:12]
			}
			if modified == "true" {
				return revision + "-dirty"
			}
			return revision
		}
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// addJSONFlag registers --json on a command's flag set.
func addJSONFlag(fs *pflag.FlagSet, target *bool) {
	fs.BoolVar(target, "json", false, "print raw JSON")
}

func writeJSONOut(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func truncate(value string, width int) string {
	return runewidth.Truncate(value, width, "…")
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return "-"
	}
	return formatTime(*value)
}

func formatTokens(used, limit int64) string {
	if limit <= 0 {
		return fmt.Sprintf("%d / unlimited", used)
	}
	return fmt.Sprintf("%d / %d", used, limit)
}

func printRunners(output io.Writer, runners []*types.Runner) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tPROJECT\tSTATUS\tMODE\tTOKENS\tRESTARTS\tLAST HEARTBEAT")
	for _, runner := range runners {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			truncate(runner.ID, idColumnWidth),
			truncate(runner.ProjectName, textColumnWidth),
			runner.Status,
			runner.ConversationMode,
			runner.TokensUsed,
			runner.RestartAttempts,
			runner.MaxRestartAttempts,
			formatTime(runner.LastHeartbeat),
		)
	}
	_ = writer.Flush()
}

func printRunner(output io.Writer, runner *types.Runner) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	rows := [][2]string{
		{"id", runner.ID},
		{"project", runner.ProjectName},
		{"path", runner.ProjectPath},
		{"status", string(runner.Status)},
		{"node", runner.NodeID},
		{"runtime", strings.TrimSpace(runner.RuntimeType + " " + runner.RuntimeID)},
		{"session", orDash(runner.SessionID)},
		{"mode", string(runner.ConversationMode)},
		{"tokens", strconv.FormatInt(runner.TokensUsed, 10)},
		{"restarts", fmt.Sprintf("%d/%d", runner.RestartAttempts, runner.MaxRestartAttempts)},
		{"started", formatTime(runner.StartedAt)},
		{"last heartbeat", formatTime(runner.LastHeartbeat)},
		{"ttl", fmt.Sprintf("%ds", runner.HeartbeatTTLSeconds)},
		{"stop deadline", formatOptionalTime(runner.StopDeadline)},
		{"terminated", formatOptionalTime(runner.TerminatedAt)},
	}
	if runner.ExitCode != nil {
		rows = append(rows, [2]string{"exit code", strconv.Itoa(*runner.ExitCode)})
	}
	if runner.FailureReason != "" {
		rows = append(rows, [2]string{"failure", runner.FailureReason})
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%s:\t%s\n", row[0], row[1])
	}
	_ = writer.Flush()
}

func printChanges(output io.Writer, changes []stratavoreclient.RunnerChange) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "SEQ\tAT\tRUNNER\tPROJECT\tTRANSITION\tSOURCE\tREASON")
	for _, change := range changes {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s -> %s\t%s\t%s\n",
			change.Seq,
			formatTime(change.At),
			truncate(change.RunnerID, idColumnWidth),
			truncate(change.Project, textColumnWidth),
			change.From,
			change.To,
			change.Source,
			orDash(change.Reason),
		)
	}
	_ = writer.Flush()
}

func printProjects(output io.Writer, projects []*types.Project) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSTATUS\tACTIVE\tRUNNERS\tSESSIONS\tTOKENS\tPATH")
	for _, project := range projects {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			truncate(project.Name, textColumnWidth),
			project.Status,
			project.ActiveRunners,
			project.TotalRunners,
			project.TotalSessions,
			project.TotalTokens,
			truncate(project.Path, textColumnWidth),
		)
	}
	_ = writer.Flush()
}

func printProject(output io.Writer, project *types.Project) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintf(writer, "name:\t%s\n", project.Name)
	fmt.Fprintf(writer, "path:\t%s\n", project.Path)
	fmt.Fprintf(writer, "status:\t%s\n", project.Status)
	fmt.Fprintf(writer, "description:\t%s\n", orDash(project.Description))
	fmt.Fprintf(writer, "tags:\t%s\n", orDash(strings.Join(project.Tags, ", ")))
	fmt.Fprintf(writer, "active runners:\t%d\n", project.ActiveRunners)
	fmt.Fprintf(writer, "total runners:\t%d\n", project.TotalRunners)
	fmt.Fprintf(writer, "sessions:\t%d\n", project.TotalSessions)
	fmt.Fprintf(writer, "tokens:\t%d\n", project.TotalTokens)
	fmt.Fprintf(writer, "last accessed:\t%s\n", formatTime(project.LastAccessedAt))
	_ = writer.Flush()
}

func printSessions(output io.Writer, sessions []*types.Session) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tPROJECT\tRUNNER\tSTATE\tMESSAGES\tTOKENS\tSTARTED")
	for _, session := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			truncate(session.ID, idColumnWidth),
			truncate(session.ProjectName, textColumnWidth),
			truncate(session.RunnerID, idColumnWidth),
			sessionState(session),
			session.MessageCount,
			session.TokensUsed,
			formatTime(session.StartedAt),
		)
	}
	_ = writer.Flush()
}

func printSession(output io.Writer, session *types.Session) {
	writer := tabwriter.NewWriter(output, 0, 8, 2, ' ', 0)
	fmt.Fprintf(writer, "id:\t%s\n", session.ID)
	fmt.Fprintf(writer, "project:\t%s\n", session.ProjectName)
	fmt.Fprintf(writer, "runner:\t%s\n", session.RunnerID)
	fmt.Fprintf(writer, "state:\t%s\n", sessionState(session))
	fmt.Fprintf(writer, "messages:\t%d\n", session.MessageCount)
	fmt.Fprintf(writer, "tokens:\t%d\n", session.TokensUsed)
	fmt.Fprintf(writer, "started:\t%s\n", formatTime(session.StartedAt))
	fmt.Fprintf(writer, "ended:\t%s\n", formatOptionalTime(session.EndedAt))
	fmt.Fprintf(writer, "resumed from:\t%s\n", orDash(session.ResumedFrom))
	fmt.Fprintf(writer, "summary:\t%s\n", orDash(session.Summary))
	_ = writer.Flush()
}

func sessionState(session *types.Session) string {
	switch {
	case session.Open():
		return "open"
	case session.Resumable:
		return "closed (resumable)"
	default:
		return "closed"
	}
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
