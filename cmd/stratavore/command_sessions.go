package main

import (
	"github.com/spf13/cobra"
)

func newSessionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect conversation sessions",
	}
	cmd.AddCommand(newSessionsListCmd(c), newSessionsGetCmd(c))
	return cmd
}

func newSessionsListCmd(c *cli) *cobra.Command {
	var project string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(cmd.Context(), project)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), sessions)
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only sessions of this project")
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func newSessionsGetCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			session, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), session)
			}
			printSession(cmd.OutOrStdout(), session)
			return nil
		},
	}
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}
