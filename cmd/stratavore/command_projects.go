package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stratavore/internal/types"
)

func newProjectsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Manage projects",
	}
	cmd.AddCommand(
		newProjectsListCmd(c),
		newProjectsGetCmd(c),
		newProjectsCreateCmd(c),
		newProjectsArchiveCmd(c),
		newProjectsDeleteCmd(c),
	)
	return cmd
}

func newProjectsListCmd(c *cli) *cobra.Command {
	var status string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			projects, err := client.ListProjects(cmd.Context(), status)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), projects)
			}
			printProjects(cmd.OutOrStdout(), projects)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only projects with this status, e.g. active or archived")
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func newProjectsGetCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one project with its aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			project, err := client.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONOut(cmd.OutOrStdout(), project)
			}
			printProject(cmd.OutOrStdout(), project)
			return nil
		},
	}
	addJSONFlag(cmd.Flags(), &asJSON)
	return cmd
}

func newProjectsCreateCmd(c *cli) *cobra.Command {
	var req types.CreateProjectRequest
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			project, err := client.CreateProject(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created project %s\n", project.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Path, "path", "", "project root directory")
	cmd.Flags().StringVar(&req.Description, "description", "", "free-form description")
	cmd.Flags().StringArrayVar(&req.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newProjectsArchiveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <name>",
		Short: "Archive a project so no new runners launch against it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			project, err := client.ArchiveProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "archived project %s\n", project.Name)
			return nil
		},
	}
}

func newProjectsDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a project with no live runners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted project %s\n", args[0])
			return nil
		},
	}
}
