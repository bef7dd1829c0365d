package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/glimpse/pkg/api/client"
)

var buildVersion = "dev"

var (
	flagAPI        string
	flagAdminToken string
	flagJSON       bool
)

func main() {
	root := &cobra.Command{
		Use:           "glimpse",
		Short:         "Manage ephemeral web project previews",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildVersion,
	}
	root.PersistentFlags().StringVar(&flagAPI, "api", envDefault("GLIMPSE_API", "http://localhost:4600"), "API base URL")
	root.PersistentFlags().StringVar(&flagAdminToken, "admin-token", os.Getenv("GLIMPSE_ADMIN_TOKEN"), "operator token for privileged commands")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit raw JSON instead of tables")

	root.AddCommand(
		uploadCommand(),
		listCommand(),
		getCommand(),
		startCommand(),
		stopCommand(),
		deleteCommand(),
		logsCommand(),
		sweepCommand(),
		healthCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func newClient() (*apiclient.Client, error) {
	return apiclient.New(flagAPI, apiclient.WithAdminToken(flagAdminToken))
}

func uploadCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "upload <archive.zip>",
		Short: "Upload a project archive and register a preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			project, err := cli.Upload(cmd.Context(), name, args[0])
			if err != nil {
				return err
			}
			return printProject(project)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the archive filename)")
	return cmd
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			projects, err := cli.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(projects)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tURL\tEXPIRES")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.Name, p.Type, p.Status, p.URL, p.ExpiresAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <project-id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			project, err := cli.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printProject(project)
		},
	}
}

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start the project's preview instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			project, err := cli.StartProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printProject(project)
		},
	}
}

func stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project-id>",
		Short: "Stop the project's preview instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			project, err := cli.StopProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printProject(project)
		},
	}
}

func deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and all its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			if err := cli.DeleteProject(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func logsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <project-id>",
		Short: "Show build output and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			logs, err := cli.FetchLogs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(logs)
			}
			if logs.BuildError != "" {
				fmt.Println("build error:", logs.BuildError)
			}
			for _, line := range logs.BuildLog {
				fmt.Println(line)
			}
			for _, event := range logs.Events {
				fmt.Printf("%s [%s] %s: %s\n",
					event.OccurredAt.Local().Format(time.RFC3339), event.Level, event.EventType, event.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events to fetch")
	return cmd
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired projects now (requires --admin-token)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			reclaimed, err := cli.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d project(s)\n", reclaimed)
			return nil
		},
	}
}

func healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			payload, err := cli.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
}

func printProject(p apiclient.Project) error {
	if flagJSON {
		return printJSON(p)
	}
	fmt.Println("id:      ", p.ID)
	fmt.Println("name:    ", p.Name)
	fmt.Println("type:    ", p.Type)
	fmt.Println("status:  ", p.Status)
	if p.URL != "" {
		fmt.Println("url:     ", p.URL)
	}
	if p.Error != "" {
		fmt.Println("error:   ", p.Error)
	}
	fmt.Println("expires: ", p.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
