package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/labels"
)

var (
	outputFormat string
	followLogs   bool
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List managed containers, volumes and networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			res, err := e.ListManagedResources(ctx)
			if err != nil {
				return err
			}
			if outputFormat == "yaml" {
				return printYAML(res)
			}
			if len(res) == 0 {
				fmt.Println("No managed resources found")
				return nil
			}

			t := newTable()
			t.AppendHeader(table.Row{"Type", "Kind", "Owner", "Name", "State", "ID"})
			for _, r := range res {
				t.AppendRow(table.Row{r.Type, r.Kind, r.Owner, r.Name, colorState(r.State), docker.ShortID(r.ID)})
			}
			t.Render()
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <kind> <owner>",
	Short: "Show the live state of a managed container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			st, err := e.ContainerState(ctx, kind, args[1])
			if err != nil {
				return err
			}
			if outputFormat == "yaml" {
				return printYAML(st)
			}
			if !st.Exists {
				fmt.Printf("%s %s does not exist\n", kind, args[1])
				return nil
			}

			t := newTable()
			t.AppendRow(table.Row{"Name", st.Name})
			t.AppendRow(table.Row{"ID", st.ShortID()})
			t.AppendRow(table.Row{"State", colorState(st.State)})
			t.AppendRow(table.Row{"Health", st.Health})
			for _, p := range st.Ports {
				t.AppendRow(table.Row{"Port", fmt.Sprintf("%s:%d -> %s", p.HostIP, p.HostPort, p.ContainerPort)})
			}
			if d := st.Labels[labels.Domain]; d != "" {
				t.AppendRow(table.Row{"Domain", "https://" + d})
			}
			t.Render()
			return nil
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <kind> <owner>",
	Short: "Print the output of a managed container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		cli, err := docker.New(cmd.Context(), docker.Options{Host: cfg.Docker.Host, StatusTimeout: cfg.Docker.StatusTimeout})
		if err != nil {
			return fmt.Errorf("failed to connect to container runtime: %w", err)
		}
		defer cli.Close()

		ctx := cmd.Context()
		st, err := cli.FindByLabel(ctx, labels.OwnerKey(kind), args[1], kind)
		if err != nil {
			return err
		}
		if !st.Exists {
			return fmt.Errorf("%s %s: %w", kind, args[1], docker.ErrNotFound)
		}

		if !followLogs {
			out, err := cli.Logs(ctx, st.ID)
			fmt.Print(out)
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop, err := cli.StreamLogs(ctx, st.ID, func(line string) { fmt.Println(line) })
		if err != nil {
			return err
		}
		defer stop()
		_, err = cli.WaitContainer(ctx, st.ID)
		return err
	},
}

func parseKind(s string) (labels.Kind, error) {
	k := labels.Kind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q (want project, service, helper, tunnel or proxy)", s)
	}
	return k, nil
}

func init() {
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)

	psCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table or yaml)")
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table or yaml)")
	logsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false, "follow log output until the container stops")
}
