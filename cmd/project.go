package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/helper"
	"github.com/abcdlsj/devnest/pkg/ports"
)

var (
	syncDirection string
	syncInclude   []string
	skipCopy      bool
)

var createCmd = &cobra.Command{
	Use:   "create <project>",
	Short: "Create and start a project container",
	Long: `Create the project's network, source volume and container, remapping busy
host ports, then copy the project directory into the volume.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			spec, err := e.ProjectSpecFor(args[0])
			if err != nil {
				return err
			}
			var res engine.ProjectResult
			err = spin("Creating project "+spec.ID+"...", func() (err error) {
				res, err = e.CreateProjectContainer(ctx, spec)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("Project %s running as %s\n", spec.ID, res.State.ShortID())
			printPorts(res.Ports)

			if !skipCopy {
				if err := transfer(ctx, e, engine.OpCopy, args[0]); err != nil {
					return err
				}
			}
			if _, err := e.ReconcileProxy(ctx); err != nil {
				log.Warn("Proxy reconcile failed", "err", err)
			}
			return nil
		})
	},
}

var copyCmd = &cobra.Command{
	Use:   "copy <project>",
	Short: "Copy the project directory into its source volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			return transfer(ctx, e, engine.OpCopy, args[0])
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <project>",
	Short: "Mirror files between the project directory and its source volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var op string
		switch helper.Direction(syncDirection) {
		case helper.ToVolume:
			op = engine.OpSyncToVolume
		case helper.FromVolume:
			op = engine.OpSyncFromVolume
		default:
			return fmt.Errorf("invalid direction %q (want %s or %s)", syncDirection, helper.ToVolume, helper.FromVolume)
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
			return transfer(ctx, e, op, args[0])
		})
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports <port>...",
	Short: "Show which host ports would be bound for the desired ones",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desired := make([]int, 0, len(args))
		for _, a := range args {
			p, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("invalid port %q", a)
			}
			desired = append(desired, p)
		}
		mapping, err := ports.New(cfg.Ports.MaxAttempts).Resolve(desired)
		if err != nil {
			return err
		}
		printPorts(mapping)
		return nil
	},
}

// transfer runs one bulk file job for a project and waits for it, printing
// progress as it goes.
func transfer(ctx context.Context, e *engine.Engine, op, project string) error {
	req, err := e.ProjectTransfer(project)
	if err != nil {
		return err
	}
	req.Include = append(req.Include, syncInclude...)
	req.OnProgress = func(p helper.Progress) {
		fmt.Printf("\r%s %s: %5.1f%% (%d bytes)", op, project, p.Percentage, p.BytesTransferred)
	}

	var job *engine.Job
	switch op {
	case engine.OpCopy:
		job, err = e.CopyToVolume(req)
	case engine.OpSyncToVolume:
		job, err = e.SyncToVolume(req)
	default:
		job, err = e.SyncFromVolume(req)
	}
	if err != nil {
		return err
	}

	err = job.Wait(ctx)
	fmt.Println()
	if err != nil {
		if ctx.Err() != nil {
			job.Cancel()
			<-job.Done()
		}
		return err
	}
	log.Info("Transfer finished", "op", op, "project", project, "job", job.ID)
	return nil
}

func printPorts(mapping map[int]int) {
	if len(mapping) == 0 {
		return
	}
	desired := make([]int, 0, len(mapping))
	for p := range mapping {
		desired = append(desired, p)
	}
	sort.Ints(desired)

	t := newTable()
	t.AppendHeader(table.Row{"Desired", "Host", ""})
	for _, p := range desired {
		note := ""
		if mapping[p] != p {
			note = text.FgYellow.Sprint("remapped")
		}
		t.AppendRow(table.Row{p, mapping[p], note})
	}
	t.Render()
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(portsCmd)

	createCmd.Flags().BoolVar(&skipCopy, "no-copy", false, "skip the initial copy into the source volume")
	for _, c := range []*cobra.Command{createCmd, copyCmd, syncCmd} {
		c.Flags().StringSliceVar(&syncInclude, "include", nil, "normally excluded directories to transfer anyway (e.g. node_modules)")
	}
	syncCmd.Flags().StringVarP(&syncDirection, "direction", "d", string(helper.ToVolume), "to-volume or from-volume")
}
