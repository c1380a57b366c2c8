package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/abcdlsj/devnest/pkg/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently finished copy and sync jobs",
	Long:  `Show the job history the daemon saves under the base directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := history.Load(cfg.BaseDir, time.Now())
		if err != nil {
			return fmt.Errorf("failed to read job history: %w", err)
		}
		recent := d.Recent(historyLimit)
		if outputFormat == "yaml" {
			return printYAML(recent)
		}
		if len(recent) == 0 {
			fmt.Println("No finished jobs recorded")
			return nil
		}

		t := newTable()
		t.AppendHeader(table.Row{"Finished", "Owner", "Op", "Status", "Error"})
		for _, r := range recent {
			status := r.Status
			if status == history.StatusFailed {
				status = text.FgRed.Sprint(status)
			}
			t.AppendRow(table.Row{r.Timestamp.Format("2006-01-02 15:04:05"), r.Owner, r.Op, status, r.Error})
		}
		t.Render()
		fmt.Printf("%d jobs, %d failed in the last 30 days\n", d.Total, d.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of jobs to show")
	historyCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table or yaml)")
}
