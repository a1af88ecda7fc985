package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JamesPaynter/efficient-ralph-loop/internal/status"
	"github.com/JamesPaynter/efficient-ralph-loop/internal/tui"
)

func (cli *app) statusCommand() *cobra.Command {
	var (
		flags projectFlags
		runID string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task progress for a run",
		Long: `Status prints the run summary, per-task progress, token usage, and the
human-review queue. With --watch it opens a live view that refreshes as the
state file changes.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := cli.loadProject(flags, nil)
			if err != nil {
				return err
			}
			if runID == "" {
				runID, err = proj.states.FindLatestRunID(proj.name)
				if err != nil {
					return err
				}
			}
			load := func() (status.Report, error) {
				return status.Load(proj.states, proj.name, runID, time.Now())
			}
			if watch {
				return tui.Run(cmd.Context(), load, proj.states.Path(proj.name, runID), cli.logger)
			}

			report, err := load()
			if err != nil {
				return err
			}
			if isTerminal(cli.stdout) {
				fmt.Fprintln(cli.stdout, report.Styled())
			} else {
				fmt.Fprintln(cli.stdout, report.String())
			}
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: the project's latest run)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Open a live view that refreshes as the run progresses")
	return cmd
}
