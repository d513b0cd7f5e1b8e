package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/db"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/report"
)

func newReportCmd() *cobra.Command {
	var storePath, runID, outDir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render charts for a recorded run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if storePath == "" {
				return errors.New("--store is required")
			}
			store, err := db.OpenDB(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			var run db.Run
			if runID == "" {
				run, err = store.LatestRun()
			} else {
				run, err = store.GetRun(runID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s started %s at %.1f Hz\n", run.ID, run.StartedAt.Format("2006-01-02 15:04:05"), run.Rate)
			if stats, err := store.TickStats(run.ID); err == nil {
				fmt.Fprintf(out, "tick stats: %s\n", stats)
			} else if !errors.Is(err, db.ErrRunNotFound) {
				return err
			}

			attempts, err := store.ReplanAttempts(run.ID)
			if err != nil {
				return err
			}
			for _, a := range attempts {
				fmt.Fprintf(out, "replan %s [%.3f, %.3f] %s points=%d took %v\n",
					a.ID, a.StartTime, a.EndTime, a.Status, a.Points, a.FinishedAt.Sub(a.StartedAt))
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			return writeRunReports(store, run.ID, outDir, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&storePath, "store", "", "SQLite event store path")
	f.StringVar(&runID, "run", "", "Run ID (default: latest run)")
	f.StringVar(&outDir, "out", ".", "Output directory")
	return cmd
}

// writeRunReports renders the scale profile and timeline of a recorded run.
func writeRunReports(store *db.DB, runID, dir string, out io.Writer) error {
	samples, err := store.ScaleSamples(runID)
	if err != nil {
		return err
	}
	transitions, err := store.ZoneTransitions(runID)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintf(out, "run %s has no scale samples\n", runID)
		return nil
	}

	profile := filepath.Join(dir, "scale.png")
	if err := report.ScaleProfile(samples, transitions, profile); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", profile)

	timeline := filepath.Join(dir, "timeline.html")
	f, err := os.Create(timeline)
	if err != nil {
		return err
	}
	if err := report.Timeline(runID, samples, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", timeline)
	return nil
}
