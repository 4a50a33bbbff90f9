package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		limit  int
		status string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent rename jobs from the job store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			db, jobRepo, err := openJobStore(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeDB(db, logger)

			jobs, err := jobRepo.List(cmd.Context(), limit, status)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	cmd.Flags().StringVar(&status, "status", "", "only show jobs with this status (queued, running, completed, failed)")
	return cmd
}

func printJobs(w io.Writer, jobs []*domain.RenameJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTAGE\tPACKAGE\tCREATED\tDETAIL")
	for _, job := range jobs {
		detail := job.OutputPath
		if job.Status == domain.JobStatusFailed {
			detail = job.ErrorMessage
		}
		pkg := job.NewPackage
		if pkg == "" {
			pkg = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.DisplayName, job.Status, job.Stage, pkg,
			job.CreatedAt.Local().Format("2006-01-02 15:04:05"), detail)
	}
	tw.Flush()
}
