package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mayone/pledges/internal/pkg/payment"
)

func totalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "total",
		Short: "Print the public pledge total",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) error {
				total, err := c.service.GetTotal(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d cents (%s)\n", total, payment.FormatAmount(total))
				return nil
			})
		},
	}
}

func deadLettersCmd() *cobra.Command {
	var limit int64

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List side-effect jobs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) error {
				jobs, err := c.queue.ListDead(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tRETRIES\tUPDATED\tERROR")
				for _, job := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						job.ID, job.Type, job.RetryCount, job.UpdatedAt.Format("2006-01-02 15:04:05"), job.ErrorMsg)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().Int64VarP(&limit, "limit", "n", 50, "maximum number of jobs to list")
	return cmd
}

func requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [job-id]",
		Short: "Move a dead-lettered job back to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *components) error {
				job, err := c.queue.RequeueDead(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s)\n", job.ID, job.Type)
				return nil
			})
		},
	}
}
