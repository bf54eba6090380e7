package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/tasks"
)

func newTasksCmd() *cobra.Command {
	var flags talkFlags
	var filter tasks.Filter
	var status string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			filter.Status = tasks.Status(strings.ToUpper(status))
			store := taskStore(cfg, pslog.Ctx(cmd.Context()))
			list, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE\tTAGS")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Title, strings.Join(t.Tags, ","))
			}
			return w.Flush()
		},
	}
	cmd.PersistentFlags().StringVar(&flags.tasksURL, "tasks-url", "", "task app base URL")
	cmd.Flags().StringVar(&status, "status", "", "PENDING or DONE")
	cmd.Flags().StringVar(&filter.Search, "search", "", "text to search for")
	cmd.Flags().StringVar(&filter.SortBy, "sort", "createdAt", "createdAt, updatedAt, title or priority")
	cmd.Flags().StringVar(&filter.Order, "order", "desc", "asc or desc")

	cmd.AddCommand(&cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			done := tasks.StatusDone
			store := taskStore(cfg, pslog.Ctx(cmd.Context()))
			t, err := store.Update(cmd.Context(), args[0], tasks.Patch{Status: &done})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", t.Title, t.Status)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			store := taskStore(cfg, pslog.Ctx(cmd.Context()))
			t, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:          %s\nTitle:       %s\nStatus:      %s\nPriority:    %s\n", t.ID, t.Title, t.Status, t.Priority)
			if t.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", t.Description)
			}
			if len(t.Tags) > 0 {
				fmt.Fprintf(out, "Tags:        %s\n", strings.Join(t.Tags, ", "))
			}
			if t.DueDate != nil {
				fmt.Fprintf(out, "Due:         %s\n", t.DueDate.Format("2006-01-02"))
			}
			return nil
		},
	})
	return cmd
}
