package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queue items",
}

var queueListCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "List the items of a queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		queue := args[0]
		statuses, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		items, err := newClient().ListItems(queue, statuses, limit, offset)
		if err != nil {
			cmd.Printf("Error fetching queue %s: %s\n", queue, err)
			return
		}

		if len(items) == 0 {
			if offset > 0 {
				cmd.Println("No more items found.")
			} else {
				cmd.Printf("Queue %s is empty.\n", queue)
			}
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ITEM ID\tTEST ID\tSTATUS\tSTAGE\tORIGIN\tCREATED\tLEASED UNTIL")
		for _, item := range items {
			stage := item.Stage
			if stage == "" {
				stage = "-"
			}
			leased := "-"
			if item.LeasedTo != nil {
				leased = item.LeasedTo.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				item.ID,
				item.TestID,
				item.Status,
				stage,
				item.Origin,
				item.CreatedAt.Format(time.RFC3339),
				leased,
			)
		}
		w.Flush()
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear [queue]",
	Short: "Delete every item of a queue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		deleted, err := newClient().ClearQueue(args[0])
		if err != nil {
			cmd.Printf("Error clearing queue %s: %s\n", args[0], err)
			return
		}
		cmd.Printf("✅ Removed %d item(s) from %s.\n", deleted, args[0])
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "rm [item_id]",
	Short: "Delete a single queue item",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Invalid item id %q\n", args[0])
			return
		}
		if err := newClient().DeleteItem(id); err != nil {
			cmd.Printf("Error deleting item %d: %s\n", id, err)
			return
		}
		cmd.Printf("✅ Item %d deleted.\n", id)
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueRemoveCmd)

	queueListCmd.Flags().StringSlice("status", nil, "Only list items with this status (repeatable)")
	queueListCmd.Flags().IntP("limit", "l", 20, "Number of items to list")
	queueListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
