package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// statusOrder is the column order of the queue summary.
var statusOrder = []string{"waiting", "running", "remote", "error"}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queues and their item counts",
	Long:  `List every configured queue with the worker that serves it and the number of items per status (waiting, running, remote, error).`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		queues, err := newClient().ListQueues()
		if err != nil {
			cmd.Printf("Error fetching queues: %s\n", err)
			return
		}
		if len(queues) == 0 {
			cmd.Println("No queues configured.")
			return
		}

		cmd.Printf("%sQueues%s\n", colorBold, colorReset)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tWORKER\tWAITING\tRUNNING\tREMOTE\tERROR")
		for _, q := range queues {
			fmt.Fprintf(w, "%s\t%s", q.Name, q.Worker)
			for _, s := range statusOrder {
				fmt.Fprintf(w, "\t%d", q.Counts[s])
			}
			fmt.Fprintln(w)
		}
		w.Flush()
	},
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "idle":
		return colorGreen + "✓" + colorReset
	case "error":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "waiting":
		return colorCyan + "◯" + colorReset
	case "remote":
		return colorCyan + "⇄" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "idle":
		return icon + " " + colorGreen + status + colorReset
	case "error":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "waiting", "remote":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
