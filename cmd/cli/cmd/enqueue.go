package cmd

import (
	"shotplane/pkg/api"
	"strconv"

	"github.com/spf13/cobra"
)

// originCLI marks items queued from the terminal.
const originCLI = "cli"

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [queue] [test_id]",
	Short: "Queue a test run",
	Long: `Add a test run to a named queue. Before/after tests need the stage to run
(--stage before or --stage after); A/B tests take no stage.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		queue := args[0]
		testID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			cmd.Printf("Invalid test id %q\n", args[1])
			return
		}
		stage, _ := cmd.Flags().GetString("stage")

		resp, err := newClient().Enqueue(queue, api.EnqueueRequest{
			TestID: testID,
			Stage:  stage,
			Origin: originCLI,
		})
		if err != nil {
			cmd.Printf("Error queueing test %d: %s\n", testID, err)
			return
		}

		cmd.Printf("🚀 Test %d queued!\n", testID)
		cmd.Printf("   Item ID: %d\n", resp.ItemID)
		cmd.Printf("   Queue:   %s\n", resp.QueueName)
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringP("stage", "s", "", "Stage of a before/after test (before|after)")
}
