package cmd

import (
	"encoding/json"
	"shotplane/pkg/api"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// definitionFs is where test definition files are read from.
var definitionFs = afero.NewOsFs()

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Create, inspect and delete test runs",
}

var testCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a test run from a JSON definition",
	Long: `Register a test run from a JSON definition file holding mode, viewports and scenarios.

Example:
  shotctl test create --file homepage.json
  shotctl test create -f homepage.json --mode before_after --browser firefox`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		if file == "" {
			cmd.Println("Error: --file is required")
			return
		}

		data, err := afero.ReadFile(definitionFs, file)
		if err != nil {
			cmd.Printf("Error reading %s: %s\n", file, err)
			return
		}
		var req api.CreateTestRunRequest
		if err := json.Unmarshal(data, &req); err != nil {
			cmd.Printf("Invalid test definition %s: %s\n", file, err)
			return
		}
		if mode, _ := flags.GetString("mode"); mode != "" {
			req.Mode = mode
		}
		if browser, _ := flags.GetString("browser"); browser != "" {
			req.Browser = browser
		}
		if engine, _ := flags.GetString("engine"); engine != "" {
			req.Engine = engine
		}

		run, err := newClient().CreateTestRun(req)
		if err != nil {
			cmd.Printf("Error creating test: %s\n", err)
			return
		}
		cmd.Printf("✓ Test created!\n")
		cmd.Printf("   Test ID: %d\n", run.ID)
		cmd.Printf("   UUID:    %s\n", run.UUID)
		cmd.Printf("   Mode:    %s (%d scenario(s) x %d viewport(s))\n", run.Mode, run.ScenarioCount, run.ViewportCount)
	},
}

var testDeleteCmd = &cobra.Command{
	Use:   "rm [test_id]",
	Short: "Delete a test run, its queue items and its files",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Invalid test id %q\n", args[0])
			return
		}
		if err := newClient().DeleteTestRun(id); err != nil {
			cmd.Printf("Error deleting test %d: %s\n", id, err)
			return
		}
		cmd.Printf("✅ Test %d deleted.\n", id)
	},
}

var testShowCmd = &cobra.Command{
	Use:   "show [test_id]",
	Short: "Show a test run and its latest results",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Invalid test id %q\n", args[0])
			return
		}
		run, err := newClient().GetTestRun(id)
		if err != nil {
			cmd.Printf("Error fetching test %d: %s\n", id, err)
			return
		}
		printTestRun(cmd, *run)
	},
}

var testClearCmd = &cobra.Command{
	Use:   "clear-artifacts [test_id]",
	Short: "Remove the generated files and results of a test run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			cmd.Printf("Invalid test id %q\n", args[0])
			return
		}
		if err := newClient().ClearArtifacts(id); err != nil {
			cmd.Printf("Error clearing artifacts of test %d: %s\n", id, err)
			return
		}
		cmd.Printf("✅ Artifacts of test %d removed.\n", id)
	},
}

func printTestRun(cmd *cobra.Command, run api.TestRunResponse) {
	cmd.Printf("%s %sTest Run %d%s\n", statusIcon(run.Status), colorBold, run.ID, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sUUID:%s        %s\n", colorDim, colorReset, run.UUID)
	cmd.Printf("%sMode:%s        %s\n", colorDim, colorReset, run.Mode)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))
	if run.Browser != "" || run.Engine != "" {
		cmd.Printf("%sBrowser:%s     %s / %s\n", colorDim, colorReset, run.Browser, run.Engine)
	}
	cmd.Printf("%sScenarios:%s   %d x %d viewport(s)\n", colorDim, colorReset, run.ScenarioCount, run.ViewportCount)
	if run.HTMLReportPath != "" {
		cmd.Printf("%sReport:%s      %s\n", colorDim, colorReset, run.HTMLReportPath)
	}
	cmd.Printf("%sUpdated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&run.UpdatedAt))

	if len(run.LastRun) == 0 {
		return
	}
	cmd.Println()
	cmd.Printf("%sLast runs%s\n", colorBold, colorReset)
	for _, m := range run.LastRun {
		printRunMetadata(cmd, m)
	}

	failed := 0
	for _, r := range run.Result {
		if !r.Success {
			failed++
		}
	}
	if len(run.Result) > 0 {
		cmd.Printf("%sScreenshots:%s %d compared, %s%d failed%s\n", colorDim, colorReset, len(run.Result), colorRed, failed, colorReset)
	}
}

func printRunMetadata(cmd *cobra.Command, m api.RunMetadata) {
	label := "run"
	if m.Stage != "" {
		label = m.Stage
	}
	icon := colorGreen + "✓" + colorReset
	if !m.Success {
		icon = colorRed + "✗" + colorReset
	}
	duration := time.Duration(m.Duration * float64(time.Second))

	counts := "-"
	if m.PassedCount != nil && m.FailedCount != nil {
		counts = strconv.Itoa(*m.PassedCount) + " passed, " + strconv.Itoa(*m.FailedCount) + " failed"
	}
	cmd.Printf("  %s %-7s %s %s(%s)%s  %s  %.1f%%\n", icon, label,
		formatTimeWithRelative(&m.Datetime),
		colorCyan, formatDuration(duration), colorReset,
		counts, m.PassRate*100)
}

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.AddCommand(testCreateCmd)
	testCmd.AddCommand(testShowCmd)
	testCmd.AddCommand(testClearCmd)
	testCmd.AddCommand(testDeleteCmd)

	flags := testCreateCmd.Flags()
	flags.StringP("file", "f", "", "JSON test definition (required)")
	flags.String("mode", "", "Override the mode: a_b or before_after")
	flags.String("browser", "", "Override the browser")
	flags.String("engine", "", "Override the engine")
}
