package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shotctl",
	Short: "Shotctl is a command line tool for interacting with the shotplane controller",
	Long: `shotctl is the command-line interface for the shotplane visual regression orchestrator.

Shotplane keeps named queues of visual regression test runs in PostgreSQL. Workers
lease items from those queues and either run the diff tool locally or hand the
work to a remote testing service and collect the results later.

Common workflows:

  Register a test run from a definition file:
    shotctl test create -f homepage.json

  Queue a test run:
    shotctl enqueue default 42

  Queue the "before" stage of a before/after test:
    shotctl enqueue default 42 --stage before

  Show the queues and their item counts:
    shotctl status

  List the items waiting in a queue:
    shotctl queue list default --status waiting

  Inspect a test run and its last results:
    shotctl test show 42

Configuration:
  Set the API endpoint via environment variables or a config file:
    SHOTPLANE_URL    Controller endpoint (default: http://localhost:6161)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".shotctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".shotctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "SHOTPLANE_VARNAME"
	viper.SetEnvPrefix("SHOTPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds an API client from the resolved configuration.
func newClient() *ShotClient {
	return NewShotClient(viper.GetString("url"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.shotctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Shotplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
