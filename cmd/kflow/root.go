package main

import (
	"fmt"
	"os"

	"github.com/on-the-ground/kflow_go/flow/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "kflow",
	Short: "kflow drives view models from the command line",
	Long:  `kflow runs demo view models: actions typed on stdin are performed, reduced and rendered as state.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML file with a flow section")
	rootCmd.PersistentFlags().Int("workers", 0, "Number of perform workers (overrides the config file)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log pipeline events to stderr")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		c = loaded
	}
	if cmd.Flags().Changed("workers") {
		c.NumWorkers, _ = cmd.Flags().GetInt("workers")
	}
	return c.Normalize(), nil
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}
