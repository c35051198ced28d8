package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "forecaster",
	Short: "Train and serve multivariate sensor forecasting models",
	Long: `forecaster trains one predictor per configured model over its sensors'
history and writes multi-step forecasts back to the database.

Examples:
  forecaster migrate
  forecaster train --model WL-MODEL-01 --epochs 20
  forecaster predict --all
  forecaster serve`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("FORECASTER_CONFIG"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, trainCmd, predictCmd, collectCmd, migrateCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
