package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cityflow/forecaster/forecast"
	"cityflow/forecaster/ingest"
	"cityflow/forecaster/services"
	"cityflow/forecaster/store"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train one model or every active model",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		all, _ := cmd.Flags().GetBool("all")
		if model == "" && !all {
			return fmt.Errorf("one of --model or --all is required")
		}
		overrides, err := overridesFromFlags(cmd)
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var outcomes []forecast.TrainingOutcome
		if model != "" {
			outcomes = []forecast.TrainingOutcome{a.service.Train(ctx, model, overrides)}
		} else if outcomes, err = a.service.TrainAll(ctx, overrides); err != nil {
			return err
		}
		if err := printJSON(outcomes); err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Status == forecast.StatusFailed {
				return fmt.Errorf("training failed for %s", o.ModelCode)
			}
		}
		return nil
	},
}

func overridesFromFlags(cmd *cobra.Command) (*forecast.TrainingOverrides, error) {
	var o forecast.TrainingOverrides
	set := false
	if cmd.Flags().Changed("epochs") {
		v, _ := cmd.Flags().GetInt("epochs")
		o.Epochs = &v
		set = true
	}
	if cmd.Flags().Changed("batch-size") {
		v, _ := cmd.Flags().GetInt("batch-size")
		o.BatchSize = &v
		set = true
	}
	if cmd.Flags().Changed("test-size") {
		v, _ := cmd.Flags().GetFloat64("test-size")
		o.TestSize = &v
		set = true
	}
	if !set {
		return nil, nil
	}
	return &o, nil
}

// --- predict ---

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run inference and store forecasts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sel forecast.Selector
		sel.ModelCode, _ = cmd.Flags().GetString("model")
		sel.SensorCode, _ = cmd.Flags().GetString("sensor")
		sel.All, _ = cmd.Flags().GetBool("all")
		if sel.ModelCode == "" && sel.SensorCode == "" && !sel.All {
			return fmt.Errorf("one of --model, --sensor or --all is required")
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		outcomes, err := a.service.Predict(ctx, sel)
		if err != nil {
			return err
		}
		return printJSON(outcomes)
	},
}

// --- collect ---

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Store sensor readings received over MQTT",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()

		pg, err := store.NewPostgres(ctx, cfg.Database.GetURL(), cfg.Database.MaxConns, logger)
		if err != nil {
			return err
		}
		defer pg.Close()

		cache, err := services.NewCacheService(cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable, live publish disabled")
		}
		defer cache.Close()

		collector := ingest.NewCollector(pg, cache, cfg.MQTT.LiveChannel, logger)
		return collector.Run(ctx, cfg.MQTT)
	},
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		down, _ := cmd.Flags().GetBool("down")
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return store.Migrate(cfg.Database.GetURL(), down, logger)
	},
}

// --- hash-password ---

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for auth.operator_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

func init() {
	trainCmd.Flags().String("model", "", "model code to train")
	trainCmd.Flags().Bool("all", false, "train every active model")
	trainCmd.Flags().Int("epochs", 0, "override epochs for this run")
	trainCmd.Flags().Int("batch-size", 0, "override batch size for this run")
	trainCmd.Flags().Float64("test-size", 0, "override test split fraction for this run")

	predictCmd.Flags().String("model", "", "model code to predict")
	predictCmd.Flags().String("sensor", "", "sensor code to predict")
	predictCmd.Flags().Bool("all", false, "predict every active model")

	migrateCmd.Flags().Bool("down", false, "roll back every migration")
}
