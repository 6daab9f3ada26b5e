// services/retrypattern/cmd/retrypattern/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/retry-pattern/common/logger"
	"github.com/YaganovValera/retry-pattern/common/shutdown"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/app"
	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/config"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:           "retrypattern",
		Short:         "Reliable Kafka producer / consumer (retry pattern)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFile, "")
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (optional, env RETRYPATTERN_* overrides defaults)")

	root.AddCommand(
		&cobra.Command{
			Use:   "produce",
			Short: "Send the alphabet to the topic, one record at a time",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgFile, "produce")
			},
		},
		&cobra.Command{
			Use:   "consume",
			Short: "Read the topic and commit every processed record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgFile, "consume")
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "retrypattern: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgFile, mode string) error {
	// 1. Конфиг
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if mode != "" {
		cfg.Mode = mode
	}
	cfg.Print()

	// 2. Логгер
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	defer log.Sync()

	// 3. Контекст с отменой по сигналам
	ctx, cancel := shutdown.OnSignal(ctx, log)
	defer cancel()

	log.Info("starting service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
		zap.String("mode", cfg.Mode),
		zap.String("driver", cfg.Driver),
	)

	// 4. Запуск
	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
