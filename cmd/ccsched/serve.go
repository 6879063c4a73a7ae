package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/config"
	"github.com/jaakkos/ccsched/internal/httpapi"
	"github.com/jaakkos/ccsched/internal/metrics"
	"github.com/jaakkos/ccsched/internal/scheduler"
	"github.com/jaakkos/ccsched/internal/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon and its HTTP control plane",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("db", "", "sqlite database path (default: ~/.config/ccsched/ccsched.sqlite)")
	serveCmd.Flags().String("host", "", "HTTP bind host")
	serveCmd.Flags().Int("port", 0, "HTTP bind port")
	serveCmd.Flags().String("agent-path", "", "coding agent binary path")
	serveCmd.Flags().String("log-dir", ".", "passed to the worker but not used: per-task task_<id>.jsonl logs are always written in the process working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DatabasePath = v
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetString("agent-path"); v != "" {
		cfg.AgentPath = v
	}
	logDir, _ := cmd.Flags().GetString("log-dir")

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return err
	}

	m := metrics.New()
	processCwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runnerFactory := scheduler.DefaultRunnerFactory(cfg.AgentPath, processCwd, cfg.Env, logger)
	sched := scheduler.New(st, runnerFactory, logDir, logger,
		scheduler.WithTickInterval(cfg.PollInterval()),
		scheduler.WithMaxVerificationRounds(cfg.MaxVerificationRounds),
		scheduler.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	go m.StartGaugeRefresher(ctx, st, 10*time.Second)
	go func() {
		if err := config.Watch(ctx, viper.GetString("config"), logger, func(reloaded config.Config) {
			sched.SetTickInterval(reloaded.PollInterval())
			sched.SetMaxVerificationRounds(reloaded.MaxVerificationRounds)
			sched.SetRunnerFactory(scheduler.DefaultRunnerFactory(reloaded.AgentPath, processCwd, reloaded.Env, logger))
			logger.Info().Msg("configuration reload applied: poll interval, verify round cap, agent path")
		}); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("config watcher exited")
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddress(),
		Handler: httpapi.New(st, m, logger).Handler(),
	}
	go func() {
		logger.Info().Str("addr", cfg.BindAddress()).Msg("starting HTTP control plane")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return sched.Run(ctx)
}
