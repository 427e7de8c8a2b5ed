// Package main is the entry point for the APK relay bot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/bot"
	"github.com/Armin-kho/apk-relay-bot/internal/config"
	"github.com/Armin-kho/apk-relay-bot/internal/logger"
)

var version = "dev"

var (
	configPath string
	envPath    string
	dataDir    string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "apkbot",
	Short: "apkbot - Telegram APK repost bot",
	Long: `apkbot reposts APK files to operator channels with a key caption and relays
files between owner-configured source and destination channels.

BOT_TOKEN and OWNER_ID must be set in the config file or the environment.`,
	SilenceUsage: true,
	RunE:         runBot,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("apkbot " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "dotenv file loaded before the config")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	rootCmd.Flags().BoolVarP(&debugMode, "debug", "d", false, "enable debug logging and Bot API tracing")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loggerConfig(cfg config.Config) *logger.Config {
	lc := logger.DefaultConfig(cfg.DataDir)
	if cfg.Log.Level != "" {
		lc.Level = logger.Level(cfg.Log.Level)
	}
	if cfg.Log.File != "" {
		lc.OutputPath = cfg.Log.File
	}
	if cfg.Log.MaxSizeMB > 0 {
		lc.MaxSize = cfg.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups > 0 {
		lc.MaxBackups = cfg.Log.MaxBackups
	}
	if cfg.Log.MaxAgeDays > 0 {
		lc.MaxAge = cfg.Log.MaxAgeDays
	}
	if cfg.Debug {
		lc.Level = logger.LevelDebug
		lc.Development = true
	}
	return lc
}

func runBot(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return fmt.Errorf("load %s: %w", envPath, err)
	}
	loader := config.NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = filepath.Clean(dataDir)
	}
	if debugMode {
		cfg.Debug = true
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	loader.Watch(func(next config.Config) {
		if next.Log.Level == "" || cfg.Debug {
			return
		}
		if err := log.SetLevel(logger.Level(next.Log.Level)); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", next.Log.Level), zap.Error(err))
			return
		}
		log.Info("Log level reloaded", zap.String("level", next.Log.Level))
	}, func(err error) {
		log.Warn("Config reload failed", zap.Error(err))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting apkbot",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int64("owner_id", cfg.OwnerID),
	)

	// notifier outlives a crashed app so the restart notice can still be sent.
	var app, notifier *bot.App
	defer func() {
		if app != nil {
			app.Close()
		}
	}()

	sup := newSupervisor(log, cfg.RestartDelay, cfg.NotifyCooldown, func(text string) {
		if notifier != nil {
			notifier.NotifyOwner(text)
		}
	})
	sup.Run(ctx, func(ctx context.Context) error {
		a, err := bot.New(cfg, log)
		if err != nil {
			return err
		}
		app, notifier = a, a
		defer func() {
			// The update poller cannot be restarted; the next attempt reconnects.
			if ctx.Err() == nil {
				a.Close()
				app = nil
			}
		}()
		return a.Run(ctx)
	})

	log.Info("Shutting down")
	return nil
}
