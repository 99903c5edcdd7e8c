// Command objectfs mounts an object-storage bucket (S3-compatible or
// Google Cloud Storage) as a local filesystem.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/objectfs/internal/adapter"
	"github.com/objectfs/objectfs/internal/config"
	"github.com/objectfs/objectfs/pkg/memmon"
	"github.com/objectfs/objectfs/pkg/utils"
)

var version = "0.9.0"

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "objectfs:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "objectfs",
		Short:         "Mount an object-storage bucket as a filesystem",
		Long:          "objectfs projects an S3-compatible or Google Cloud Storage bucket as a POSIX hierarchy via FUSE.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML configuration file")
	root.AddCommand(newMountCommand(), newConfigCommand(), newVersionCommand())
	return root
}

func loadConfiguration() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if cfgFile != "" {
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newMountCommand() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "mount <s3://bucket | gs://bucket> <mountpoint>",
		Short: "Mount a bucket at the given mountpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration()
			if err != nil {
				return err
			}

			logger, closeLogs, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLogs()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Global.ProfilePort > 0 {
				mon := memmon.NewMemoryMonitor(memmon.DefaultMonitorConfig())
				if err := mon.Start(ctx); err != nil {
					logger.Warn("memory monitor failed to start", map[string]interface{}{"error": err.Error()})
				} else {
					defer mon.Stop()
				}
			}

			rt, err := adapter.New(ctx, args[0], args[1], cfg)
			if err != nil {
				return err
			}
			if err := rt.Start(ctx); err != nil {
				return err
			}
			logger.Info("mounted", map[string]interface{}{
				"storage_uri": args[0],
				"mount_point": args[1],
			})

			<-ctx.Done()
			logger.Info("shutting down", nil)
			return rt.Stop(context.Background())
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", true, "stay in the foreground (daemonizing is left to the init system)")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Storage.SecretAccessKey != "" {
				redacted.Storage.SecretAccessKey = "[redacted]"
			}
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the objectfs version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "objectfs", version)
		},
	}
}

// setupLogging builds the process's two logging sinks from one shared
// writer: the structured logger the CLI itself reports through, and
// the slog default every internal component logs with. When a log file
// is configured the writer is a size-capped rotator.
func setupLogging(cfg *config.Configuration) (*utils.StructuredLogger, func(), error) {
	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var rotator *utils.LogRotator
	if cfg.Global.LogFile != "" {
		rotator, err = utils.NewLogRotator(&utils.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
		})
		if err != nil {
			return nil, nil, err
		}
		out = rotator
	}

	format := utils.FormatText
	if strings.EqualFold(cfg.Monitoring.Logging.Format, "json") {
		format = utils.FormatJSON
	}
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: out,
		Format: format,
	})
	if err != nil {
		return nil, nil, err
	}

	slogLevel := slog.LevelInfo
	switch level {
	case utils.DEBUG:
		slogLevel = slog.LevelDebug
	case utils.WARN:
		slogLevel = slog.LevelWarn
	case utils.ERROR:
		slogLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if format == utils.FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))

	closer := func() {
		logger.Close()
		if rotator != nil {
			rotator.Close()
		}
	}
	return logger, closer, nil
}
