package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"multi-video-grid/camera"
	"multi-video-grid/config"
	"multi-video-grid/stream"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "multi-video-grid"
	AppVersion        = "1.0.0"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   AppName,
	Short: "Ordered parallel video grid composer",
	Long: `multi-video-grid reads chunked camera frames from an ordered log, samples
them per time window, composes one grid image per monitor on parallel lanes
and writes the grids back out in per-monitor order.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the grid pipeline",
	RunE:  runPipeline,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write synthetic camera frames to the source log",
	RunE:  runGenerator,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("write")
		if out != "" {
			return config.SaveConfig(cfg, out)
		}
		return config.WriteConfig(cfg, cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", AppName, AppVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", DefaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	runCmd.Flags().Bool("demo", false, "Feed the pipeline from in-process synthetic cameras instead of the source log")

	generateCmd.Flags().Int("cameras", 0, "Number of cameras (overrides generator.cameras)")
	generateCmd.Flags().Int("frames", -1, "Frames per camera, 0 for unbounded (overrides generator.num_frames)")

	configCmd.Flags().String("write", "", "Write the configuration to this path instead of stdout")

	rootCmd.AddCommand(runCmd, generateCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger shared by commands
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := createLogger(logLevel, cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signalCh)
	}()

	return ctx, cancel
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	demo, _ := cmd.Flags().GetBool("demo")

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.Bool("demo", demo))

	ctx, cancel := signalContext(logger)
	defer cancel()

	app := NewApplication(cfg, logger)
	if err := app.Start(ctx, demo); err != nil {
		app.Stop(context.Background())
		return fmt.Errorf("failed to start application: %w", err)
	}

	runErr := app.Wait()

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	logger.Info("Shutdown complete")
	return nil
}

func runGenerator(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if n, _ := cmd.Flags().GetInt("cameras"); n > 0 {
		cfg.Generator.Cameras = n
	}
	if n, _ := cmd.Flags().GetInt("frames"); n >= 0 {
		cfg.Generator.NumFrames = n
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	sink, err := openSourceWriter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	gen, err := camera.NewManager(cfg.Generator, cfg.Pipeline.ChunkSizeBytes, sink, logger.Named("generator"))
	if err != nil {
		return err
	}

	if err := gen.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("Generator stopped", zap.Int64("frames", gen.Written()))
	return nil
}

// openSourceWriter opens the camera side of the source log for writing
func openSourceWriter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (stream.ChunkSink, error) {
	c, err := codecFor(cfg.Source.Codec)
	if err != nil {
		return nil, err
	}

	switch cfg.Source.Transport {
	case "zmq":
		return stream.DialZMQSink(cfg.ZMQ.SourceEndpoint, c)
	default:
		return stream.DialNATS(ctx, natsConfig(cfg, cfg.Source.Stream, cfg.Source.Subject, ""), c, logger.Named("nats"))
	}
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file, keeping the newest cfg.MaxFiles files.
func createLogger(level string, cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	errOutputs := []string{"stderr"}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		logFile := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s.log", AppName, ts))

		files, _ := filepath.Glob(filepath.Join(cfg.Dir, AppName+"-*.log"))
		if cfg.MaxFiles > 0 && len(files) >= cfg.MaxFiles {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-cfg.MaxFiles+1] {
				_ = os.Remove(f)
			}
		}

		outputs = append(outputs, logFile)
		errOutputs = append(errOutputs, logFile)
	}

	zc := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: errOutputs,
	}

	return zc.Build()
}
