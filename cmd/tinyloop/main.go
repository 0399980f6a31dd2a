package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tinyloop/internal/batch"
	"tinyloop/internal/compressor"
	"tinyloop/internal/config"
	"tinyloop/internal/logger"
	"tinyloop/internal/statistics"
	"tinyloop/internal/transport"
	"tinyloop/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	sourceDir string
	outputDir string
	maxRounds int
	verbose   bool
	quiet     bool
	port      int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "tinyloop [directory]",
	Short: "Squeeze images by recompressing them until they stop shrinking",
	Long: `tinyloop sends every image in a directory to a remote lossy compression
service, feeds the result back in, and repeats until the service can no
longer make it smaller or the round budget runs out.

Features:
- Non-recursive discovery of png, jpg, jpeg and webp files
- Convergence detection with an optional minimum-improvement threshold
- Bounded retries with exponential backoff on malformed replies and network errors
- Artifact verification before each overwrite
- Optional EXIF tag restoration on the final artifact`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context(), args)
	},
}

// scanCmd lists eligible files without contacting the remote service.
var scanCmd = &cobra.Command{
	Use:   "scan [directory]",
	Short: "List the images that would be recompressed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args)
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web interface server",
	Long: `Starts a web server exposing a small JSON API to start and stop batches,
plus a websocket at /ws streaming per-round progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&sourceDir, "source", "", "source directory containing images")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output", "", "output directory for recompressed images")

	rootCmd.Flags().IntVar(&maxRounds, "rounds", 0, "maximum rounds per file (overrides config)")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)
}

// initConfig points viper at the config file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// runBatch executes the recompression loop over the source directory.
func runBatch(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if maxRounds > 0 {
		cfg.Processing.MaxRounds = maxRounds
	}

	log := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transport.NewHTTPClient(transport.Options{
		Endpoint:  cfg.Remote.Endpoint,
		UserAgent: cfg.Remote.UserAgent,
		Timeout:   cfg.Remote.Timeout,
		Identity:  transport.IdentityFor(cfg.Remote.APIKey),
	})
	if cfg.Remote.APIKey == "" {
		log.Warn("No remote.api_key configured; the service may reject unauthenticated requests")
	}

	engine := compressor.NewEngineFromConfig(cfg, client, log)
	driver := batch.NewDriver(cfg, log, engine)

	stats, err := driver.Run(ctx, cfg.SourceDirectory)
	if !quiet && stats != nil {
		fmt.Println("\n" + stats.GetSummary())
		if stats.ErrorCount() > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}
	if err != nil {
		var de *batch.DirectoryError
		if errors.As(err, &de) {
			return err
		}
		return fmt.Errorf("recompression stopped: %w", err)
	}
	return nil
}

// runScan prints the eligible files in the source directory.
func runScan(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	files, err := batch.Discover(cfg.SourceDirectory, cfg.IsSupportedExtension)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Scanning directory: %s\n", cfg.SourceDirectory)
	var total int64
	for _, f := range files {
		fmt.Printf("%-40s %10s -> %s\n", f.Path, statistics.FormatBytes(f.Size), cfg.OutputPath(f.Path))
		total += f.Size
	}
	fmt.Printf("\n%d images, %s total\n", len(files), statistics.FormatBytes(total))
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	server := web.NewServer(cfg, log, web.DefaultEngineFactory(log))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("tinyloop web interface listening on http://localhost:%d\n", port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	server.Wait()

	fmt.Println("Server stopped gracefully")
	return nil
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if sourceDir != "" {
		cfg.SourceDirectory = sourceDir
	} else if len(args) > 0 {
		cfg.SourceDirectory = args[0]
	}
	if outputDir != "" {
		cfg.OutputDirectory = outputDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
