package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/payload/vidrs/internal/camera"
	"github.com/payload/vidrs/internal/config"
	"github.com/payload/vidrs/internal/logging"
	"github.com/payload/vidrs/internal/pipeline"
)

var (
	version = "0.1.0"
	cfgFile string
	logLvl  string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "vidrs",
	Short: "vidrs camera-to-browser video relay",
	Long:  `vidrs captures a local camera, encodes it to VP8, and streams it to a browser over WebRTC.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture/encode/signaling pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		runPipeline()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vidrs v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir or ./vidrs.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLvl, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runPipeline loads configuration, opens the platform camera backend, and
// drives the pipeline until SIGINT/SIGTERM.
func runPipeline() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLvl != "" {
		cfg.LogLevel = logLvl
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	log = logging.L("main")

	log.Info("starting vidrs",
		"version", version,
		"device", cfg.Device,
		"port", cfg.Port,
		"bitrateKbps", cfg.BitrateKbps,
	)

	backend := camera.NewPlatformBackend()
	p := pipeline.New(cfg, backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("vidrs stopped")
}
