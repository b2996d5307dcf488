package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/hearth"
	"github.com/rustyeddy/hearth/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "hearth",
	Short:         "hearth home-automation control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hearth control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "", "Path to a config file (optional)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hearth version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println(hearth.Version)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	h := hearth.New()
	if err := h.Init(cfg); err != nil {
		return err
	}
	h.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("hearth: shutdown signal received")
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Stop()
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		slog.Warn("hearth: shutdown did not complete within timeout")
	}
	return nil
}
