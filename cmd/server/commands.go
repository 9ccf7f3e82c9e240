package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/captcha"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/config"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/server"
)

var (
	configPath  string
	renderOut   string
	renderTheme string

	rootCmd = &cobra.Command{
		Use:           "iconcaptcha",
		Short:         "Icon selection captcha server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, gRPC and metrics servers",
		RunE:  runServe,
	}

	renderCmd = &cobra.Command{
		Use:   "render",
		Short: "Render a sample challenge image from the configured icon directory",
		RunE:  runRender,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "challenge.png", "output PNG path")
	renderCmd.Flags().StringVarP(&renderTheme, "theme", "t", "light", "theme to render")

	rootCmd.AddCommand(serveCmd, renderCmd)
}

// loadConfig reads the configuration and initializes the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(
		cfg.Monitoring.Logging.Level,
		cfg.Monitoring.Logging.Format,
		cfg.Monitoring.Logging.Output,
	); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.GetLogger()
	log.Info("Starting icon captcha server")

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("Shutdown signal received, shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	challenge, data, err := renderSample(cfg, renderTheme)
	if err != nil {
		return err
	}

	if err := os.WriteFile(renderOut, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", renderOut, err)
	}

	correct := make([]int, 0, len(challenge.Icons))
	for i, id := range challenge.Icons {
		if id == challenge.CorrectID {
			correct = append(correct, i)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d icons %v, correct icon %d in slots %v\n",
		renderOut, len(challenge.Icons), challenge.Icons, challenge.CorrectID, correct)
	return nil
}

// renderSample generates one challenge and renders it with the configured assets and image options
func renderSample(cfg *config.Config, theme string) (*domain.Challenge, []byte, error) {
	image := cfg.Captcha.Image
	generator, err := captcha.NewGenerator(captcha.GeneratorOptions{
		MinIcons:       image.Amount.Min,
		MaxIcons:       image.Amount.Max,
		AvailableIcons: image.AvailableIcons,
	}, captcha.NewSecureSeededSource())
	if err != nil {
		return nil, nil, err
	}

	challenge := &domain.Challenge{}
	if err := generator.Generate(challenge, theme, time.Now()); err != nil {
		return nil, nil, err
	}

	compositor := captcha.NewCompositor(captcha.NewDirIconLoader(cfg.Captcha.IconPath), cfg.Captcha.Themes, captcha.ImageOptions{
		Rotate:         image.Rotate,
		FlipHorizontal: image.Flip.Horizontally,
		FlipVertical:   image.Flip.Vertically,
		Border:         image.Border,
	}, captcha.NewSecureSeededSource())

	data, err := compositor.Render(challenge)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to render challenge: %w", err)
	}

	return challenge, data, nil
}
