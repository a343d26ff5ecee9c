package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tilestream/internal/config"
	httphandlers "tilestream/internal/http"
	"tilestream/internal/render"
)

var rootCmd = &cobra.Command{
	Use:           "tilestream",
	Short:         "Serve and prefetch multi-resolution globe tiles",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tile HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(a)
	},
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
	addServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("data-dir", "", "data directory (DATA_DIR)")
	fs.String("catalog-dir", "", "dataset descriptor directory (CATALOG_DIR)")
	fs.String("store", "", "file store: file, bolt or disabled (STORE)")
	fs.String("store-dir", "", "file store directory (STORE_DIR)")
	fs.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	fs.String("log-format", "", "json or console (LOG_FORMAT)")
	fs.Bool("offline", false, "serve only stored tiles (OFFLINE)")
}

func addServeFlags(fs *pflag.FlagSet) {
	fs.Int("port", 0, "listen port (PORT)")
	fs.String("allowed-origin", "", "CORS origin (ALLOWED_ORIGIN)")
}

// loadConfig reads the environment and lets explicitly set flags win.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if fs.Changed("data-dir") {
		cfg.DataDir, _ = fs.GetString("data-dir")
		// dependent directories follow unless set themselves
		if !fs.Changed("catalog-dir") && os.Getenv("CATALOG_DIR") == "" {
			cfg.CatalogDir = filepath.Join(cfg.DataDir, "datasets")
		}
		if !fs.Changed("store-dir") && os.Getenv("STORE_DIR") == "" {
			cfg.StoreDir = filepath.Join(cfg.DataDir, "tiles")
		}
	}
	for flag, dst := range map[string]*string{
		"catalog-dir":    &cfg.CatalogDir,
		"store":          &cfg.Store,
		"store-dir":      &cfg.StoreDir,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
		"allowed-origin": &cfg.AllowedOrigin,
	} {
		if fs.Lookup(flag) != nil && fs.Changed(flag) {
			*dst, _ = fs.GetString(flag)
		}
	}
	if fs.Changed("offline") {
		cfg.Offline, _ = fs.GetBool("offline")
	}
	if fs.Lookup("port") != nil && fs.Changed("port") {
		cfg.Port, _ = fs.GetInt("port")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(a *app) error {
	a.startVips()
	defer vips.Shutdown()

	a.log.Info("Starting tilestream server",
		zap.Int("port", a.cfg.Port),
		zap.String("catalog_dir", a.cfg.CatalogDir),
		zap.Int("datasets", len(a.catalog.Datasets())),
	)

	jobs := httphandlers.NewJobs()
	handlers := httphandlers.New(a.cfg, a.log, a.catalog, render.NewCompositor(a.log.Named("render")), jobs)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Port),
		Handler: handlers.Routes(),
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	a.log.Info("Server started", zap.Int("port", a.cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		a.log.Error("Server forced to shutdown", zap.Error(err))
	}
	jobs.Close()

	a.log.Info("Server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
