package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ungleicch/T3-chat-clone-shit/internal/api"
	"github.com/ungleicch/T3-chat-clone-shit/internal/config"
	"github.com/ungleicch/T3-chat-clone-shit/internal/metrics"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "server",
		Short:        "Local chat backend for Ollama-style inference engines",
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server (default)",
		RunE:  runServe,
	}
	chatsCmd = &cobra.Command{
		Use:   "chats",
		Short: "Inspects stored chats",
	}
	chatsListCmd = &cobra.Command{
		Use:   "list",
		Short: "Prints every stored chat, newest first",
		RunE:  runChatsList,
	}
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "Prints the text models the engine offers",
		RunE:  runModels,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to $CHAT_CONFIG)")
	chatsCmd.AddCommand(chatsListCmd)
	rootCmd.AddCommand(serveCmd, chatsCmd, modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Debug("service starting in DEBUG mode")

	app, err := newApp(cmd.Context(), cfg, metrics.New(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}
	defer app.Close()

	apiHandler := api.NewAPIHandler(app.chatService, int64(cfg.MaxUploadMB)<<20)
	router := api.NewRouter(apiHandler, promhttp.Handler(), cfg.StaticDir)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streaming handlers lift the write deadline per request.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", serverAddr, "store", cfg.Store.Backend, "llm", cfg.LLM.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	case <-quit:
	}
	slog.Info("shutting down server")

	// Active streams get time to finish and persist their replies.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server exiting gracefully")
	return nil
}

func runChatsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	chats, err := app.chatService.ListChats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, c := range chats {
		fmt.Fprintf(out, "%s\t%s\t%s\n", c.ID, time.Unix(int64(c.MTime), 0).Format(time.DateTime), c.Title)
	}
	return nil
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	models, err := app.chatService.ListModels(cmd.Context())
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Fprintln(cmd.OutOrStdout(), m.Name)
	}
	return nil
}
