package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepakbhatia/LLMChat-experiments/internal/command"
	"github.com/deepakbhatia/LLMChat-experiments/internal/config"
	"github.com/deepakbhatia/LLMChat-experiments/internal/engine"
	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
	"github.com/deepakbhatia/LLMChat-experiments/internal/history"
	"github.com/deepakbhatia/LLMChat-experiments/internal/logging"
	"github.com/deepakbhatia/LLMChat-experiments/internal/server"
	"github.com/deepakbhatia/LLMChat-experiments/internal/session"
	"github.com/deepakbhatia/LLMChat-experiments/internal/storage"
)

var (
	serveHost    string
	servePort    int
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	Long: `Start the llmchat server: the chat websocket on /ws/chat/{userID}
and the OpenAI-compatible REST API under /v1.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Durable storage directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveHost != "" {
		appConfig.Host = serveHost
	}
	if servePort != 0 {
		appConfig.Port = servePort
	}
	if serveDataDir != "" {
		appConfig.DataDir = serveDataDir
	}
	if logLevel != "" {
		appConfig.LogLevel = logLevel
	}
	if logPretty {
		appConfig.LogPretty = true
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(appConfig.LogLevel),
		Pretty: appConfig.LogPretty,
	})

	// Mirror every server event into the debug log for the lifetime of
	// the process.
	eventCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	if events, err := event.Subscribe(eventCtx); err == nil {
		go func() {
			for e := range events {
				logging.Debug().
					Str("event", string(e.Type)).
					Interface("data", e.Data).
					Msg("event")
			}
		}()
	}

	registry := engine.NewRegistry()
	if err := registry.RegisterConfigs(appConfig.Models); err != nil {
		return err
	}

	cache := engine.NewCache(registry, &engine.EchoFactory{}, engine.NewProcMemoryProbe())
	defer cache.Close()

	deps := session.Deps{
		History:    history.NewStore(storage.New(appConfig.DataDir)),
		Registry:   registry,
		Cache:      cache,
		Gate:       engine.NewGate(),
		Summarizer: &session.HeadSummarizer{},
		Config:     appConfig,
	}
	deps.Commands = command.NewExecutor(deps.History, registry)

	serverConfig := server.DefaultConfig()
	serverConfig.Host = appConfig.Host
	serverConfig.Port = appConfig.Port
	srv := server.New(serverConfig, appConfig, deps)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().
			Str("host", appConfig.Host).
			Int("port", appConfig.Port).
			Str("dataDir", appConfig.DataDir).
			Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown error")
		return err
	}

	logging.Info().Msg("server stopped")
	return nil
}
