package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voiceforge/forge/internal/dotenv"
	"github.com/voiceforge/forge/pkg/gateway/config"
	gatewayserver "github.com/voiceforge/forge/pkg/gateway/server"
	"github.com/voiceforge/forge/pkg/store"
	"github.com/voiceforge/forge/pkg/tester"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(gatewayserver.Deps) *gatewayserver.Server
	newStore     func(ctx context.Context, databaseURL string, logger *slog.Logger) (store.AgentStore, error)
	newTester    func(ctx context.Context, apiKey, model string, logger *slog.Logger) (*tester.Harness, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: gatewayserver.New,
		newStore: func(ctx context.Context, databaseURL string, logger *slog.Logger) (store.AgentStore, error) {
			return store.NewPostgres(ctx, databaseURL, logger)
		},
		newTester: tester.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var agentStore store.AgentStore
	if cfg.DatabaseURL != "" && deps.newStore != nil {
		agentStore, err = deps.newStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open agent store: %w", err)
		}
	}

	var agentTester *tester.Harness
	if cfg.GeminiAPIKey != "" && deps.newTester != nil {
		agentTester, err = deps.newTester(ctx, cfg.GeminiAPIKey, cfg.TestModel, logger)
		if err != nil {
			return fmt.Errorf("create agent tester: %w", err)
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set, agent testing disabled")
	}

	gwDeps := gatewayserver.Deps{Config: cfg, Logger: logger, Store: agentStore}
	if agentTester != nil {
		gwDeps.Tester = agentTester
	}
	gw := deps.newGateway(gwDeps)
	defer gw.Close()

	janitorCtx, janitorCancel := context.WithCancel(ctx)
	defer janitorCancel()
	gw.StartJanitor(janitorCtx)

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr,
		"store", storeKind(cfg), "testing_enabled", agentTester != nil)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	gw.CloseRelay()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func storeKind(cfg config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "forge-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "forge-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
