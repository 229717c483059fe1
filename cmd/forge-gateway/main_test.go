package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/voiceforge/forge/pkg/gateway/config"
	gatewayserver "github.com/voiceforge/forge/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(gatewayserver.Deps) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(gatewayserver.Deps{
		Config: config.Config{
			Addr:                   ":0",
			ExtractionWorker:       []string{"python3", "scripts/builder.py"},
			BuildWorker:            []string{"python3", "scripts/executioner.py"},
			ExtractionTimeout:      time.Minute,
			SessionJanitorInterval: time.Minute,
			MaxBodyBytes:           1 << 20,
			WSPingInterval:         20 * time.Second,
			WSWriteTimeout:         5 * time.Second,
			ReadHeaderTimeout:      time.Second,
			ReadTimeout:            time.Second,
			CORSAllowedOrigins:     map[string]struct{}{},
		},
		Logger: logger,
	})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestRunGateway_StopsOnShutdownSignal(t *testing.T) {
	sigCh := make(chan chan<- os.Signal, 1)

	deps := gatewayDeps{
		loadConfig: func() (config.Config, error) {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return cfg, err
			}
			cfg.Addr = "127.0.0.1:0"
			return cfg, nil
		},
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			sigCh <- c
		},
		signalStop: func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() {
		done <- runGateway(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), deps)
	}()

	select {
	case c := <-sigCh:
		c <- os.Interrupt
	case <-time.After(5 * time.Second):
		t.Fatal("signal channel never registered")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runGateway error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runGateway did not stop after signal")
	}
}
