// ABOUTME: Local fake of the CarBlau Agent API for development and manual testing.
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:8090] [-delay 150ms] [-token secret]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/carblau-chat/internal/config"
	"github.com/2389/carblau-chat/internal/fakeagent"
	"github.com/2389/carblau-chat/internal/logging"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Config file (optional)")
	addr := flag.String("addr", "", "Listen address (overrides fake_agent.addr)")
	delay := flag.Duration("delay", -1, "Pause between streamed records (overrides fake_agent.stream_delay)")
	token := flag.String("token", "", "Require this bearer token (defaults to agent.token)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *addr, *delay, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, addr string, delay time.Duration, token string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if addr == "" {
		addr = cfg.FakeAgent.Addr
	}
	if delay < 0 {
		delay = cfg.FakeAgent.StreamDelay
	}
	if token == "" {
		token = cfg.Agent.Token
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	fa := fakeagent.New(
		fakeagent.WithStreamDelay(delay),
		fakeagent.WithToken(token),
		fakeagent.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              addr,
		Handler:           fa.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Fake agent: http://%s\n", addr)
	green.Print("    ▶ ")
	fmt.Printf("Delay:      %s\n", delay)
	if token != "" {
		green.Print("    ▶ ")
		fmt.Println("Auth:       bearer token required")
	}
	fmt.Println()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
