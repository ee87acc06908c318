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

	"github.com/vango-go/vai-triage/internal/dotenv"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-triage/pkg/gateway/server"
	"github.com/vango-go/vai-triage/pkg/triage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	loadScripts  func(path string) (*triage.Scripts, error)
	newGateway   func(config.Config, *slog.Logger, ...gatewayserver.Option) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:  config.LoadFromEnv,
		loadScripts: triage.LoadScripts,
		newGateway:  gatewayserver.New,
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

func newLogger(w io.Writer, format config.LogFormat) *slog.Logger {
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runGateway(ctx context.Context, stderr io.Writer, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.loadScripts == nil {
		return errors.New("missing config dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogFormat)

	scripts, err := deps.loadScripts(cfg.RoleScriptsPath)
	if err != nil {
		return fmt.Errorf("load role scripts: %w", err)
	}

	gw := deps.newGateway(cfg, logger, gatewayserver.WithScripts(scripts), gatewayserver.WithVersion(version))
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	processorCtx, stopProcessor := context.WithCancel(context.Background())
	defer stopProcessor()
	gw.StartProcessor(processorCtx)

	if !cfg.CredentialsConfigured() {
		logger.Warn("media platform credentials missing; running degraded", "livekit_url", cfg.LiveKitURL)
	}
	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "version", version)

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
	warned := gw.WarnAgentSessionsDraining()
	logger.Info("draining", "agent_sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitAgentSessions(waitCtx) {
		logger.Warn("agent sessions still open after grace period", "cancelled", gw.CancelAgentSessions())
	}
	if err := gw.CloseProcessor(waitCtx); err != nil {
		logger.Warn("lifecycle events not fully applied", "error", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "triage-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "triage-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
