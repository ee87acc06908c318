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
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-triage/pkg/gateway/server"
	"github.com/vango-go/vai-triage/pkg/triage"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		loadScripts: triage.LoadScripts,
		newGateway: func(cfg config.Config, logger *slog.Logger, opts ...gatewayserver.Option) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "triage-gateway: load config: boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_ReturnsNonZeroWhenScriptsFail(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{RoleScriptsPath: "/nonexistent/scripts.yaml"}, nil
		},
		loadScripts: triage.LoadScripts,
		newGateway: func(cfg config.Config, logger *slog.Logger, opts ...gatewayserver.Option) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when scripts fail to load")
			return nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 || !strings.Contains(stderr.String(), "load role scripts") {
		t.Fatalf("exitCode=%d stderr=%q", exitCode, stderr.String())
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

func TestNewLogger_Format(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, config.LogFormatJSON).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("json output=%q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.LogFormatText).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text output=%q", buf.String())
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(config.Config{
		AuthMode:                config.AuthModeDisabled,
		APIKeys:                 map[string]struct{}{},
		CORSAllowedOrigins:      map[string]struct{}{},
		WebhookQueueSize:        16,
		MaxBodyBytes:            1 << 20,
		AgentHandshakeTimeout:   5 * time.Second,
		AgentWSWriteTimeout:     5 * time.Second,
		AgentMaxJSONMessageSize: 64 * 1024,
		ReadHeaderTimeout:       time.Second,
		ReadTimeout:             time.Second,
		UpstreamTimeout:         time.Second,
		LimitRPS:                10,
		LimitBurst:              20,
	}, logger, gatewayserver.WithScripts(triage.DefaultScripts()))

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
