package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/config"
	"github.com/vango-go/vai-triage/pkg/gateway/handlers"
	"github.com/vango-go/vai-triage/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
	"github.com/vango-go/vai-triage/pkg/gateway/metrics"
	"github.com/vango-go/vai-triage/pkg/gateway/mw"
	"github.com/vango-go/vai-triage/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-triage/pkg/gateway/sessions"
	"github.com/vango-go/vai-triage/pkg/triage"
)

const metricsNamespace = "triage"

type Option func(*Server)

// WithScripts replaces the built-in role scripts.
func WithScripts(scripts *triage.Scripts) Option {
	return func(s *Server) {
		if scripts != nil {
			s.scripts = scripts
		}
	}
}

func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	version string

	scripts   *triage.Scripts
	calls     *calls.Registry
	processor *calls.Processor
	sessions  *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter

	signer     livekit.TokenSigner
	rooms      *livekit.RoomClient
	webhooks   *livekit.WebhookReceiver
	httpClient *http.Client
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: cfg.UpstreamTimeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return "livekit " + r.URL.Path
		})),
	}

	signer := livekit.TokenSigner{Credentials: cfg.LiveKit, TTL: cfg.TokenTTL}
	registry := calls.NewRegistry()
	m := metrics.NewMetrics(metricsNamespace)
	m.ObserveRegistry(metricsNamespace, registry)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		version:    "dev",
		scripts:    triage.DefaultScripts(),
		calls:      registry,
		sessions:   sessions.NewTracker(),
		lifecycle:  &lifecycle.Lifecycle{},
		metrics:    m,
		signer:     signer,
		webhooks:   livekit.NewWebhookReceiver(cfg.LiveKit),
		httpClient: httpClient,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxAgentSessions:      cfg.AgentMaxSessionsPerKey,
		}),
	}
	if cfg.CredentialsConfigured() {
		s.rooms = &livekit.RoomClient{
			BaseURL:     cfg.LiveKitHTTPURL,
			Signer:      signer,
			HTTPClient:  httpClient,
			MaxBodySize: cfg.MaxBodyBytes,
		}
	}
	s.processor = calls.NewProcessor(registry, calls.ProcessorConfig{
		QueueSize:      cfg.WebhookQueueSize,
		Logger:         logger.With("component", "lifecycle"),
		Observer:       m.RecordWebhookEvent,
		OnRoomFinished: s.roomFinished,
	})

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	var rooms handlers.RoomCreator
	if s.rooms != nil {
		rooms = s.rooms
	}

	s.handle("GET /{$}", handlers.ServiceHandler{Version: s.version})
	s.handle("GET /health", handlers.HealthHandler{Config: s.cfg, Calls: s.calls})
	s.handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.handle("POST /token", handlers.TokenHandler{
		Signer:       s.signer,
		LiveKitURL:   s.cfg.LiveKitURL,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})
	s.handle("POST /rooms", handlers.RoomsHandler{
		Rooms:        rooms,
		Metrics:      s.metrics,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})

	s.handle("POST /calls/start", handlers.StartCallHandler{
		Calls:        s.calls,
		Signer:       s.signer,
		LiveKitURL:   s.cfg.LiveKitURL,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})
	s.handle("GET /calls", handlers.ListCallsHandler{Calls: s.calls})
	s.handle("GET /calls/{call_id}", handlers.GetCallHandler{Calls: s.calls})
	s.handle("POST /calls/{call_id}/end", handlers.EndCallHandler{
		Calls:    s.calls,
		Sessions: s.sessions,
		Logger:   s.logger,
	})

	s.handle("GET /metrics", handlers.MetricsHandler{
		Config:            s.cfg,
		Calls:             s.calls,
		WebhookConfigured: s.webhooks != nil,
	})
	s.handle("GET /metrics/prometheus", s.metrics.Handler())

	s.handle("POST /livekit/webhook", handlers.WebhookHandler{
		Receiver:     s.webhooks,
		Events:       s.processor,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})

	s.handle("GET /agents", handlers.AgentsHandler{Scripts: s.scripts, Sessions: s.sessions})
	s.handle("GET /agents/sessions", handlers.AgentSessionsHandler{Sessions: s.sessions})
	// The websocket route needs Hijacker, which the metrics recorder does
	// not forward.
	s.mux.Handle("GET /agents/session", handlers.AgentSessionHandler{
		Config:    s.cfg,
		Scripts:   s.scripts,
		Calls:     s.calls,
		Sessions:  s.sessions,
		Lifecycle: s.lifecycle,
		Metrics:   s.metrics,
		Limiter:   s.limiter,
		Logger:    s.logger.With("component", "agent_session"),
	})

	s.handle("GET /client", handlers.ClientHandler{Dir: s.cfg.StaticDir})
	s.handle("GET /static/", handlers.StaticHandler{Dir: s.cfg.StaticDir})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.metrics.Instrument(pattern, h))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return otelhttp.NewHandler(h, "triage-gateway",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) Calls() *calls.Registry { return s.calls }

func (s *Server) Sessions() *sessions.Tracker { return s.sessions }

// StartProcessor launches the lifecycle event worker.
func (s *Server) StartProcessor(ctx context.Context) {
	s.processor.Start(ctx)
}

// CloseProcessor stops webhook intake and applies queued events.
func (s *Server) CloseProcessor(ctx context.Context) error {
	return s.processor.Close(ctx)
}

func (s *Server) SetDraining() {
	s.lifecycle.Drain(time.Now())
}

func (s *Server) WarnAgentSessionsDraining() int {
	return s.sessions.WarnAll("draining", "gateway is shutting down")
}

func (s *Server) WaitAgentSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelAgentSessions() int {
	return s.sessions.CancelAll()
}

func (s *Server) roomFinished(callID, roomName string) {
	if n := s.sessions.CancelCall(callID); n > 0 {
		s.logger.Info("closed agent sessions for finished room", "call_id", callID, "room_name", roomName, "sessions", n)
	}
}
