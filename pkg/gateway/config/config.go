package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// CORSAllowAll is the allowlist entry that admits every origin.
const CORSAllowAll = "*"

type Config struct {
	Addr string

	// Media platform. Missing credentials put the service in degraded mode
	// rather than failing startup.
	LiveKitURL     string
	LiveKitHTTPURL string
	LiveKit        livekit.Credentials
	TokenTTL       time.Duration

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled ("none")

	// Web client and role scripts.
	StaticDir       string
	RoleScriptsPath string

	WebhookQueueSize int
	MaxBodyBytes     int64

	// Per API key limits. Zero disables a limit.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	AgentMaxSessionsPerKey     int

	// Agent session websocket (/agents/session).
	AgentHandshakeTimeout   time.Duration
	AgentWSWriteTimeout     time.Duration
	AgentMaxJSONMessageSize int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
	UpstreamTimeout     time.Duration

	LogFormat LogFormat

	// Voice pipeline provider keys. The gateway never calls these providers;
	// they are reported by the setup check only.
	OpenAIAPIKey   string
	DeepgramAPIKey string
	CartesiaAPIKey string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:       envOr("TRIAGE_ADDR", ":8000"),
		LiveKitURL: envOr("LIVEKIT_URL", "wss://localhost:7880"),
		LiveKit: livekit.Credentials{
			APIKey:    strings.TrimSpace(os.Getenv("LIVEKIT_API_KEY")),
			APISecret: strings.TrimSpace(os.Getenv("LIVEKIT_API_SECRET")),
		},
		TokenTTL:                   envDurationOr("LIVEKIT_TOKEN_TTL", livekit.DefaultTokenTTL),
		AuthMode:                   AuthMode(envOr("TRIAGE_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                    make(map[string]struct{}),
		CORSAllowedOrigins:         make(map[string]struct{}),
		StaticDir:                  envOr("TRIAGE_STATIC_DIR", "static"),
		RoleScriptsPath:            envOr("TRIAGE_ROLE_SCRIPTS", ""),
		WebhookQueueSize:           envIntOr("TRIAGE_WEBHOOK_QUEUE_SIZE", 256),
		MaxBodyBytes:               envInt64Or("TRIAGE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		LimitRPS:                   envFloat64Or("TRIAGE_LIMIT_RPS", 0),
		LimitBurst:                 envIntOr("TRIAGE_LIMIT_BURST", 0),
		LimitMaxConcurrentRequests: envIntOr("TRIAGE_LIMIT_MAX_CONCURRENT_REQUESTS", 0),
		AgentMaxSessionsPerKey:     envIntOr("TRIAGE_AGENT_MAX_SESSIONS_PER_KEY", 0),
		AgentHandshakeTimeout:      envDurationOr("TRIAGE_AGENT_HANDSHAKE_TIMEOUT", 5*time.Second),
		AgentWSWriteTimeout:        envDurationOr("TRIAGE_AGENT_WS_WRITE_TIMEOUT", 5*time.Second),
		AgentMaxJSONMessageSize:    envInt64Or("TRIAGE_AGENT_MAX_JSON_MESSAGE_BYTES", 64*1024),
		ReadHeaderTimeout:          envDurationOr("TRIAGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("TRIAGE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("TRIAGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamTimeout:            envDurationOr("TRIAGE_UPSTREAM_TIMEOUT", 10*time.Second),
		LogFormat:                  LogFormat(strings.ToLower(envOr("TRIAGE_LOG_FORMAT", string(LogFormatText)))),
		OpenAIAPIKey:               strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		DeepgramAPIKey:             strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
		CartesiaAPIKey:             strings.TrimSpace(os.Getenv("CARTESIA_API_KEY")),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("TRIAGE_AUTH_MODE must be one of required|optional|disabled")
	}
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("TRIAGE_LOG_FORMAT must be one of text|json")
	}

	for _, key := range splitCSV(os.Getenv("TRIAGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	origins := envOr("TRIAGE_CORS_ORIGINS", CORSAllowAll)
	if !strings.EqualFold(origins, "none") {
		for _, origin := range splitCSV(origins) {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}

	httpURL := envOr("LIVEKIT_HTTP_URL", "")
	if httpURL == "" {
		derived, err := livekit.HTTPURL(cfg.LiveKitURL)
		if err != nil {
			return Config{}, fmt.Errorf("LIVEKIT_URL is invalid: %w", err)
		}
		httpURL = derived
	}
	cfg.LiveKitHTTPURL = strings.TrimRight(httpURL, "/")

	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("LIVEKIT_TOKEN_TTL must be > 0")
	}
	if cfg.WebhookQueueSize <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_WEBHOOK_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.LimitRPS < 0 || cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("TRIAGE_LIMIT_RPS and TRIAGE_LIMIT_BURST must be >= 0")
	}
	if (cfg.LimitRPS > 0) != (cfg.LimitBurst > 0) {
		return Config{}, fmt.Errorf("TRIAGE_LIMIT_RPS and TRIAGE_LIMIT_BURST must be set together")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("TRIAGE_LIMIT_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.AgentMaxSessionsPerKey < 0 {
		return Config{}, fmt.Errorf("TRIAGE_AGENT_MAX_SESSIONS_PER_KEY must be >= 0")
	}
	if cfg.AgentHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_AGENT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.AgentWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_AGENT_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.AgentMaxJSONMessageSize <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_AGENT_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamTimeout <= 0 {
		return Config{}, fmt.Errorf("TRIAGE_UPSTREAM_TIMEOUT must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("TRIAGE_API_KEYS must be set when TRIAGE_AUTH_MODE=required")
	}

	return cfg, nil
}

// CredentialsConfigured reports whether both media platform credentials are
// present.
func (c Config) CredentialsConfigured() bool {
	return c.LiveKit.Configured()
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
