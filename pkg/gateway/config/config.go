package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

type SearchProvider string

const (
	SearchGemini SearchProvider = "gemini"
	SearchTavily SearchProvider = "tavily"
	SearchExa    SearchProvider = "exa"
	SearchNone   SearchProvider = "none"
)

// MinLiveSecretLength is the shortest accepted live token signing secret.
const MinLiveSecretLength = 16

type Config struct {
	Addr string

	// AuthMode guards the live WebSocket route. Session routes are open.
	AuthMode       AuthMode
	LiveAuthSecret string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// SSE
	SSEPingInterval      time.Duration
	SSEMaxStreamDuration time.Duration

	// Live WebSocket (/v1/sessions/{id}/live).
	WSMaxSessionDuration       time.Duration
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioChunkBytes     int
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveHandshakeTimeout       time.Duration
	LiveToolTimeout            time.Duration

	// Fixed-window admission control.
	RateLimitWindow     time.Duration
	AnalyzeRateLimit    int
	LiveRateLimit       int
	RateLimitCapacity   int
	RateLimitSweepEvery int

	// Caches
	SearchCacheTTL time.Duration
	PageCacheTTL   time.Duration
	PageL2TTL      time.Duration

	// Outbound fetch
	FetchTimeout   time.Duration
	FetchMaxBytes  int64
	FetchAllowHTTP bool

	PipelineTimeout time.Duration

	TranscriptMaxChunks    int
	TranscriptMaxTextBytes int

	// Session store
	StoreBackend  StoreBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SessionTTL    time.Duration
	DatabaseURL   string

	// Search and inference
	SearchProvider  SearchProvider
	GeminiAPIKey    string
	GeminiTextModel string
	GeminiLiveModel string
	GeminiVoice     string
	TavilyAPIKey    string
	TavilyBaseURL   string
	ExaAPIKey       string
	ExaBaseURL      string

	// Observability
	LogLevel     string
	LogFile      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("EVIDENCE_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("EVIDENCE_AUTH_MODE", string(AuthModeRequired))),
		LiveAuthSecret:             strings.TrimSpace(os.Getenv("EVIDENCE_LIVE_AUTH_SECRET")),
		TrustProxyHeaders:          envBoolOr("EVIDENCE_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("EVIDENCE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		SSEPingInterval:            envDurationOr("EVIDENCE_SSE_PING_INTERVAL", 15*time.Second),
		SSEMaxStreamDuration:       envDurationOr("EVIDENCE_SSE_MAX_DURATION", 30*time.Minute),
		WSMaxSessionDuration:       envDurationOr("EVIDENCE_WS_MAX_DURATION", time.Hour),
		LiveMaxJSONMessageBytes:    envInt64Or("EVIDENCE_LIVE_MAX_JSON_MESSAGE_BYTES", 256*1024),
		LiveMaxAudioChunkBytes:     envIntOr("EVIDENCE_LIVE_MAX_AUDIO_CHUNK_BYTES", 150*1024),
		LiveMaxAudioFPS:            envIntOr("EVIDENCE_LIVE_MAX_AUDIO_FPS", 60),
		LiveMaxAudioBytesPerSecond: envInt64Or("EVIDENCE_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("EVIDENCE_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:         envDurationOr("EVIDENCE_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("EVIDENCE_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:       envDurationOr("EVIDENCE_LIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		LiveToolTimeout:            envDurationOr("EVIDENCE_LIVE_TOOL_TIMEOUT", 90*time.Second),
		RateLimitWindow:            envDurationOr("EVIDENCE_RATE_LIMIT_WINDOW", time.Minute),
		AnalyzeRateLimit:           envIntOr("EVIDENCE_ANALYZE_RATE_LIMIT", 6),
		LiveRateLimit:              envIntOr("EVIDENCE_LIVE_RATE_LIMIT", 10),
		RateLimitCapacity:          envIntOr("EVIDENCE_RATE_LIMIT_CAPACITY", 10000),
		RateLimitSweepEvery:        envIntOr("EVIDENCE_RATE_LIMIT_SWEEP_EVERY", 100),
		SearchCacheTTL:             envDurationOr("EVIDENCE_SEARCH_CACHE_TTL", 30*time.Minute),
		PageCacheTTL:               envDurationOr("EVIDENCE_PAGE_CACHE_TTL", 10*time.Minute),
		PageL2TTL:                  envDurationOr("EVIDENCE_PAGE_L2_TTL", 24*time.Hour),
		FetchTimeout:               envDurationOr("EVIDENCE_FETCH_TIMEOUT", 8*time.Second),
		FetchMaxBytes:              envInt64Or("EVIDENCE_FETCH_MAX_BYTES", 2<<20), // 2 MiB
		FetchAllowHTTP:             envBoolOr("EVIDENCE_FETCH_ALLOW_HTTP", false),
		PipelineTimeout:            envDurationOr("EVIDENCE_PIPELINE_TIMEOUT", 2*time.Minute),
		TranscriptMaxChunks:        envIntOr("EVIDENCE_TRANSCRIPT_MAX_CHUNKS", 200),
		TranscriptMaxTextBytes:     envIntOr("EVIDENCE_TRANSCRIPT_MAX_TEXT_BYTES", 4000),
		StoreBackend:               StoreBackend(envOr("EVIDENCE_STORE", string(StoreMemory))),
		RedisAddr:                  envOr("EVIDENCE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:              os.Getenv("EVIDENCE_REDIS_PASSWORD"),
		RedisDB:                    envIntOr("EVIDENCE_REDIS_DB", 0),
		RedisPrefix:                envOr("EVIDENCE_REDIS_PREFIX", "evidence:"),
		SessionTTL:                 envDurationOr("EVIDENCE_SESSION_TTL", 7*24*time.Hour),
		DatabaseURL:                strings.TrimSpace(os.Getenv("EVIDENCE_DATABASE_URL")),
		SearchProvider:             SearchProvider(envOr("EVIDENCE_SEARCH_PROVIDER", string(SearchGemini))),
		GeminiAPIKey:               firstEnv("EVIDENCE_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"),
		GeminiTextModel:            envOr("EVIDENCE_GEMINI_TEXT_MODEL", ""),
		GeminiLiveModel:            envOr("EVIDENCE_GEMINI_LIVE_MODEL", ""),
		GeminiVoice:                envOr("EVIDENCE_GEMINI_VOICE", ""),
		TavilyAPIKey:               strings.TrimSpace(os.Getenv("EVIDENCE_TAVILY_API_KEY")),
		TavilyBaseURL:              envOr("EVIDENCE_TAVILY_BASE_URL", "https://api.tavily.com"),
		ExaAPIKey:                  strings.TrimSpace(os.Getenv("EVIDENCE_EXA_API_KEY")),
		ExaBaseURL:                 envOr("EVIDENCE_EXA_BASE_URL", "https://api.exa.ai"),
		LogLevel:                   envOr("EVIDENCE_LOG_LEVEL", "info"),
		LogFile:                    strings.TrimSpace(os.Getenv("EVIDENCE_LOG_FILE")),
		OTELEnabled:                envBoolOr("EVIDENCE_OTEL_ENABLED", false),
		OTELEndpoint:               envOr("EVIDENCE_OTEL_ENDPOINT", "localhost:4318"),
		ServiceName:                envOr("EVIDENCE_SERVICE_NAME", "evidence-gateway"),
		ReadHeaderTimeout:          envDurationOr("EVIDENCE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("EVIDENCE_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("EVIDENCE_HANDLER_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("EVIDENCE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("EVIDENCE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return fmt.Errorf("EVIDENCE_AUTH_MODE must be one of required|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.LiveAuthSecret) < MinLiveSecretLength {
		return fmt.Errorf("EVIDENCE_LIVE_AUTH_SECRET must be at least %d characters when EVIDENCE_AUTH_MODE=required", MinLiveSecretLength)
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("EVIDENCE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.SSEPingInterval <= 0 {
		return fmt.Errorf("EVIDENCE_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.SSEMaxStreamDuration <= 0 {
		return fmt.Errorf("EVIDENCE_SSE_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return fmt.Errorf("EVIDENCE_WS_MAX_DURATION must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return fmt.Errorf("EVIDENCE_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioChunkBytes <= 0 {
		return fmt.Errorf("EVIDENCE_LIVE_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if int64(cfg.LiveMaxAudioChunkBytes)*4/3 > cfg.LiveMaxJSONMessageBytes {
		return fmt.Errorf("EVIDENCE_LIVE_MAX_JSON_MESSAGE_BYTES must fit a base64 audio chunk of EVIDENCE_LIVE_MAX_AUDIO_CHUNK_BYTES")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return fmt.Errorf("EVIDENCE_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("EVIDENCE_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return fmt.Errorf("EVIDENCE_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return fmt.Errorf("EVIDENCE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveToolTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_LIVE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("EVIDENCE_RATE_LIMIT_WINDOW must be > 0")
	}
	if cfg.AnalyzeRateLimit < 0 || cfg.LiveRateLimit < 0 {
		return fmt.Errorf("EVIDENCE_ANALYZE_RATE_LIMIT and EVIDENCE_LIVE_RATE_LIMIT must be >= 0")
	}
	if cfg.RateLimitCapacity <= 0 {
		return fmt.Errorf("EVIDENCE_RATE_LIMIT_CAPACITY must be > 0")
	}
	if cfg.RateLimitSweepEvery <= 0 {
		return fmt.Errorf("EVIDENCE_RATE_LIMIT_SWEEP_EVERY must be > 0")
	}
	if cfg.SearchCacheTTL <= 0 || cfg.PageCacheTTL <= 0 || cfg.PageL2TTL <= 0 {
		return fmt.Errorf("cache TTLs must be > 0")
	}
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_FETCH_TIMEOUT must be > 0")
	}
	if cfg.FetchMaxBytes <= 0 {
		return fmt.Errorf("EVIDENCE_FETCH_MAX_BYTES must be > 0")
	}
	if cfg.PipelineTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_PIPELINE_TIMEOUT must be > 0")
	}
	if cfg.TranscriptMaxChunks <= 0 || cfg.TranscriptMaxTextBytes <= 0 {
		return fmt.Errorf("transcript limits must be > 0")
	}

	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("EVIDENCE_REDIS_ADDR must be set when EVIDENCE_STORE=redis")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("EVIDENCE_DATABASE_URL must be set when EVIDENCE_STORE=postgres")
		}
	default:
		return fmt.Errorf("EVIDENCE_STORE must be one of memory|redis|postgres")
	}

	switch cfg.SearchProvider {
	case SearchGemini, SearchNone:
	case SearchTavily:
		if cfg.TavilyAPIKey == "" {
			return fmt.Errorf("EVIDENCE_TAVILY_API_KEY must be set when EVIDENCE_SEARCH_PROVIDER=tavily")
		}
	case SearchExa:
		if cfg.ExaAPIKey == "" {
			return fmt.Errorf("EVIDENCE_EXA_API_KEY must be set when EVIDENCE_SEARCH_PROVIDER=exa")
		}
	default:
		return fmt.Errorf("EVIDENCE_SEARCH_PROVIDER must be one of gemini|tavily|exa|none")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return fmt.Errorf("EVIDENCE_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("EVIDENCE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

// Issues lists configuration that leaves a feature degraded without being
// invalid. Readiness reports them.
func (cfg Config) Issues() []string {
	var out []string
	if cfg.GeminiAPIKey == "" {
		out = append(out, "voice disabled: missing inference credentials")
		if cfg.SearchProvider == SearchGemini {
			out = append(out, "search disabled: gemini search needs EVIDENCE_GEMINI_API_KEY")
		}
	}
	if cfg.SearchProvider == SearchNone {
		out = append(out, "search disabled: EVIDENCE_SEARCH_PROVIDER=none")
	}
	return out
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
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

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
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
