package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort              = "8080"
	defaultSessionCookieName = "scribe_session"
	defaultSessionTTLHours   = 168
	defaultFrontendOrigin    = "https://scribe.sanetomore.com"
	defaultUploadDir         = "/tmp/scribe-uploads"
	defaultAggregatorBaseURL = "https://openrouter.ai/api/v1"
	defaultBraveBaseURL      = "https://api.search.brave.com/res/v1"
	defaultFreeDailyLimit    = 25
	defaultProDailyLimit     = 500
	defaultMaxToolRounds     = 8
	defaultStreamTimeoutSecs = 300
)

type Config struct {
	Port                     string
	Environment              string
	FrontendOrigin           string
	AllowedOrigins           []string
	AuthRequired             bool
	CookieSecure             bool
	SessionCookieName        string
	SessionTTL               time.Duration
	GoogleClientID           string
	InsecureSkipGoogleVerify bool

	DatabaseURL       string
	DatabaseAuthToken string

	// Aggregator is the shared OpenRouter endpoint used for charged requests
	// when the user has not supplied a key of their own.
	AggregatorBaseURL string
	AggregatorAPIKey  string

	// Internal is the first-party inference endpoint. Only models listed in
	// FirstPartyModels may be served through it.
	InternalBaseURL  string
	InternalAPIKey   string
	FirstPartyModels map[string]struct{}

	BraveAPIKey  string
	BraveBaseURL string

	GCSBucket       string
	GCSUploadPrefix string
	LocalUploadDir  string

	FreeDailyRequests    int
	ProDailyRequests     int
	MaxToolRounds        int
	StreamTimeoutSeconds int
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

func Load() (Config, error) {
	cfg := Config{
		Port:                     envOrDefault("PORT", defaultPort),
		Environment:              envOrDefault("APP_ENV", "development"),
		FrontendOrigin:           envOrDefault("FRONTEND_ORIGIN", defaultFrontendOrigin),
		AuthRequired:             boolOrDefault("AUTH_REQUIRED", true),
		CookieSecure:             boolOrDefault("COOKIE_SECURE", false),
		SessionCookieName:        envOrDefault("SESSION_COOKIE_NAME", defaultSessionCookieName),
		GoogleClientID:           strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		InsecureSkipGoogleVerify: boolOrDefault("AUTH_INSECURE_SKIP_GOOGLE_VERIFY", false),
		DatabaseURL:              strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseAuthToken:        strings.TrimSpace(os.Getenv("DATABASE_AUTH_TOKEN")),
		AggregatorBaseURL:        envOrDefault("OPENROUTER_BASE_URL", defaultAggregatorBaseURL),
		AggregatorAPIKey:         strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		InternalBaseURL:          strings.TrimSpace(os.Getenv("INTERNAL_INFERENCE_BASE_URL")),
		InternalAPIKey:           strings.TrimSpace(os.Getenv("INTERNAL_INFERENCE_API_KEY")),
		BraveAPIKey:              strings.TrimSpace(os.Getenv("BRAVE_API_KEY")),
		BraveBaseURL:             envOrDefault("BRAVE_BASE_URL", defaultBraveBaseURL),
		GCSBucket:                strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		GCSUploadPrefix:          strings.TrimSpace(os.Getenv("GCS_UPLOAD_PREFIX")),
		LocalUploadDir:           envOrDefault("LOCAL_UPLOAD_DIR", defaultUploadDir),
		FreeDailyRequests:        intOrDefault("FREE_DAILY_REQUESTS", defaultFreeDailyLimit),
		ProDailyRequests:         intOrDefault("PRO_DAILY_REQUESTS", defaultProDailyLimit),
		MaxToolRounds:            intOrDefault("MAX_TOOL_ROUNDS", defaultMaxToolRounds),
		StreamTimeoutSeconds:     intOrDefault("STREAM_TIMEOUT_SECONDS", defaultStreamTimeoutSecs),
	}

	if cfg.Environment == "production" {
		cfg.CookieSecure = true
	}

	sessionTTLHours := intOrDefault("SESSION_TTL_HOURS", defaultSessionTTLHours)
	cfg.SessionTTL = time.Duration(sessionTTLHours) * time.Hour
	if cfg.SessionTTL <= 0 {
		return Config{}, errors.New("SESSION_TTL_HOURS must be > 0")
	}

	origins := parseList(envOrDefault("CORS_ALLOWED_ORIGINS", cfg.FrontendOrigin+",http://localhost:5173,http://localhost:4173"))
	if len(origins) == 0 {
		return Config{}, errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}
	cfg.AllowedOrigins = origins

	cfg.FirstPartyModels = parseModelSet(os.Getenv("FIRST_PARTY_MODELS"))

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if strings.HasPrefix(cfg.DatabaseURL, "libsql://") && cfg.DatabaseAuthToken == "" {
		return Config{}, errors.New("DATABASE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if cfg.AuthRequired && !cfg.InsecureSkipGoogleVerify && cfg.GoogleClientID == "" {
		return Config{}, errors.New("GOOGLE_CLIENT_ID is required unless AUTH_INSECURE_SKIP_GOOGLE_VERIFY=true")
	}
	if cfg.FreeDailyRequests <= 0 || cfg.ProDailyRequests <= 0 {
		return Config{}, errors.New("daily request limits must be > 0")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, errors.New("MAX_TOOL_ROUNDS must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func boolOrDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseModelSet(raw string) map[string]struct{} {
	models := parseList(raw)
	out := make(map[string]struct{}, len(models))
	for _, model := range models {
		out[strings.ToLower(model)] = struct{}{}
	}
	return out
}
