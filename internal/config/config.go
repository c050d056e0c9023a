package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smallbiznis/qbo-connect/internal/domain/qbo"
)

// Config contains runtime configuration values.
type Config struct {
	Environment       qbo.Environment
	ClientID          string
	ClientSecret      string
	StorageDir        string
	RedirectHost      string
	CallbackPath      string
	CallbackPortStart int
	CallbackPortEnd   int
	CallbackTimeout   time.Duration
	TokenBuffer       time.Duration
	HTTPPort          string
	ServiceName       string
	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
// Client credentials may legitimately be absent here (listing connections
// works without them); the token manager rejects credential-dependent
// operations with a configuration error instead.
func Load() (Config, error) {
	_ = godotenv.Load()

	env, err := qbo.ParseEnvironment(getEnv("QBO_ENVIRONMENT", "sandbox"))
	if err != nil {
		return Config{}, err
	}

	storageDir := strings.TrimSpace(os.Getenv("QBO_STORAGE_DIR"))
	if storageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home dir: %w (set QBO_STORAGE_DIR)", err)
		}
		storageDir = filepath.Join(home, ".qbo-connect")
	}

	clientID, clientSecret := resolveClientCredentials(env)

	cfg := Config{
		Environment:       env,
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		StorageDir:        storageDir,
		RedirectHost:      getEnv("QBO_REDIRECT_HOST", "localhost"),
		CallbackPath:      getEnv("QBO_CALLBACK_PATH", "/cb"),
		CallbackPortStart: getInt("QBO_CALLBACK_PORT_START", 9741),
		CallbackPortEnd:   getInt("QBO_CALLBACK_PORT_END", 9745),
		CallbackTimeout:   getDuration("QBO_CALLBACK_TIMEOUT", 5*time.Minute),
		TokenBuffer:       getDuration("QBO_TOKEN_BUFFER", 5*time.Minute),
		HTTPPort:          getEnv("HTTP_PORT", "9790"),
		ServiceName:       getEnv("SERVICE_NAME", "qbo-connect"),
		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	if cfg.CallbackPortStart <= 0 || cfg.CallbackPortEnd < cfg.CallbackPortStart {
		return Config{}, fmt.Errorf("invalid callback port range %d-%d", cfg.CallbackPortStart, cfg.CallbackPortEnd)
	}

	return cfg, nil
}

// HasClientCredentials reports whether both client id and secret were
// resolved for the active environment.
func (c Config) HasClientCredentials() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// resolveClientCredentials prefers the environment-specific variant so one
// .env can carry both sandbox and production apps.
func resolveClientCredentials(env qbo.Environment) (string, string) {
	prefix := "QBO_" + strings.ToUpper(string(env)) + "_"
	id := strings.TrimSpace(os.Getenv(prefix + "CLIENT_ID"))
	secret := strings.TrimSpace(os.Getenv(prefix + "CLIENT_SECRET"))
	if id == "" {
		id = strings.TrimSpace(os.Getenv("QBO_CLIENT_ID"))
	}
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("QBO_CLIENT_SECRET"))
	}
	return id, secret
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
