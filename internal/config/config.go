// Package config loads the console daemon settings from the environment,
// with an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StoreKind selects the credential store backend.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreFile     StoreKind = "file"
	StorePostgres StoreKind = "postgres"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr  string
	// GRPCAddr enables the gRPC health endpoint when non-empty.
	GRPCAddr    string
	IdentityURL string
	APIURL      string
	Store       StoreConfig
	CallTimeout time.Duration
	RateBurst   int
	RatePerSec  float64

	// AllowedOrigins is the CORS allow list; empty allows any origin.
	AllowedOrigins []string
}

// StoreConfig describes where the credential is persisted.
type StoreConfig struct {
	Kind    StoreKind
	Path    string // file backend; empty means the user config dir
	DSN     string // postgres backend
	Profile string
}

// Load reads the configuration. A .env file in the working directory is
// loaded first when present; real environment variables take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	timeout, err := time.ParseDuration(getEnv("CONSOLE_CALL_TIMEOUT", "10s"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("invalid CONSOLE_CALL_TIMEOUT: %q", os.Getenv("CONSOLE_CALL_TIMEOUT"))
	}
	burst, err := strconv.Atoi(getEnv("CONSOLE_RATE_BURST", "40"))
	if err != nil || burst <= 0 {
		return nil, fmt.Errorf("invalid CONSOLE_RATE_BURST: %q", os.Getenv("CONSOLE_RATE_BURST"))
	}
	perSec, err := strconv.ParseFloat(getEnv("CONSOLE_RATE_PER_SEC", "20"), 64)
	if err != nil || perSec <= 0 {
		return nil, fmt.Errorf("invalid CONSOLE_RATE_PER_SEC: %q", os.Getenv("CONSOLE_RATE_PER_SEC"))
	}

	identity := strings.TrimSpace(getEnv("CONSOLE_IDENTITY_URL", ""))
	if identity == "" {
		return nil, fmt.Errorf("CONSOLE_IDENTITY_URL environment variable is required")
	}
	apiURL := strings.TrimSpace(getEnv("CONSOLE_API_URL", identity))

	store, err := parseStore(getEnv("CONSOLE_STORE", "file:"), getEnv("CONSOLE_PROFILE", "default"))
	if err != nil {
		return nil, err
	}

	return &Config{
		ListenAddr:     getEnv("CONSOLE_LISTEN_ADDR", ":8090"),
		GRPCAddr:       getEnv("CONSOLE_GRPC_ADDR", ""),
		IdentityURL:    identity,
		APIURL:         apiURL,
		Store:          store,
		CallTimeout:    timeout,
		RateBurst:      burst,
		RatePerSec:     perSec,
		AllowedOrigins: splitList(getEnv("CONSOLE_ALLOWED_ORIGINS", "")),
	}, nil
}

func parseStore(raw, profile string) (StoreConfig, error) {
	raw = strings.TrimSpace(raw)
	sc := StoreConfig{Profile: profile}
	switch {
	case raw == "" || raw == string(StoreMemory):
		sc.Kind = StoreMemory
	case strings.HasPrefix(raw, "file:"):
		sc.Kind = StoreFile
		sc.Path = strings.TrimPrefix(raw, "file:")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		sc.Kind = StorePostgres
		sc.DSN = raw
	default:
		return StoreConfig{}, fmt.Errorf("invalid CONSOLE_STORE: %q", raw)
	}
	return sc, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
