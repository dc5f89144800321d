package config

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL  string
	GatewayURLs []string
	AuthKey     string
	Env         string
	StateDir    string
}

func Load() *Config {
	log.Println("[CONFIG] Attempting to load .env file...")

	err := godotenv.Load()
	if err != nil {
		log.Println("[CONFIG] No .env file found, relying on system environment variables")
	} else {
		log.Println("[CONFIG] Successfully loaded .env file")
	}

	cfg := &Config{
		APIBaseURL:  getEnv("API_BASE_URL", ""),
		GatewayURLs: splitList(getEnv("GATEWAY_URLS", "")),
		AuthKey:     getEnv("AUTH_KEY", ""),
		Env:         getEnv("APP_ENV", "development"),
		StateDir:    getEnv("STATE_DIR", defaultStateDir()),
	}

	log.Printf("[CONFIG] Environment: %s", cfg.Env)

	if cfg.APIBaseURL == "" {
		log.Fatal("[CONFIG] CRITICAL: API_BASE_URL is missing. Client cannot start.")
	}
	if len(cfg.GatewayURLs) == 0 {
		log.Fatal("[CONFIG] CRITICAL: GATEWAY_URLS is missing. Client cannot start.")
	}
	if cfg.AuthKey == "" {
		log.Fatal("[CONFIG] CRITICAL: AUTH_KEY (JWT secret) is missing. Credential parsing cannot be initialized.")
	}

	log.Printf("[CONFIG] API base: %s", cfg.APIBaseURL)
	log.Printf("[CONFIG] Gateways: %d configured", len(cfg.GatewayURLs))
	log.Println("[CONFIG] All configuration variables successfully initialized")
	return cfg
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		log.Printf("[CONFIG] Variable %s not found, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "."
	}
	return dir + "/marketchat"
}
