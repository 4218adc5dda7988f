package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	ctxpkg "github.com/stupiduntilnot/relaybot/internal/context"
)

const (
	defaultTelegramAPIBase = "https://api.telegram.org/bot%s"
	defaultModel           = "gpt-3.5-turbo"
)

// RelayConfig holds configuration for the relay process.
type RelayConfig struct {
	TelegramToken        string
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIModel          string
	CompletionTimeout    time.Duration
	ContextMode          ctxpkg.Mode
	DBPath               string
	ModelProvider        string
	Commander            string
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
	LogLevel             string
	MetricsAddr          string
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Values already present in the environment win.
func LoadDotEnv() (bool, error) {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load .env: %w", err)
	}
	return true, nil
}

// LoadRelayConfig reads relay configuration from environment variables.
func LoadRelayConfig() (RelayConfig, error) {
	modelProvider := envOrDefault("RELAY_MODEL_PROVIDER", "openai")
	commander := envOrDefault("RELAY_COMMANDER", "telegram")

	telegramToken := os.Getenv("TOKEN")
	if commander == "telegram" && telegramToken == "" {
		return RelayConfig{}, fmt.Errorf("TOKEN is required in environment when RELAY_COMMANDER=telegram")
	}
	openaiKey := os.Getenv("OPENAI_API_KEY")
	if modelProvider == "openai" && openaiKey == "" {
		return RelayConfig{}, fmt.Errorf("OPENAI_API_KEY is required in environment when RELAY_MODEL_PROVIDER=openai")
	}

	mode, err := ctxpkg.ParseMode(os.Getenv("RELAY_CONTEXT_MODE"))
	if err != nil {
		return RelayConfig{}, fmt.Errorf("RELAY_CONTEXT_MODE: %w", err)
	}

	completionTimeout := envIntOrDefault("OPENAI_TIMEOUT_SECONDS", 60)
	if completionTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("OPENAI_TIMEOUT_SECONDS must be > 0, got %d", completionTimeout)
	}
	pollTimeout := envIntOrDefault("TG_TIMEOUT", 30)
	if pollTimeout < 0 {
		return RelayConfig{}, fmt.Errorf("TG_TIMEOUT must be >= 0, got %d", pollTimeout)
	}

	apiBase := envOrDefault("TG_API_BASE", defaultTelegramAPIBase)
	if strings.Contains(apiBase, "%s") {
		apiBase = fmt.Sprintf(apiBase, telegramToken)
	}

	return RelayConfig{
		TelegramToken:        telegramToken,
		TelegramAPIBase:      strings.TrimRight(apiBase, "/"),
		Timeout:              pollTimeout,
		SleepSeconds:         envIntOrDefault("TG_SLEEP_SECONDS", 1),
		DropPending:          envBoolOrDefault("TG_DROP_PENDING", true),
		PendingWindowSeconds: int64(envIntOrDefault("TG_PENDING_WINDOW_SECONDS", 0)),
		PendingMaxMessages:   envIntOrDefault("TG_PENDING_MAX_MESSAGES", 50),
		OpenAIAPIKey:         openaiKey,
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:          envOrDefault("OPENAI_MODEL", defaultModel),
		CompletionTimeout:    time.Duration(completionTimeout) * time.Second,
		ContextMode:          mode,
		DBPath:               envOrDefault("RELAY_DB_PATH", "./relay.db"),
		ModelProvider:        modelProvider,
		Commander:            commander,
		DummyProviderScript:  envOrDefault("RELAY_DUMMY_PROVIDER_SCRIPT", "ok"),
		DummyCommanderScript: envOrDefault("RELAY_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("RELAY_DUMMY_COMMANDER_SEND_SCRIPT", "ok"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
