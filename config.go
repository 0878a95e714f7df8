package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Configuration values, populated by LoadConfig
var (
	// Primary (OpenAI) endpoint
	PrimaryAPIKey  string
	PrimaryBaseURL = "https://api.openai.com/v1"
	PrimaryModel   = "gpt-4o"

	// Secondary (OpenRouter / Hermes) endpoint
	SecondaryAPIKey  string
	SecondaryBaseURL = "https://openrouter.ai/api/v1"
	SecondaryModel   = "nousresearch/hermes-4-70b"

	// JudgeModel runs on the primary endpoint; empty means PrimaryModel
	JudgeModel string

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// PersonaDir holds extra persona YAML files; empty means built-ins only
	PersonaDir string

	// DefaultPersonaID is used when a conversation does not name one
	DefaultPersonaID = "floria_ja"

	// Generation defaults for the user-facing reply
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 800

	// HistoryWindow caps how many history messages are sent per turn
	HistoryWindow = 60

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	PreflightTimeout  = 10 * time.Second

	// PreflightCacheTTL is how long preflight results are reused
	PreflightCacheTTL = 5 * time.Minute

	// ListenAddr is the HTTP listen address
	ListenAddr = ":8001"

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// Authentication
	AuthMode      = "bypass"
	AuthFile      string
	SessionSecret string

	// SendRPS throttles message sends; 0 disables throttling
	SendRPS float64

	// Logging
	LogLevel  = "info"
	LogPretty bool
)

// Ranges of the reply generation settings
const (
	MinTemperature = 0.0
	MaxTemperature = 1.5
	MinMaxTokens   = 64
	MaxMaxTokens   = 4096
)

// LoadConfig loads configuration from .env, an optional config file and
// environment variables. Missing API keys are not fatal here; the primary key
// is checked on every primary call.
func LoadConfig(configFile string) error {
	loadDotEnv()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
		log.Info().Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}

	PrimaryAPIKey = v.GetString("OPENAI_API_KEY")
	PrimaryBaseURL = strings.TrimRight(v.GetString("OPENAI_BASE_URL"), "/")
	PrimaryModel = v.GetString("OPENAI_MAIN_MODEL")

	SecondaryAPIKey = v.GetString("OPENROUTER_API_KEY")
	SecondaryBaseURL = strings.TrimRight(v.GetString("OPENROUTER_BASE_URL"), "/")
	SecondaryModel = v.GetString("OPENROUTER_HERMES_MODEL")

	JudgeModel = v.GetString("JUDGE_MODEL")
	if JudgeModel == "" {
		JudgeModel = PrimaryModel
	}

	DataDir = v.GetString("LYRA_DATA_DIR")
	PersonaDir = v.GetString("LYRA_PERSONA_DIR")
	DefaultPersonaID = v.GetString("LYRA_PERSONA")
	DefaultTemperature = clampTemperature(v.GetFloat64("LYRA_TEMPERATURE"))
	DefaultMaxTokens = clampMaxTokens(v.GetInt("LYRA_MAX_TOKENS"))
	HistoryWindow = v.GetInt("LYRA_HISTORY_WINDOW")
	ModelQueryTimeout = v.GetDuration("LYRA_MODEL_TIMEOUT")
	PreflightCacheTTL = v.GetDuration("LYRA_PREFLIGHT_TTL")
	ListenAddr = v.GetString("LYRA_ADDR")

	AuthMode = strings.ToLower(v.GetString("LYRA_AUTH_MODE"))
	AuthFile = v.GetString("LYRA_AUTH_FILE")
	SessionSecret = v.GetString("LYRA_SESSION_SECRET")
	SendRPS = v.GetFloat64("LYRA_SEND_RPS")

	LogLevel = v.GetString("LYRA_LOG_LEVEL")
	LogPretty = v.GetBool("LYRA_LOG_PRETTY")

	// Load CORS origins from environment if provided
	CORSAllowedOrigins = []string{}
	if corsOrigins := v.GetString("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	if PrimaryAPIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY is not set; turns will fail until it is configured")
	}
	if SecondaryAPIKey == "" {
		log.Warn().Msg("OPENROUTER_API_KEY is not set; Hermes replies will carry an inline error")
	}

	log.Info().
		Str("primary_model", PrimaryModel).
		Str("secondary_model", SecondaryModel).
		Str("judge_model", JudgeModel).
		Str("auth_mode", AuthMode).
		Msg("configuration loaded")
	return nil
}

// loadDotEnv tries the usual .env locations and loads the first one found
func loadDotEnv() {
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Info().Str("path", absPath).Msg("loaded .env")
				return
			}
		}
	}

	log.Warn().Msg(".env file not found in any expected location")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_MAIN_MODEL", "gpt-4o")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("OPENROUTER_HERMES_MODEL", "nousresearch/hermes-4-70b")
	v.SetDefault("LYRA_DATA_DIR", "data/conversations")
	v.SetDefault("LYRA_PERSONA", "floria_ja")
	v.SetDefault("LYRA_TEMPERATURE", 0.7)
	v.SetDefault("LYRA_MAX_TOKENS", 800)
	v.SetDefault("LYRA_HISTORY_WINDOW", 60)
	v.SetDefault("LYRA_MODEL_TIMEOUT", 120*time.Second)
	v.SetDefault("LYRA_PREFLIGHT_TTL", 5*time.Minute)
	v.SetDefault("LYRA_ADDR", ":8001")
	v.SetDefault("LYRA_AUTH_MODE", "bypass")
	v.SetDefault("LYRA_SEND_RPS", 0)
	v.SetDefault("LYRA_LOG_LEVEL", "info")
	v.SetDefault("LYRA_LOG_PRETTY", false)
}

func clampTemperature(t float64) float64 {
	if t < MinTemperature {
		return MinTemperature
	}
	if t > MaxTemperature {
		return MaxTemperature
	}
	return t
}

func clampMaxTokens(n int) int {
	if n < MinMaxTokens {
		return MinMaxTokens
	}
	if n > MaxMaxTokens {
		return MaxMaxTokens
	}
	return n
}
