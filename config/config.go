package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the coordinator configuration
type Config struct {
	// Realtime service. Either the static Azure credentials or TokenURL
	// must be set.
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	TokenURL   string
	TokenAuth  string
	Voice      string
	Greet      bool

	// Task store. An empty TasksAPIURL selects the in-memory store.
	TasksAPIURL   string
	TasksAPIToken string
	StoreTimeout  time.Duration // zero means no deadline

	// Semantic search ranking. Without a key the keyword ranker is used.
	GeminiAPIKey string
	RankerModel  string

	// Session registry
	RedisURL       string
	RedisPassword  string
	SessionTimeout time.Duration

	// Audio devices
	FFmpegPath    string
	CaptureFormat string
	CaptureDevice string
	FFPlayPath    string
	NoSpeaker     bool

	// Port is where the mock realtime service listens
	Port int
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		APIVersion:     "2024-10-01-preview",
		Voice:          "alloy",
		RankerModel:    "gemini-2.5-flash",
		RedisURL:       "localhost:6379",
		SessionTimeout: 30 * time.Minute,
		FFmpegPath:     "ffmpeg",
		FFPlayPath:     "ffplay",
		Port:           8080,
	}

	config.Endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
	config.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
	config.Deployment = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
	if v := os.Getenv("AZURE_OPENAI_API_VERSION"); v != "" {
		config.APIVersion = v
	}
	config.TokenURL = os.Getenv("VOICE_TOKEN_URL")
	config.TokenAuth = os.Getenv("VOICE_TOKEN_AUTH")
	if v := os.Getenv("VOICE"); v != "" {
		config.Voice = v
	}

	// Optional: GREET_ON_CONNECT
	if v := os.Getenv("GREET_ON_CONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid GREET_ON_CONNECT: %w", err)
		}
		config.Greet = b
	}

	config.TasksAPIURL = os.Getenv("TASKS_API_URL")
	config.TasksAPIToken = os.Getenv("TASKS_API_TOKEN")

	// Optional: STORE_TIMEOUT (in seconds)
	if timeout := os.Getenv("STORE_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil || t < 0 {
			return nil, fmt.Errorf("invalid STORE_TIMEOUT: %q", timeout)
		}
		config.StoreTimeout = time.Duration(t) * time.Second
	}

	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if v := os.Getenv("RANKER_MODEL"); v != "" {
		config.RankerModel = v
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		config.FFmpegPath = v
	}
	config.CaptureFormat = os.Getenv("CAPTURE_FORMAT")
	config.CaptureDevice = os.Getenv("CAPTURE_DEVICE")
	if v := os.Getenv("FFPLAY_PATH"); v != "" {
		config.FFPlayPath = v
	}

	// Optional: NO_SPEAKER
	if v := os.Getenv("NO_SPEAKER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NO_SPEAKER: %w", err)
		}
		config.NoSpeaker = b
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	return config, nil
}

// Validate checks that a realtime credential source is configured
func (c *Config) Validate() error {
	if c.TokenURL != "" {
		return nil
	}
	if c.Endpoint == "" || c.APIKey == "" {
		return fmt.Errorf("AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY are required unless VOICE_TOKEN_URL is set")
	}
	if c.Deployment == "" {
		return fmt.Errorf("AZURE_OPENAI_DEPLOYMENT is required unless VOICE_TOKEN_URL is set")
	}
	return nil
}
