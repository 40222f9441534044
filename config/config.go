package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Postgres    PostgresConfig
	Search      SearchConfig
	Verify      VerifyConfig
	OpenAI      OpenAIConfig
	S3          S3Config
	Proxy       ProxyConfig
	Scheduler   SchedulerConfig
	RedisURL    string
	DBPath      string
	LogLevel    string
	MetricsAddr string
	Queries     *QueryCatalog
}

type PostgresConfig struct {
	DBURL string
}

type SearchConfig struct {
	ExaAPIKey    string
	TavilyAPIKey string
	Concurrency  int
	NumResults   int
	LookbackDays int
}

type VerifyConfig struct {
	Concurrency     int
	FetchTimeout    time.Duration
	ClassifyTimeout time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	QualifyConf     float64
	FetchMode       string // http, browser
	ArchivePages    bool
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	RPS     float64
	// StrictSchema requests json_schema output. Disable it for
	// OpenAI-compatible endpoints that only support json_object.
	StrictSchema bool
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

type ProxyConfig struct {
	URL string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
	Sweep    time.Duration
	// StaleAfter is how long a qualified or interesting record goes
	// without an update before the sweep verifies it again.
	StaleAfter time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Postgres: PostgresConfig{
			DBURL: os.Getenv("DATABASE_URL"),
		},
		Search: SearchConfig{
			ExaAPIKey:    os.Getenv("EXA_API_KEY"),
			TavilyAPIKey: os.Getenv("TAVILY_API_KEY"),
			Concurrency:  getEnvInt("SEARCH_CONCURRENCY", 4),
			NumResults:   getEnvInt("SEARCH_NUM_RESULTS", 5),
			LookbackDays: getEnvInt("SEARCH_LOOKBACK_DAYS", 90),
		},
		Verify: VerifyConfig{
			Concurrency:     getEnvInt("VERIFY_CONCURRENCY", 6),
			FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
			ClassifyTimeout: getEnvDuration("CLASSIFY_TIMEOUT", 45*time.Second),
			MaxAttempts:     getEnvInt("CLASSIFY_MAX_ATTEMPTS", 3),
			InitialBackoff:  getEnvDuration("CLASSIFY_BACKOFF", time.Second),
			MaxBackoff:      getEnvDuration("CLASSIFY_MAX_BACKOFF", 20*time.Second),
			QualifyConf:     getEnvFloat("QUALIFY_CONFIDENCE", 0.6),
			FetchMode:       getEnv("FETCH_MODE", "http"),
			ArchivePages:    os.Getenv("ARCHIVE_PAGES") == "true",
		},
		OpenAI: OpenAIConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			Model:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:      os.Getenv("OPENAI_BASE_URL"),
			RPS:          getEnvFloat("CLASSIFY_RPS", 2),
			StrictSchema: getEnv("OPENAI_STRICT_SCHEMA", "true") != "false",
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			PublicURL:       os.Getenv("S3_PUBLIC_URL"),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Scheduler: SchedulerConfig{
			Cron:       os.Getenv("PIPELINE_CRON"),
			Sweep:      getEnvDuration("VERIFY_SWEEP_INTERVAL", 15*time.Minute),
			StaleAfter: getEnvDuration("REVERIFY_AFTER", 7*24*time.Hour),
		},
		RedisURL:    os.Getenv("REDIS_URL"),
		DBPath:      getEnv("DB_PATH", "edge_finder.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	if interval := os.Getenv("PIPELINE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	catalog, err := LoadQueryCatalog(getEnv("QUERIES_DIR", "config/queries"))
	if err != nil {
		return nil, err
	}
	cfg.Queries = catalog

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
