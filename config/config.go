package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from an optional
// YAML file named by CONFIG_FILE, overridden by environment variables.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	StorageDriver    string `yaml:"storage_driver"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	Proxies []string `yaml:"proxies"`

	ChromeBin       string `yaml:"chrome_bin"`
	BrowserHeadless bool   `yaml:"browser_headless"`

	TLSWorkers int           `yaml:"tls_workers"`
	TLSTimeout time.Duration `yaml:"tls_timeout"`

	SearchTTL     time.Duration `yaml:"search_ttl"`
	MergeCap      int           `yaml:"merge_cap"`
	PageDelay     time.Duration `yaml:"page_delay"`
	ScrapeTimeout time.Duration `yaml:"scrape_timeout"`

	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	FluentHost string `yaml:"fluent_host"`
	FluentPort int    `yaml:"fluent_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr: ":3000",

		StorageDriver:    "postgres",
		PostgresHost:     "localhost",
		PostgresPort:     "5432",
		PostgresUser:     "yardsale",
		PostgresPassword: "yardsale",
		PostgresDB:       "yardsale",
		PostgresSSLMode:  "disable",

		BrowserHeadless: true,

		TLSWorkers: 4,
		TLSTimeout: 30 * time.Second,

		SearchTTL:     time.Hour,
		MergeCap:      200,
		PageDelay:     time.Second,
		ScrapeTimeout: 10 * time.Minute,

		LogLevel:   "info",
		LogFormat:  "text",
		FluentPort: 24224,
	}
}

// Load reads the .env file, the optional YAML file and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)

	c.StorageDriver = getEnv("STORAGE_DRIVER", c.StorageDriver)
	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnv("POSTGRES_PORT", c.PostgresPort)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresDB = getEnv("POSTGRES_DB", c.PostgresDB)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)

	c.Proxies = getEnvList("YARD_SALE_PROXIES", c.Proxies)

	c.ChromeBin = getEnv("CHROME_BIN", c.ChromeBin)
	c.BrowserHeadless = getEnvBool("BROWSER_HEADLESS", c.BrowserHeadless)

	c.TLSWorkers = getEnvInt("TLS_WORKERS", c.TLSWorkers)
	c.TLSTimeout = getEnvDuration("TLS_TIMEOUT", c.TLSTimeout)

	c.SearchTTL = getEnvDuration("SEARCH_TTL", c.SearchTTL)
	c.MergeCap = getEnvInt("MERGE_CAP", c.MergeCap)
	c.PageDelay = getEnvDuration("PAGE_DELAY", c.PageDelay)
	c.ScrapeTimeout = getEnvDuration("SCRAPE_TIMEOUT", c.ScrapeTimeout)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.FluentHost = getEnv("FLUENT_HOST", c.FluentHost)
	c.FluentPort = getEnvInt("FLUENT_PORT", c.FluentPort)
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return SplitList(val)
}

// SplitList splits s on commas and trims each entry, dropping empty ones.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
