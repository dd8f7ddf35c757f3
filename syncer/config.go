package syncer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvSourceURL   = "SIRENA_SOURCE_URL"
)

// DefaultSourceURL is the public intervention table of the Vysočina fire rescue service.
const DefaultSourceURL = "http://webohled.hasici-vysocina.cz/udalosti"

// SourceConfig configures the HTML table reader.
type SourceConfig struct {
	URL       string `yaml:"url"`
	UserAgent string `yaml:"user_agent"`
	// TableIndex picks the n-th <table> when the page carries more than one.
	TableIndex int           `yaml:"table_index"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// APIConfig configures the query HTTP server.
type APIConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	DefaultPageSize int           `yaml:"default_page_size"`
}

type FileConfig struct {
	Debug bool `yaml:"debug"`
	// LogFile enables a size-rotated log file next to stderr output.
	LogFile string `yaml:"log_file"`

	Source    SourceConfig     `yaml:"source"`
	Store     StoreConfig      `yaml:"store"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	Reconcile ReconcileOptions `yaml:"reconcile"`
	API       APIConfig        `yaml:"api"`
	Notify    NotifyConfig     `yaml:"notify"`
}

// LoadConfig reads a YAML file. Missing sections keep their zero values; call ApplyDefaults afterwards.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv lets DATABASE_URL and SIRENA_SOURCE_URL override the file values.
func (c *FileConfig) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		c.Store.DSN = v
		if c.Store.Driver == "" {
			c.Store.Driver = DriverPostgres
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvSourceURL)); v != "" {
		c.Source.URL = v
	}
}

func (c *FileConfig) ApplyDefaults() {
	if c.Source.URL == "" {
		c.Source.URL = DefaultSourceURL
	}
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = "SirenaVysociny/1.0"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 30 * time.Second
	}
	if c.Source.MaxRetries == 0 {
		c.Source.MaxRetries = 3
	}
	if c.Source.Backoff == 0 {
		c.Source.Backoff = time.Second
	}
	if c.Source.MaxBackoff == 0 {
		c.Source.MaxBackoff = 10 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "sirena.db"
	}
	if c.Store.File == "" {
		c.Store.File = "interventions.json"
	}
	if c.Schedule.Interval == 0 && c.Schedule.MinInterval == 0 && c.Schedule.MaxInterval == 0 {
		c.Schedule.Interval = DefaultInterval
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 10 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 15 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.DefaultPageSize == 0 {
		c.API.DefaultPageSize = DefaultPageSize
	}
	if c.Notify.AppName == "" {
		c.Notify.AppName = defaultAppName
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 3 * time.Second
	}
}

func (c *FileConfig) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverFile:
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn (or %s) is required for the postgres driver", EnvDatabaseURL)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want sqlite, postgres or file)", c.Store.Driver)
	}
	if c.Schedule.MinInterval > 0 && c.Schedule.MaxInterval > 0 && c.Schedule.MinInterval > c.Schedule.MaxInterval {
		return fmt.Errorf("schedule.min_interval %s exceeds schedule.max_interval %s", c.Schedule.MinInterval, c.Schedule.MaxInterval)
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("source.max_retries must not be negative")
	}
	if c.API.DefaultPageSize < 0 || c.API.DefaultPageSize > MaxPageSize {
		return fmt.Errorf("api.default_page_size must be within 1..%d", MaxPageSize)
	}
	return nil
}
