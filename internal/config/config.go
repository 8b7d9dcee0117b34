package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tailscale/hujson"
)

const (
	DefaultDir       = "config"
	DefaultEnv       = "development"
	defaultFileName  = "default.json"
	profileExtension = ".json"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type CouchDBConfig struct {
	URL            string   `json:"url"`
	DBName         string   `json:"dbname"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	RequestTimeout Duration `json:"requestTimeout"`
	Heartbeat      Duration `json:"heartbeat"`
	FeedRetryDelay Duration `json:"feedRetryDelay"`
}

type PostgreSQLConfig struct {
	URI              string   `json:"uri"`
	Table            string   `json:"table"`
	MaxOpenConns     int      `json:"maxOpenConns"`
	OperationTimeout Duration `json:"operationTimeout"`
}

type SyncConfig struct {
	HealthAttempts    int     `json:"healthAttempts"`
	WriteAttempts     int     `json:"writeAttempts"`
	WritesPerSecond   float64 `json:"writesPerSecond"`
	DedupeConsecutive bool    `json:"dedupeConsecutive"`
	CheckpointDSN     string  `json:"checkpointDSN,omitempty"`
	QueueSize         int     `json:"queueSize"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type AdminConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
}

type Config struct {
	CouchDB    CouchDBConfig    `json:"couchDB"`
	PostgreSQL PostgreSQLConfig `json:"postgresql"`
	Sync       SyncConfig       `json:"sync"`
	Log        LogConfig        `json:"log"`
	Admin      AdminConfig      `json:"admin"`
}

// Sources records where a Config came from.
type Sources struct {
	Env   string
	Files []string
	// Warnings lists ignored environment overrides; they are reported once
	// logging is configured.
	Warnings []string
}

func Default() Config {
	return Config{
		CouchDB: CouchDBConfig{
			URL:            "http://127.0.0.1:5984",
			RequestTimeout: Duration(15 * time.Second),
			Heartbeat:      Duration(30 * time.Second),
			FeedRetryDelay: Duration(5 * time.Second),
		},
		PostgreSQL: PostgreSQLConfig{
			Table:            "couchdb_docs",
			MaxOpenConns:     4,
			OperationTimeout: Duration(5 * time.Second),
		},
		Sync: SyncConfig{
			HealthAttempts: 10,
			WriteAttempts:  3,
			QueueSize:      256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ResolveEnv picks the profile name: explicit value, COUCHMIRROR_ENV,
// NODE_ENV, then DefaultEnv.
func ResolveEnv(explicit string, getenv func(string) string) string {
	if env := strings.TrimSpace(explicit); env != "" {
		return env
	}
	for _, name := range []string{"COUCHMIRROR_ENV", "NODE_ENV"} {
		if env := strings.TrimSpace(getenv(name)); env != "" {
			return env
		}
	}
	return DefaultEnv
}

// Load layers defaults, <dir>/default.json, <dir>/<env>.json and environment
// overrides, in that order. Missing profile files are skipped.
func Load(dir, env string, getenv func(string) string) (Config, Sources, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	cfg := Default()
	sources := Sources{Env: ResolveEnv(env, getenv)}

	for _, name := range []string{defaultFileName, sources.Env + profileExtension} {
		path := filepath.Join(dir, name)
		loaded, err := loadProfile(path, &cfg)
		if err != nil {
			return Config{}, Sources{}, err
		}
		if loaded {
			sources.Files = append(sources.Files, path)
		}
	}
	sources.Warnings = applyEnvOverrides(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, Sources{}, err
	}
	return cfg, sources, nil
}

func loadProfile(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := validateProfile(standardized); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	decoder := json.NewDecoder(bytes.NewReader(standardized))
	if err := decoder.Decode(cfg); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return true, nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.CouchDB.URL) == "" {
		problems = append(problems, "couchDB.url is required")
	}
	if strings.TrimSpace(c.CouchDB.DBName) == "" {
		problems = append(problems, "couchDB.dbname is required")
	}
	if strings.TrimSpace(c.PostgreSQL.URI) == "" {
		problems = append(problems, "postgresql.uri is required")
	}
	if strings.TrimSpace(c.PostgreSQL.Table) == "" {
		problems = append(problems, "postgresql.table is required")
	}
	if c.Sync.HealthAttempts < 1 {
		problems = append(problems, "sync.healthAttempts must be at least 1")
	}
	if c.Sync.WriteAttempts < 1 {
		problems = append(problems, "sync.writeAttempts must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) []string {
	var warnings []string
	stringEnv(getenv, "COUCHMIRROR_COUCHDB_URL", &cfg.CouchDB.URL)
	stringEnv(getenv, "COUCHMIRROR_COUCHDB_DBNAME", &cfg.CouchDB.DBName)
	stringEnv(getenv, "COUCHMIRROR_COUCHDB_USERNAME", &cfg.CouchDB.Username)
	stringEnv(getenv, "COUCHMIRROR_COUCHDB_PASSWORD", &cfg.CouchDB.Password)
	stringEnv(getenv, "COUCHMIRROR_POSTGRES_URI", &cfg.PostgreSQL.URI)
	stringEnv(getenv, "COUCHMIRROR_POSTGRES_TABLE", &cfg.PostgreSQL.Table)
	stringEnv(getenv, "COUCHMIRROR_CHECKPOINT_DSN", &cfg.Sync.CheckpointDSN)
	stringEnv(getenv, "COUCHMIRROR_LOG_LEVEL", &cfg.Log.Level)
	stringEnv(getenv, "COUCHMIRROR_LOG_FORMAT", &cfg.Log.Format)
	stringEnv(getenv, "COUCHMIRROR_ADMIN_ADDR", &cfg.Admin.Addr)
	stringEnv(getenv, "COUCHMIRROR_ADMIN_TOKEN", &cfg.Admin.Token)

	cfg.Sync.HealthAttempts = intEnv(getenv, "COUCHMIRROR_HEALTH_ATTEMPTS", cfg.Sync.HealthAttempts, &warnings)
	cfg.Sync.WriteAttempts = intEnv(getenv, "COUCHMIRROR_WRITE_ATTEMPTS", cfg.Sync.WriteAttempts, &warnings)
	cfg.Sync.QueueSize = intEnv(getenv, "COUCHMIRROR_QUEUE_SIZE", cfg.Sync.QueueSize, &warnings)
	cfg.CouchDB.FeedRetryDelay = Duration(durationEnv(getenv, "COUCHMIRROR_FEED_RETRY_DELAY", cfg.CouchDB.FeedRetryDelay.Std(), &warnings))
	cfg.PostgreSQL.OperationTimeout = Duration(durationEnv(getenv, "COUCHMIRROR_POSTGRES_TIMEOUT", cfg.PostgreSQL.OperationTimeout.Std(), &warnings))
	return warnings
}

func stringEnv(getenv func(string) string, name string, target *string) {
	if value := strings.TrimSpace(getenv(name)); value != "" {
		*target = value
	}
}

func intEnv(getenv func(string) string, name string, fallback int, warnings *[]string) int {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func durationEnv(getenv func(string) string, name string, fallback time.Duration, warnings *[]string) time.Duration {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.String()))
		return fallback
	}
	return value
}
