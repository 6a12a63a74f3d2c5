package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Connector names accepted by PAIRGATE_CONNECTOR.
const (
	ConnectorLoopback     = "loopback"
	ConnectorLoopbackPoll = "loopback-poll"
)

// Config contains all runtime configuration.
//
// Sources, lowest precedence first: built-in defaults, the TOML file named by
// PAIRGATE_CONFIG, then PAIRGATE_* environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	SessionsDir string
	ArchiveDir  string
	StaticDir   string

	CountryCode     string
	CodeTTL         time.Duration
	OpenTimeout     time.Duration
	MetadataTimeout time.Duration

	Connector    string
	PollInterval time.Duration
	DevEndpoints bool
	// DevAllowPublic permits dev endpoints on a non-loopback listener.
	DevAllowPublic bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// fileConfig is the pairgate.toml key mapping.
type fileConfig struct {
	HTTPAddr        string   `toml:"http_addr"`
	LogLevel        string   `toml:"log_level"`
	LogFormat       string   `toml:"log_format"`
	SessionsDir     string   `toml:"sessions_dir"`
	ArchiveDir      string   `toml:"archive_dir"`
	StaticDir       string   `toml:"static_dir"`
	CountryCode     string   `toml:"country_code"`
	CodeTTL         string   `toml:"code_ttl"`
	OpenTimeout     string   `toml:"open_timeout"`
	MetadataTimeout string   `toml:"metadata_timeout"`
	Connector       string   `toml:"connector"`
	PollInterval    string   `toml:"poll_interval"`
	DevEndpoints    bool     `toml:"dev_endpoints"`
	CORSOrigins     []string `toml:"cors_allowed_origins"`
	DatabaseURL     string   `toml:"database_url"`
	DBSchema        string   `toml:"db_schema"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:10000",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		SessionsDir: "sessions",
		ArchiveDir:  "zips",
		StaticDir:   "public",

		CountryCode:     "258",
		CodeTTL:         60 * time.Second,
		OpenTimeout:     30 * time.Second,
		MetadataTimeout: 10 * time.Second,

		Connector:    ConnectorLoopback,
		PollInterval: time.Second,

		CORSAllowedOrigins: []string{"*"},
		CORSMaxAgeSeconds:  600,

		DBSchema:   "pairgate",
		DBMaxConns: 10,
	}
}

// LoadConfig loads Config from defaults, the optional TOML file and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("PAIRGATE_CONFIG", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTPAddr = EnvString("PAIRGATE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("PAIRGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("PAIRGATE_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("PAIRGATE_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("PAIRGATE_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("PAIRGATE_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("PAIRGATE_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("PAIRGATE_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.SessionsDir = EnvString("PAIRGATE_SESSIONS_DIR", cfg.SessionsDir)
	cfg.ArchiveDir = EnvString("PAIRGATE_ARCHIVE_DIR", cfg.ArchiveDir)
	cfg.StaticDir = EnvString("PAIRGATE_STATIC_DIR", cfg.StaticDir)

	cfg.CountryCode = EnvString("PAIRGATE_COUNTRY_CODE", cfg.CountryCode)
	cfg.CodeTTL = EnvDuration("PAIRGATE_CODE_TTL", cfg.CodeTTL)
	cfg.OpenTimeout = EnvDuration("PAIRGATE_OPEN_TIMEOUT", cfg.OpenTimeout)
	cfg.MetadataTimeout = EnvDuration("PAIRGATE_METADATA_TIMEOUT", cfg.MetadataTimeout)

	cfg.Connector = EnvString("PAIRGATE_CONNECTOR", cfg.Connector)
	cfg.PollInterval = EnvDuration("PAIRGATE_POLL_INTERVAL", cfg.PollInterval)
	cfg.DevEndpoints = EnvBool("PAIRGATE_DEV_ENDPOINTS", cfg.DevEndpoints)
	cfg.DevAllowPublic = EnvBool("PAIRGATE_DEV_ALLOW_PUBLIC", cfg.DevAllowPublic)

	cfg.CORSAllowedOrigins = EnvCSV("PAIRGATE_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("PAIRGATE_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("PAIRGATE_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.DatabaseURL = EnvString("PAIRGATE_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("PAIRGATE_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("PAIRGATE_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("PAIRGATE_DB_MIN_CONNS", cfg.DBMinConns)

	cfg.ReadinessRequireDB = EnvBool("PAIRGATE_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	return cfg, nil
}

// loadConfigFile overlays the keys present in the TOML file onto cfg.
func loadConfigFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	str := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key, v string, dst *time.Duration) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("load config %s: %s: %w", path, key, err)
		}
		*dst = d
		return nil
	}

	str("http_addr", raw.HTTPAddr, &cfg.HTTPAddr)
	str("log_level", raw.LogLevel, &cfg.LogLevel)
	str("log_format", raw.LogFormat, &cfg.LogFormat)
	str("sessions_dir", raw.SessionsDir, &cfg.SessionsDir)
	str("archive_dir", raw.ArchiveDir, &cfg.ArchiveDir)
	str("static_dir", raw.StaticDir, &cfg.StaticDir)
	str("country_code", raw.CountryCode, &cfg.CountryCode)
	str("connector", raw.Connector, &cfg.Connector)
	str("database_url", raw.DatabaseURL, &cfg.DatabaseURL)
	str("db_schema", raw.DBSchema, &cfg.DBSchema)

	for key, pair := range map[string]struct {
		v   string
		dst *time.Duration
	}{
		"code_ttl":         {raw.CodeTTL, &cfg.CodeTTL},
		"open_timeout":     {raw.OpenTimeout, &cfg.OpenTimeout},
		"metadata_timeout": {raw.MetadataTimeout, &cfg.MetadataTimeout},
		"poll_interval":    {raw.PollInterval, &cfg.PollInterval},
	} {
		if err := dur(key, pair.v, pair.dst); err != nil {
			return err
		}
	}

	if meta.IsDefined("dev_endpoints") {
		cfg.DevEndpoints = raw.DevEndpoints
	}
	if meta.IsDefined("cors_allowed_origins") {
		cfg.CORSAllowedOrigins = raw.CORSOrigins
	}
	return nil
}

// ValidateConfig rejects configurations the server cannot run with.
func ValidateConfig(cfg Config) error {
	var errs []error

	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		errs = append(errs, errors.New("config: http addr is required"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q (json|pretty)", cfg.LogFormat))
	}
	if strings.TrimSpace(cfg.SessionsDir) == "" {
		errs = append(errs, errors.New("config: sessions dir is required"))
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		errs = append(errs, errors.New("config: archive dir is required"))
	}
	for _, r := range cfg.CountryCode {
		if r < '0' || r > '9' {
			errs = append(errs, fmt.Errorf("config: country code %q must be digits", cfg.CountryCode))
			break
		}
	}
	if strings.HasPrefix(cfg.CountryCode, "0") {
		errs = append(errs, fmt.Errorf("config: country code %q must not start with 0", cfg.CountryCode))
	}
	if cfg.CodeTTL <= 0 {
		errs = append(errs, errors.New("config: code ttl must be positive"))
	}
	switch cfg.Connector {
	case ConnectorLoopback, ConnectorLoopbackPoll:
	default:
		errs = append(errs, fmt.Errorf("config: unknown connector %q", cfg.Connector))
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		errs = append(errs, fmt.Errorf("config: db min conns %d exceeds max %d", cfg.DBMinConns, cfg.DBMaxConns))
	}
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				errs = append(errs, errors.New("config: CORS credentials cannot be combined with origin *"))
				break
			}
		}
	}

	return errors.Join(errs...)
}
