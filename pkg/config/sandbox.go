package config

import (
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// SandboxConfig holds runtime configuration for the sandbox manager.
type SandboxConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	// DataDir is the root under which every project keeps its source and
	// build trees.
	DataDir string

	// MaxArchiveBytes bounds the total extracted size of one upload.
	MaxArchiveBytes int64

	// ProjectTTL is the fixed lifetime of a project from upload to reclaim.
	ProjectTTL    time.Duration
	SweepInterval time.Duration

	PortRangeStart int
	PortRangeSize  int

	InstallTimeout time.Duration
	BuildTimeout   time.Duration
	StopTimeout    time.Duration

	NpmBin string

	// PreviewPathPrefix is the public route segment the front door serves
	// project previews under.
	PreviewPathPrefix string

	// DatabaseURL enables the persistent project store when non-empty.
	DatabaseURL   string
	MigrationsDir string

	AdminToken string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// fileConfig mirrors the optional TOML config file. Env vars take precedence
// over file values, file values over built-in defaults.
type fileConfig struct {
	Environment       string `toml:"environment"`
	Addr              string `toml:"addr"`
	LogLevel          string `toml:"log_level"`
	DataDir           string `toml:"data_dir"`
	MaxArchiveMB      int64  `toml:"max_archive_mb"`
	ProjectTTL        string `toml:"project_ttl"`
	SweepInterval     string `toml:"sweep_interval"`
	PortRangeStart    int    `toml:"port_range_start"`
	PortRangeSize     int    `toml:"port_range_size"`
	InstallTimeout    string `toml:"install_timeout"`
	BuildTimeout      string `toml:"build_timeout"`
	NpmBin            string `toml:"npm_bin"`
	PreviewPathPrefix string `toml:"preview_path_prefix"`
	DatabaseURL       string `toml:"database_url"`
	MigrationsDir     string `toml:"migrations_dir"`
	AdminToken        string `toml:"admin_token"`
}

// LoadSandboxConfig constructs a SandboxConfig from the optional TOML file
// named by GLIMPSE_CONFIG and the environment.
func LoadSandboxConfig() SandboxConfig {
	file := loadFileConfig(GetString("GLIMPSE_CONFIG", ""))

	cfg := SandboxConfig{
		Environment:       GetString("APP_ENV", fallbackString(file.Environment, "development")),
		Addr:              GetString("SANDBOX_ADDR", fallbackString(file.Addr, ":4600")),
		LogLevel:          GetString("LOG_LEVEL", fallbackString(file.LogLevel, "info")),
		DataDir:           GetString("SANDBOX_DATA_DIR", fallbackString(file.DataDir, "/var/lib/glimpse/projects")),
		MaxArchiveBytes:   GetInt64("MAX_ARCHIVE_MB", fallbackInt64(file.MaxArchiveMB, 100)) * 1024 * 1024,
		ProjectTTL:        GetDuration("PROJECT_TTL", fallbackDuration(file.ProjectTTL, 24*time.Hour)),
		SweepInterval:     GetDuration("SWEEP_INTERVAL", fallbackDuration(file.SweepInterval, 5*time.Minute)),
		PortRangeStart:    GetInt("PORT_RANGE_START", fallbackInt(file.PortRangeStart, 42000)),
		PortRangeSize:     GetInt("PORT_RANGE_SIZE", fallbackInt(file.PortRangeSize, 200)),
		InstallTimeout:    GetDuration("INSTALL_TIMEOUT", fallbackDuration(file.InstallTimeout, 5*time.Minute)),
		BuildTimeout:      GetDuration("BUILD_TIMEOUT", fallbackDuration(file.BuildTimeout, 10*time.Minute)),
		StopTimeout:       GetDuration("STOP_TIMEOUT", 10*time.Second),
		NpmBin:            GetString("NPM_BIN", fallbackString(file.NpmBin, "npm")),
		PreviewPathPrefix: GetString("PREVIEW_PATH_PREFIX", fallbackString(file.PreviewPathPrefix, "/p")),
		DatabaseURL:       GetString("DATABASE_URL", file.DatabaseURL),
		MigrationsDir:     GetString("MIGRATIONS_DIR", fallbackString(file.MigrationsDir, "migrations")),
		AdminToken:        GetString("SANDBOX_ADMIN_TOKEN", file.AdminToken),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
	return cfg
}

func loadFileConfig(path string) fileConfig {
	var file fileConfig
	if path == "" {
		return file
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("config file %s not readable: %v", path, err)
		return file
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		log.Printf("config file %s invalid: %v", path, err)
		return fileConfig{}
	}
	return file
}

func fallbackString(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

func fallbackInt(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func fallbackInt64(value, def int64) int64 {
	if value > 0 {
		return value
	}
	return def
}

func fallbackDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid duration %q in config file: %v", value, err)
		return def
	}
	return parsed
}
