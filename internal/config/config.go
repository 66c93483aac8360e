package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration, loaded from environment
// variables with the IMV_ prefix.
type Config struct {
	Server   ServerConfig
	Models   ModelsConfig
	Limits   LimitsConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Drive    DriveConfig
	Auth     AuthConfig
	CORS     CORSConfig
	Log      LogConfig
	Web      WebConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxUploadSizeMB int64
}

// MaxUploadBytes returns the multipart memory bound in bytes.
func (s ServerConfig) MaxUploadBytes() int64 {
	return s.MaxUploadSizeMB << 20
}

// ModelsConfig locates the on-disk inference artifacts.
type ModelsConfig struct {
	Dir            string
	ExtractorFile  string
	ClassifierFile string
	MetadataFile   string
	Threshold      float64
	RuntimeLibPath string
}

// LimitsConfig bounds batch-style endpoints.
type LimitsConfig struct {
	MaxBatchSize  int
	MaxZipEntries int
}

// CacheConfig holds Redis settings. An empty Addr disables the score cache.
type CacheConfig struct {
	Addr     string
	ScoreTTL time.Duration
}

// DatabaseConfig holds Postgres settings. An empty DSN disables history.
type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// DriveConfig holds Google Drive fetch settings. The API key is optional;
// without it only publicly shared files are reachable.
type DriveConfig struct {
	APIKey  string
	Timeout time.Duration
}

// AuthConfig holds JWT settings for the history endpoints.
type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

// CORSConfig holds the origin allowlist. "*" allows any origin.
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// WebConfig locates the embedded front end.
type WebConfig struct {
	Dir string
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_upload_size_mb", 20)

	v.SetDefault("models.dir", "./models")
	v.SetDefault("models.extractor_file", "extractor.onnx")
	v.SetDefault("models.classifier_file", "classifier.onnx")
	v.SetDefault("models.metadata_file", "metadata.json")
	v.SetDefault("models.threshold", 0.5)
	v.SetDefault("models.runtime_lib_path", "")

	v.SetDefault("limits.max_batch_size", 10)
	v.SetDefault("limits.max_zip_entries", 100)

	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.score_ttl", "24h")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("drive.api_key", "")
	v.SetDefault("drive.timeout", "30s")

	v.SetDefault("auth.jwt_secret", "dev-secret")
	v.SetDefault("auth.jwt_audience", "")

	v.SetDefault("cors.allowed_origins", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("web.dir", "./web")

	bindings := map[string]string{
		"server.addr":               "IMV_SERVER_ADDR",
		"server.read_timeout":       "IMV_SERVER_READ_TIMEOUT",
		"server.write_timeout":      "IMV_SERVER_WRITE_TIMEOUT",
		"server.shutdown_timeout":   "IMV_SERVER_SHUTDOWN_TIMEOUT",
		"server.max_upload_size_mb": "IMV_SERVER_MAX_UPLOAD_SIZE_MB",
		"models.dir":                "IMV_MODELS_DIR",
		"models.extractor_file":     "IMV_MODELS_EXTRACTOR_FILE",
		"models.classifier_file":    "IMV_MODELS_CLASSIFIER_FILE",
		"models.metadata_file":      "IMV_MODELS_METADATA_FILE",
		"models.threshold":          "IMV_MODELS_THRESHOLD",
		"models.runtime_lib_path":   "IMV_MODELS_RUNTIME_LIB_PATH",
		"limits.max_batch_size":     "IMV_LIMITS_MAX_BATCH_SIZE",
		"limits.max_zip_entries":    "IMV_LIMITS_MAX_ZIP_ENTRIES",
		"cache.addr":                "IMV_CACHE_ADDR",
		"cache.score_ttl":           "IMV_CACHE_SCORE_TTL",
		"database.dsn":              "IMV_DATABASE_DSN",
		"database.max_open_conns":   "IMV_DATABASE_MAX_OPEN_CONNS",
		"database.max_idle_conns":   "IMV_DATABASE_MAX_IDLE_CONNS",
		"drive.api_key":             "IMV_DRIVE_API_KEY",
		"drive.timeout":             "IMV_DRIVE_TIMEOUT",
		"auth.jwt_secret":           "IMV_AUTH_JWT_SECRET",
		"auth.jwt_audience":         "IMV_AUTH_JWT_AUDIENCE",
		"cors.allowed_origins":      "IMV_CORS_ALLOWED_ORIGINS",
		"log.level":                 "IMV_LOG_LEVEL",
		"log.format":                "IMV_LOG_FORMAT",
		"web.dir":                   "IMV_WEB_DIR",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Railway/Heroku/Render set a PORT env var. Use it unless the address
	// was set explicitly.
	addr := v.GetString("server.addr")
	if port := os.Getenv("PORT"); port != "" && os.Getenv("IMV_SERVER_ADDR") == "" {
		addr = ":" + port
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            addr,
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			MaxUploadSizeMB: v.GetInt64("server.max_upload_size_mb"),
		},
		Models: ModelsConfig{
			Dir:            v.GetString("models.dir"),
			ExtractorFile:  v.GetString("models.extractor_file"),
			ClassifierFile: v.GetString("models.classifier_file"),
			MetadataFile:   v.GetString("models.metadata_file"),
			Threshold:      v.GetFloat64("models.threshold"),
			RuntimeLibPath: v.GetString("models.runtime_lib_path"),
		},
		Limits: LimitsConfig{
			MaxBatchSize:  v.GetInt("limits.max_batch_size"),
			MaxZipEntries: v.GetInt("limits.max_zip_entries"),
		},
		Cache: CacheConfig{
			Addr:     v.GetString("cache.addr"),
			ScoreTTL: v.GetDuration("cache.score_ttl"),
		},
		Database: DatabaseConfig{
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
		},
		Drive: DriveConfig{
			APIKey:  v.GetString("drive.api_key"),
			Timeout: v.GetDuration("drive.timeout"),
		},
		Auth: AuthConfig{
			JWTSecret:   v.GetString("auth.jwt_secret"),
			JWTAudience: v.GetString("auth.jwt_audience"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitOrigins(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Web: WebConfig{
			Dir: v.GetString("web.dir"),
		},
	}

	return cfg, nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
