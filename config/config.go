package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	AppName     = "appraiser"
	EnvFileName = "config.env"
)

// Config is the service configuration, read once at startup.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Model backend. A project selects Vertex AI, otherwise GeminiAPIKey is used.
	GoogleCloudProject  string `mapstructure:"google_cloud_project"`
	GoogleCloudLocation string `mapstructure:"google_cloud_location"`
	GeminiAPIKey        string `mapstructure:"gemini_api_key"`
	GeminiModel         string `mapstructure:"gemini_model"`

	StorageBackend string `mapstructure:"storage_backend"` // gcs or s3
	StorageBucket  string `mapstructure:"storage_bucket"`
	StoragePrefix  string `mapstructure:"storage_prefix"`

	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3Region          string `mapstructure:"s3_region"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3UsePathStyle    bool   `mapstructure:"s3_use_path_style"`

	// Comma-separated hosts whose http(s) image URLs the server downloads
	// itself. Empty disables server-side downloads.
	ImageURLHosts string `mapstructure:"image_url_hosts"`

	ValuationCurrency string `mapstructure:"valuation_currency"`
	SearchEnabled     bool   `mapstructure:"search_enabled"`
	PromptDir         string `mapstructure:"prompt_dir"`
	IndexHTMLPath     string `mapstructure:"index_html_path"`

	ModelTimeout   time.Duration `mapstructure:"model_timeout"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`

	CacheDBPath        string        `mapstructure:"cache_db_path"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CachePruneInterval time.Duration `mapstructure:"cache_prune_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UseVertexAI reports whether the Vertex AI backend is configured.
func (c *Config) UseVertexAI() bool {
	return c.GoogleCloudProject != ""
}

// AllowedImageHosts returns the parsed IMAGE_URL_HOSTS list.
func (c *Config) AllowedImageHosts() []string {
	var hosts []string
	for _, h := range strings.Split(c.ImageURLHosts, ",") {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// CheckRequired returns the names of missing required variables.
func (c *Config) CheckRequired() []string {
	var missing []string
	if c.GoogleCloudProject == "" && c.GeminiAPIKey == "" {
		missing = append(missing, "GOOGLE_CLOUD_PROJECT or GEMINI_API_KEY")
	}
	return missing
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)

	v.SetDefault("google_cloud_project", "")
	v.SetDefault("google_cloud_location", "us-central1")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "gemini-2.5-flash")

	v.SetDefault("storage_backend", "gcs")
	v.SetDefault("storage_bucket", "")
	v.SetDefault("storage_prefix", "uploads/")

	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_access_key_id", "")
	v.SetDefault("s3_secret_access_key", "")
	v.SetDefault("s3_use_path_style", false)

	v.SetDefault("image_url_hosts", "")

	v.SetDefault("valuation_currency", "USD")
	v.SetDefault("search_enabled", false)
	v.SetDefault("prompt_dir", "")
	v.SetDefault("index_html_path", "")

	v.SetDefault("model_timeout", 60*time.Second)
	v.SetDefault("upload_timeout", 30*time.Second)
	v.SetDefault("fetch_timeout", 30*time.Second)
	v.SetDefault("max_upload_bytes", 20<<20)

	v.SetDefault("cache_db_path", "appraiser.db")
	v.SetDefault("cache_ttl", 24*time.Hour)
	v.SetDefault("cache_prune_interval", time.Hour)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	switch c.StorageBackend {
	case "gcs", "s3":
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q (want gcs or s3)", c.StorageBackend)
	}
	c.ValuationCurrency = strings.ToUpper(strings.TrimSpace(c.ValuationCurrency))
	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", c.Port)
	}

	return &c, nil
}

// LoadEnvFile loads environment variables from ./.env and from the config file
// in the user's config directory. Variables already set are kept. Errors are
// ignored since the files may not exist.
func LoadEnvFile() {
	_ = godotenv.Load()

	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}
