package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/philpoore/contentstack-express/internal/content"
)

const (
	envPrefix            = "CONTENTSYNC"
	defaultLogLevel      = "info"
	defaultOriginHost    = "https://api.contentstack.io"
	defaultOriginVersion = "v3"
	defaultMaxRetries    = 5
	defaultRetryUnit     = 100 * time.Millisecond
	defaultStorageDSN    = "file://_contents"
	defaultQueueCapacity = 1024
	defaultAssetsDir     = "_contents"
	defaultServerName    = "contentsync"

	SinkLocal = "local"
	SinkMinio = "minio"
)

type OriginConfig struct {
	Host        string
	Version     string
	APIKey      string
	AccessToken string
	Environment string
	MaxRetries  int
	RetryUnit   time.Duration
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// AppConfig captures runtime configuration for the sync worker and its tools.
type AppConfig struct {
	LogLevel      string
	Origin        OriginConfig
	StorageDSN    string
	QueueDSN      string
	QueueCapacity int
	Assets        content.AssetsConfig
	AssetSink     string
	AssetsDir     string
	Minio         MinioConfig
	Languages     []content.Locale
	Indexes       map[string][]string
	ServerName    string
	CacheWatch    bool
}

// LoadDotEnv exports the variables of the given .env files (".env" when none) into the
// process environment. Missing files are skipped and set variables are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("origin.host", defaultOriginHost)
	configViper.SetDefault("origin.version", defaultOriginVersion)
	configViper.SetDefault("origin.max_retries", defaultMaxRetries)
	configViper.SetDefault("origin.retry_unit", defaultRetryUnit)
	configViper.SetDefault("storage.dsn", defaultStorageDSN)
	configViper.SetDefault("queue.dsn", "")
	configViper.SetDefault("queue.capacity", defaultQueueCapacity)
	defaults := content.DefaultAssetsConfig()
	configViper.SetDefault("assets.download", defaults.Download)
	configViper.SetDefault("assets.keys", defaults.Keys)
	configViper.SetDefault("assets.relative_url_prefix", defaults.RelativeURLPrefix)
	configViper.SetDefault("assets.sink", SinkLocal)
	configViper.SetDefault("assets.dir", defaultAssetsDir)
	configViper.SetDefault("minio.secure", true)
	configViper.SetDefault("languages", []map[string]any{{"code": "en-us", "relative_url_prefix": "/"}})
	configViper.SetDefault("server.name", defaultServerName)
	configViper.SetDefault("cache.watch", false)

	// Keys without defaults still need explicit binding to be read from the environment.
	for _, key := range []string{
		"origin.api_key", "origin.access_token", "origin.environment",
		"minio.endpoint", "minio.access_key", "minio.secret_key", "minio.bucket",
	} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	languages, err := languages(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		LogLevel: configViper.GetString("log.level"),
		Origin: OriginConfig{
			Host:        configViper.GetString("origin.host"),
			Version:     configViper.GetString("origin.version"),
			APIKey:      configViper.GetString("origin.api_key"),
			AccessToken: configViper.GetString("origin.access_token"),
			Environment: configViper.GetString("origin.environment"),
			MaxRetries:  configViper.GetInt("origin.max_retries"),
			RetryUnit:   configViper.GetDuration("origin.retry_unit"),
		},
		StorageDSN:    configViper.GetString("storage.dsn"),
		QueueDSN:      configViper.GetString("queue.dsn"),
		QueueCapacity: configViper.GetInt("queue.capacity"),
		Assets: content.AssetsConfig{
			Download:          configViper.GetBool("assets.download"),
			Keys:              configViper.GetStringSlice("assets.keys"),
			RelativeURLPrefix: configViper.GetString("assets.relative_url_prefix"),
		},
		AssetSink: strings.ToLower(strings.TrimSpace(configViper.GetString("assets.sink"))),
		AssetsDir: configViper.GetString("assets.dir"),
		Minio: MinioConfig{
			Endpoint:  configViper.GetString("minio.endpoint"),
			AccessKey: configViper.GetString("minio.access_key"),
			SecretKey: configViper.GetString("minio.secret_key"),
			Bucket:    configViper.GetString("minio.bucket"),
			Secure:    configViper.GetBool("minio.secure"),
		},
		Languages:  languages,
		Indexes:    configViper.GetStringMapStringSlice("indexes"),
		ServerName: configViper.GetString("server.name"),
		CacheWatch: configViper.GetBool("cache.watch"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// languages reads the locale list. From the environment it is a comma separated list of
// codes; the first is served at the root and the rest under /<code>/.
func languages(configViper *viper.Viper) ([]content.Locale, error) {
	if raw, ok := configViper.Get("languages").(string); ok {
		var out []content.Locale
		for _, code := range strings.Split(raw, ",") {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			prefix := "/"
			if len(out) > 0 {
				prefix = "/" + code + "/"
			}
			out = append(out, content.Locale{Code: code, RelativeURLPrefix: prefix})
		}
		return out, nil
	}
	var out []content.Locale
	if err := configViper.UnmarshalKey("languages", &out); err != nil {
		return nil, fmt.Errorf("languages: %w", err)
	}
	for i := range out {
		if out[i].RelativeURLPrefix == "" {
			out[i].RelativeURLPrefix = "/"
		}
	}
	return out, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StorageDSN) == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("languages must list at least one locale")
	}
	seen := make(map[string]struct{}, len(c.Languages))
	for _, locale := range c.Languages {
		if strings.TrimSpace(locale.Code) == "" {
			return fmt.Errorf("languages: locale code is required")
		}
		if _, dup := seen[locale.Code]; dup {
			return fmt.Errorf("languages: duplicate locale %s", locale.Code)
		}
		seen[locale.Code] = struct{}{}
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue.capacity must not be negative")
	}
	if len(c.Assets.Keys) == 0 {
		return fmt.Errorf("assets.keys must name at least one asset field")
	}
	switch c.AssetSink {
	case SinkLocal:
	case SinkMinio:
		if strings.TrimSpace(c.Minio.Endpoint) == "" || strings.TrimSpace(c.Minio.Bucket) == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required when assets.sink is minio")
		}
	default:
		return fmt.Errorf("unsupported assets.sink: %s", c.AssetSink)
	}
	return nil
}

// ValidateOrigin checks the credentials needed to talk to the origin API.
func (c AppConfig) ValidateOrigin() error {
	if strings.TrimSpace(c.Origin.APIKey) == "" {
		return fmt.Errorf("origin.api_key is required")
	}
	if strings.TrimSpace(c.Origin.AccessToken) == "" {
		return fmt.Errorf("origin.access_token is required")
	}
	if strings.TrimSpace(c.Origin.Environment) == "" {
		return fmt.Errorf("origin.environment is required")
	}
	return nil
}

// Locale returns the configured locale with code.
func (c AppConfig) Locale(code string) (content.Locale, bool) {
	for _, locale := range c.Languages {
		if locale.Code == code {
			return locale, true
		}
	}
	return content.Locale{}, false
}

// LocaleCodes lists the configured locale codes in order.
func (c AppConfig) LocaleCodes() []string {
	out := make([]string, 0, len(c.Languages))
	for _, locale := range c.Languages {
		out = append(out, locale.Code)
	}
	return out
}
