// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trivalaya/lotscraper/internal/lot"
)

// Remote storage providers.
const (
	ProviderS3  = "s3"
	ProviderGCS = "gcs"
)

// Config captures all scraper configuration knobs loaded via Viper.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sites    SitesConfig    `mapstructure:"sites"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Database DatabaseConfig `mapstructure:"database"`
	Output   OutputConfig   `mapstructure:"output"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HTTPConfig controls outbound requests.
type HTTPConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`

	// Retries applies to 429/502/503/504 responses and transport failures.
	Retries      int           `mapstructure:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// HeadlessConfig configures the chromedp fetcher used by headless descriptors.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ExecPath    string        `mapstructure:"exec_path"`
	// BlockResources skips image, media and font downloads while rendering.
	BlockResources bool `mapstructure:"block_resources"`
}

// StorageConfig selects destinations for images and page snapshots.
type StorageConfig struct {
	ImageMode    lot.Mode  `mapstructure:"image_mode"`
	SnapshotMode lot.Mode  `mapstructure:"snapshot_mode"`
	Provider     string    `mapstructure:"provider"`
	LocalRoot    string    `mapstructure:"local_root"`
	S3           S3Config  `mapstructure:"s3"`
	GCS          GCSConfig `mapstructure:"gcs"`
}

// RemoteEnabled reports whether any mode needs the remote storage client.
func (s StorageConfig) RemoteEnabled() bool {
	return s.ImageMode.Remote() || s.SnapshotMode.Remote()
}

// LocalEnabled reports whether any mode writes to the local filesystem.
func (s StorageConfig) LocalEnabled() bool {
	return s.ImageMode.Local() || s.SnapshotMode.Local()
}

// S3Config points at an S3-compatible bucket such as DigitalOcean Spaces.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

// GCSConfig points at a Cloud Storage bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// SitesConfig locates the site descriptor file.
type SitesConfig struct {
	Path string `mapstructure:"path"`
}

// ScrapeConfig governs the lot runner.
type ScrapeConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	NotFoundLimit int           `mapstructure:"not_found_limit"`
	DefaultDelay  time.Duration `mapstructure:"default_delay"`
	// DryRun extracts lots without storing images, snapshots or records.
	DryRun bool `mapstructure:"dry_run"`
}

// DatabaseConfig controls the Postgres record store.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OutputConfig configures the JSON-lines record store used without a database.
type OutputConfig struct {
	JSONL string `mapstructure:"jsonl"`
}

// PubSubConfig holds metadata for lot notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig enables the Prometheus listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// envAliases are the unprefixed variable names deployments already export.
var envAliases = map[string][]string{
	"storage.image_mode":    {"IMAGE_STORAGE_MODE"},
	"storage.snapshot_mode": {"PAGE_SNAPSHOT_MODE"},
	"storage.s3.bucket":     {"SPACES_BUCKET"},
	"storage.s3.region":     {"SPACES_REGION"},
	"storage.s3.endpoint":   {"SPACES_ENDPOINT"},
	"storage.s3.prefix":     {"SPACES_PREFIX"},
	"storage.s3.access_key": {"SPACES_KEY"},
	"storage.s3.secret_key": {"SPACES_SECRET"},
	"database.dsn":          {"DATABASE_URL"},
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOTSCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.user_agent", "TrivalayaScraper/1.0")
	v.SetDefault("http.timeout", 20*time.Second)
	v.SetDefault("http.max_body_size", 32<<20)
	v.SetDefault("http.retries", 2)
	v.SetDefault("http.retry_backoff", 2*time.Second)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 3*time.Second)
	v.SetDefault("headless.block_resources", true)
	v.SetDefault("storage.image_mode", string(lot.ModeLocal))
	v.SetDefault("storage.snapshot_mode", string(lot.ModeNone))
	v.SetDefault("storage.provider", ProviderS3)
	v.SetDefault("storage.local_root", "trivalaya_data/01_raw")
	v.SetDefault("storage.s3.region", "sfo3")
	v.SetDefault("storage.s3.endpoint", "https://sfo3.digitaloceanspaces.com")
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("sites.path", "sites.yaml")
	v.SetDefault("scrape.concurrency", 1)
	v.SetDefault("scrape.not_found_limit", 20)
	v.SetDefault("scrape.default_delay", time.Second)
	v.SetDefault("scrape.dry_run", false)
	v.SetDefault("database.table", "auction_data")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("logging.development", true)

	// Keys without a meaningful default still need registering so AutomaticEnv reaches them on Unmarshal.
	for _, key := range []string{
		"headless.exec_path",
		"storage.gcs.bucket",
		"storage.gcs.prefix",
		"output.jsonl",
		"pubsub.project_id",
		"pubsub.topic",
		"metrics.addr",
	} {
		v.SetDefault(key, "")
	}
}

func bindAliases(v *viper.Viper) error {
	for key, aliases := range envAliases {
		prefixed := "LOTSCRAPER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, aliases...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// normalize maps the environment spellings of the mode switches onto lot.Mode values.
func (c *Config) normalize() error {
	image, err := lot.ParseMode(string(c.Storage.ImageMode))
	if err != nil {
		return fmt.Errorf("storage.image_mode: %w", err)
	}
	snapshot, err := lot.ParseMode(string(c.Storage.SnapshotMode))
	if err != nil {
		return fmt.Errorf("storage.snapshot_mode: %w", err)
	}
	c.Storage.ImageMode, c.Storage.SnapshotMode = image, snapshot
	c.Storage.Provider = strings.ToLower(strings.TrimSpace(c.Storage.Provider))
	if c.Scrape.DryRun {
		c.EnableDryRun()
	}
	return nil
}

// EnableDryRun turns off every write: image and snapshot storage and notifications.
func (c *Config) EnableDryRun() {
	c.Scrape.DryRun = true
	c.Storage.ImageMode = lot.ModeNone
	c.Storage.SnapshotMode = lot.ModeNone
	c.PubSub.Topic = ""
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.Retries < 0 {
		errs = append(errs, errors.New("http.retries must not be negative"))
	}
	if c.Scrape.Concurrency <= 0 {
		errs = append(errs, errors.New("scrape.concurrency must be > 0"))
	}
	if c.Scrape.NotFoundLimit < 0 {
		errs = append(errs, errors.New("scrape.not_found_limit must be >= 0"))
	}
	if c.Scrape.DefaultDelay < 0 {
		errs = append(errs, errors.New("scrape.default_delay must be >= 0"))
	}
	if strings.TrimSpace(c.Sites.Path) == "" {
		errs = append(errs, errors.New("sites.path is required"))
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Storage.LocalEnabled() && strings.TrimSpace(c.Storage.LocalRoot) == "" {
		errs = append(errs, errors.New("storage.local_root is required for local modes"))
	}
	if c.Storage.RemoteEnabled() {
		switch c.Storage.Provider {
		case ProviderS3:
			if c.Storage.S3.Bucket == "" {
				errs = append(errs, errors.New("storage.s3.bucket (SPACES_BUCKET) is required for remote modes"))
			}
		case ProviderGCS:
			if c.Storage.GCS.Bucket == "" {
				errs = append(errs, errors.New("storage.gcs.bucket is required for remote modes"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.provider %q is not one of s3, gcs", c.Storage.Provider))
		}
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic is set"))
	}
	return errors.Join(errs...)
}
