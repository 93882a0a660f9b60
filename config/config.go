package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Klineflow KlineflowConfig `yaml:"klineflow"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Paths     PathsConfig     `yaml:"paths"`
	Reader    ReaderConfig    `yaml:"reader"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Processor ProcessorConfig `yaml:"processor"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

type KlineflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DatasetConfig selects the archive series to retrieve.
type DatasetConfig struct {
	Symbol    string `yaml:"symbol"`
	Interval  string `yaml:"interval"`
	DataType  string `yaml:"data_type"`
	Frequency string `yaml:"frequency"`
	Years     []int  `yaml:"years"`
	Months    []int  `yaml:"months"`
	Days      []int  `yaml:"days"`
}

type PathsConfig struct {
	BaseDir string `yaml:"base_dir"`
}

type ReaderConfig struct {
	BaseURL           string               `yaml:"base_url"`
	Timeout           time.Duration        `yaml:"timeout"`
	ProbeTimeout      time.Duration        `yaml:"probe_timeout"`
	ProbeWorkers      int                  `yaml:"probe_workers"`
	DownloadWorkers   int                  `yaml:"download_workers"`
	MaxRetries        int                  `yaml:"max_retries"`
	BackoffBase       time.Duration        `yaml:"backoff_base"`
	MinArchiveBytes   int64                `yaml:"min_archive_bytes"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	UserAgent         string               `yaml:"user_agent"`
	LocalIP           string               `yaml:"local_ip"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type EstimatorConfig struct {
	SmartYearDetection bool     `yaml:"smart_year_detection"`
	KnownEarlySymbols  []string `yaml:"known_early_symbols"`
	KnownEarlyYear     int      `yaml:"known_early_year"`
	FloorYear          int      `yaml:"floor_year"`
	CacheFile          string   `yaml:"cache_file"`
	UseExchangeAPI     bool     `yaml:"use_exchange_api"`
}

type ProcessorConfig struct {
	Compression  string `yaml:"compression"`
	SkipExisting bool   `yaml:"skip_existing"`
	Parallelism  int64  `yaml:"parallelism"`
}

type RetentionConfig struct {
	Raw           string  `yaml:"raw"`
	Normalized    string  `yaml:"normalized"`
	MinFreeDiskGB float64 `yaml:"min_free_disk_gb"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

const (
	RetentionKeep   = "keep"
	RetentionDelete = "delete"
	RetentionAuto   = "auto"
)

// Default returns a configuration populated with the values used when a
// key is absent from the YAML file.
func Default() Config {
	return Config{
		Klineflow: KlineflowConfig{Name: "klineflow", Version: "dev"},
		Dataset: DatasetConfig{
			Interval:  "1m",
			DataType:  "spot",
			Frequency: "monthly",
		},
		Paths: PathsConfig{BaseDir: "data"},
		Reader: ReaderConfig{
			BaseURL:           "https://data.binance.vision",
			Timeout:           30 * time.Second,
			ProbeTimeout:      5 * time.Second,
			ProbeWorkers:      10,
			DownloadWorkers:   5,
			MaxRetries:        3,
			BackoffBase:       time.Second,
			MinArchiveBytes:   1024,
			RequestsPerSecond: 20,
			Burst:             10,
			UserAgent:         "klineflow/1.0",
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    20,
				MaxConnsPerHost: 20,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Estimator: EstimatorConfig{
			SmartYearDetection: true,
			KnownEarlySymbols:  []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "XRPUSDT"},
			KnownEarlyYear:     2020,
			FloorYear:          2017,
			CacheFile:          "symbol_start_years.yml",
		},
		Processor: ProcessorConfig{Compression: "snappy", SkipExisting: true, Parallelism: 4},
		Retention: RetentionConfig{
			Raw:           RetentionKeep,
			Normalized:    RetentionKeep,
			MinFreeDiskGB: 5,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "KlineFlow"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("KLINEFLOW_BASE_URL"); v != "" {
		config.Reader.BaseURL = strings.TrimSpace(v)
	}
	config.Reader.BaseURL = strings.TrimRight(config.Reader.BaseURL, "/")

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Dataset.Symbol = strings.ToUpper(strings.TrimSpace(config.Dataset.Symbol))
}

// Validate re-checks a configuration after command line overrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(cfg *Config) error {
	if cfg.Klineflow.Name == "" {
		return fmt.Errorf("klineflow.name is required")
	}

	switch cfg.Dataset.DataType {
	case "spot", "futures/um", "futures/cm":
	default:
		return fmt.Errorf("dataset.data_type '%s' is invalid", cfg.Dataset.DataType)
	}
	switch cfg.Dataset.Frequency {
	case "monthly", "daily":
	default:
		return fmt.Errorf("dataset.frequency '%s' is invalid", cfg.Dataset.Frequency)
	}
	for _, m := range cfg.Dataset.Months {
		if m < 1 || m > 12 {
			return fmt.Errorf("dataset.months contains invalid month %d", m)
		}
	}
	for _, d := range cfg.Dataset.Days {
		if d < 1 || d > 31 {
			return fmt.Errorf("dataset.days contains invalid day %d", d)
		}
	}

	if cfg.Reader.BaseURL == "" {
		return fmt.Errorf("reader.base_url is required")
	}
	if cfg.Reader.ProbeWorkers <= 0 {
		return fmt.Errorf("reader.probe_workers must be greater than 0")
	}
	if cfg.Reader.DownloadWorkers <= 0 {
		return fmt.Errorf("reader.download_workers must be greater than 0")
	}
	if cfg.Reader.MaxRetries <= 0 {
		return fmt.Errorf("reader.max_retries must be greater than 0")
	}
	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.MinArchiveBytes < 0 {
		return fmt.Errorf("reader.min_archive_bytes must not be negative")
	}

	if cfg.Estimator.FloorYear <= 0 {
		return fmt.Errorf("estimator.floor_year must be greater than 0")
	}

	switch cfg.Retention.Raw {
	case RetentionKeep, RetentionDelete, RetentionAuto:
	default:
		return fmt.Errorf("retention.raw '%s' is invalid", cfg.Retention.Raw)
	}
	switch cfg.Retention.Normalized {
	case RetentionKeep, RetentionDelete:
	default:
		return fmt.Errorf("retention.normalized '%s' is invalid", cfg.Retention.Normalized)
	}

	switch cfg.Processor.Compression {
	case "snappy", "gzip", "zstd", "none", "":
	default:
		return fmt.Errorf("processor.compression '%s' is invalid", cfg.Processor.Compression)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
