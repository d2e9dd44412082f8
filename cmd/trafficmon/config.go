package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tinytelemetry/trafficmon/internal/model"
	"github.com/tinytelemetry/trafficmon/internal/poller"
	"github.com/tinytelemetry/trafficmon/internal/publish"
	"github.com/tinytelemetry/trafficmon/internal/schedule"
	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir          = "./data"
	defaultTimezone         = "Asia/Shanghai"
	defaultSampleInterval   = schedule.DefaultSampleInterval
	defaultPollCron         = "*/10 * * * *"
	defaultPublishCron      = "* * * * *"
	defaultTaskTimeout      = 10 * time.Second
	defaultRequestTimeout   = 5 * time.Second
	defaultRequestRetries   = 5
	defaultMaxParallelPolls = 4
	defaultGuardDelay       = schedule.DefaultGuardDelay
	defaultLogLevel         = "info"
	defaultErrorLogName     = "traffic_error.log"
	defaultAPIAddr          = "127.0.0.1:3000"
	defaultQueryTimeout     = 30 * time.Second
	defaultArchiveCron      = "0 4 * * *"
	defaultArchiveKeepLast  = 14
	defaultArchiveTimeout   = 5 * time.Minute
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DataDir               string         `mapstructure:"data-dir" yaml:"data-dir"`
	Timezone              string         `mapstructure:"timezone" yaml:"timezone"`
	SampleInterval        time.Duration  `mapstructure:"sample-interval" yaml:"sample-interval"`
	PollCron              string         `mapstructure:"poll-cron" yaml:"poll-cron"`
	PublishCron           string         `mapstructure:"publish-cron" yaml:"publish-cron"`
	TaskTimeout           time.Duration  `mapstructure:"task-timeout" yaml:"task-timeout"`
	RequestTimeout        time.Duration  `mapstructure:"request-timeout" yaml:"request-timeout"`
	RequestRetries        int            `mapstructure:"request-retries" yaml:"request-retries"`
	MaxParallelPolls      int            `mapstructure:"max-parallel-polls" yaml:"max-parallel-polls"`
	GuardDelay            time.Duration  `mapstructure:"guard-delay" yaml:"guard-delay"`
	LogLevel              string         `mapstructure:"log-level" yaml:"log-level"`
	ErrorLog              string         `mapstructure:"error-log" yaml:"error-log"`
	APIKeys               []string       `mapstructure:"api-keys" yaml:"api-keys"`
	AMAPBaseURL           string         `mapstructure:"amap-base-url" yaml:"amap-base-url"`
	BaiduBaseURL          string         `mapstructure:"baidu-base-url" yaml:"baidu-base-url"`
	TelemetryURL          string         `mapstructure:"telemetry-url" yaml:"telemetry-url"`
	TelemetryAPIKey       string         `mapstructure:"telemetry-api-key" yaml:"telemetry-api-key"`
	APIEnabled            bool           `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIAddr               string         `mapstructure:"api-addr" yaml:"api-addr"`
	QueryTimeout          time.Duration  `mapstructure:"query-timeout" yaml:"query-timeout"`
	ArchiveEnabled        bool           `mapstructure:"archive-enabled" yaml:"archive-enabled"`
	ArchiveCron           string         `mapstructure:"archive-cron" yaml:"archive-cron"`
	ArchiveDir            string         `mapstructure:"archive-dir" yaml:"archive-dir"`
	ArchiveKeepLast       int            `mapstructure:"archive-keep-last" yaml:"archive-keep-last"`
	ArchiveBucketURL      string         `mapstructure:"archive-bucket-url" yaml:"archive-bucket-url"`
	ArchiveS3Region       string         `mapstructure:"archive-s3-region" yaml:"archive-s3-region"`
	ArchiveS3Endpoint     string         `mapstructure:"archive-s3-endpoint" yaml:"archive-s3-endpoint"`
	ArchiveS3AccessKey    string         `mapstructure:"archive-s3-access-key" yaml:"archive-s3-access-key"`
	ArchiveS3SecretKey    string         `mapstructure:"archive-s3-secret-key" yaml:"archive-s3-secret-key"`
	ArchiveS3SessionToken string         `mapstructure:"archive-s3-session-token" yaml:"archive-s3-session-token"`
	Regions               []model.Region `mapstructure:"regions" yaml:"regions"`

	ConfigPath string         `mapstructure:"-" yaml:"-"` // not from config file
	Location   *time.Location `mapstructure:"-" yaml:"-"`
}

// defaultRegions are the four Hefei road regions sampled when no regions
// are configured.
func defaultRegions() []model.Region {
	region := func(id, center string, field int, roads ...string) model.Region {
		return model.Region{
			ID:        id,
			Style:     model.StyleRoads,
			Center:    center,
			Radius:    500,
			CoordType: model.DefaultCoordType,
			Roads:     roads,
			File:      id + ".csv",
			Field:     field,
		}
	}
	return []model.Region{
		region("zhonglou", "31.858673,117.292678", 1, "徽州大道", "芜湖路", "芜湖路辅路"),
		region("xiyou", "31.804602,117.239061", 2, "习友路", "习友路辅路", "习友西路", "潜山路", "潜山路辅路"),
		region("zhanqian", "31.889066,117.321993", 3, "站前路", "胜利路", "胜利路辅路"),
		region("ningguo", "31.853656,117.297822", 4, "宁国南路", "宁国路", "南一环路", "南一环路辅路"),
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TRAFFICMON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("data-dir", defaultDataDir)
	v.SetDefault("timezone", defaultTimezone)
	v.SetDefault("sample-interval", defaultSampleInterval)
	v.SetDefault("poll-cron", defaultPollCron)
	v.SetDefault("publish-cron", defaultPublishCron)
	v.SetDefault("task-timeout", defaultTaskTimeout)
	v.SetDefault("request-timeout", defaultRequestTimeout)
	v.SetDefault("request-retries", defaultRequestRetries)
	v.SetDefault("max-parallel-polls", defaultMaxParallelPolls)
	v.SetDefault("guard-delay", defaultGuardDelay)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("error-log", "")
	v.SetDefault("api-keys", []string{})
	v.SetDefault("amap-base-url", poller.DefaultAMAPBaseURL)
	v.SetDefault("baidu-base-url", poller.DefaultBaiduBaseURL)
	v.SetDefault("telemetry-url", publish.DefaultURL)
	v.SetDefault("telemetry-api-key", "")
	v.SetDefault("api-enabled", false)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("archive-enabled", false)
	v.SetDefault("archive-cron", defaultArchiveCron)
	v.SetDefault("archive-dir", "")
	v.SetDefault("archive-keep-last", defaultArchiveKeepLast)
	v.SetDefault("archive-bucket-url", "")
	v.SetDefault("archive-s3-region", "")
	v.SetDefault("archive-s3-endpoint", "")
	v.SetDefault("archive-s3-access-key", "")
	v.SetDefault("archive-s3-secret-key", "")
	v.SetDefault("archive-s3-session-token", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "trafficmon", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, statErr := os.Stat(cfg.ConfigPath); statErr != nil {
		cfg.ConfigPath = ""
	}

	// Expand ~ in paths
	cfg.DataDir = expandHome(home, cfg.DataDir)
	cfg.ErrorLog = expandHome(home, cfg.ErrorLog)
	cfg.ArchiveDir = expandHome(home, cfg.ArchiveDir)

	if cfg.ErrorLog == "" {
		cfg.ErrorLog = filepath.Join(cfg.DataDir, defaultErrorLogName)
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.DataDir, "archive")
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = defaultRegions()
	}
	for i := range cfg.Regions {
		if cfg.Regions[i].CoordType == "" {
			cfg.Regions[i].CoordType = model.DefaultCoordType
		}
	}

	return cfg, nil
}

// validate checks the loaded configuration and resolves the derived fields:
// the timezone location and each region's buffer index.
func (cfg *appConfig) validate() error {
	keys := cfg.APIKeys[:0:0]
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("api-keys: at least one mapping API key is required")
	}
	cfg.APIKeys = keys

	if len(cfg.Regions) == 0 {
		return fmt.Errorf("regions: at least one region is required")
	}
	ids := make(map[string]bool, len(cfg.Regions))
	fields := make(map[int]string, len(cfg.Regions))
	for i := range cfg.Regions {
		r := &cfg.Regions[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if ids[r.ID] {
			return fmt.Errorf("regions: duplicate region id %q", r.ID)
		}
		ids[r.ID] = true
		if other, ok := fields[r.Field]; ok {
			return fmt.Errorf("regions: %s and %s both publish to field %d", other, r.ID, r.Field)
		}
		fields[r.Field] = r.ID
		r.Index = i
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	for name, spec := range map[string]string{
		"poll-cron":    cfg.PollCron,
		"publish-cron": cfg.PublishCron,
	} {
		if _, err := schedule.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if cfg.ArchiveEnabled {
		if _, err := schedule.Parse(cfg.ArchiveCron); err != nil {
			return fmt.Errorf("invalid archive-cron: %w", err)
		}
	}

	if cfg.SampleInterval <= 0 {
		return fmt.Errorf("invalid sample-interval: %s", cfg.SampleInterval)
	}
	if cfg.TaskTimeout <= 0 {
		return fmt.Errorf("invalid task-timeout: %s", cfg.TaskTimeout)
	}
	if cfg.MaxParallelPolls < 1 {
		cfg.MaxParallelPolls = 1
	}
	return nil
}

// printConfig writes the effective configuration as YAML with secrets masked.
func printConfig(w io.Writer, cfg appConfig) error {
	masked := cfg
	masked.APIKeys = make([]string, len(cfg.APIKeys))
	for i, k := range cfg.APIKeys {
		masked.APIKeys[i] = maskSecret(k)
	}
	masked.TelemetryAPIKey = maskSecret(cfg.TelemetryAPIKey)
	masked.ArchiveS3AccessKey = maskSecret(cfg.ArchiveS3AccessKey)
	masked.ArchiveS3SecretKey = maskSecret(cfg.ArchiveS3SecretKey)
	masked.ArchiveS3SessionToken = maskSecret(cfg.ArchiveS3SessionToken)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(masked); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:2] + strings.Repeat("*", 6)
	}
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
