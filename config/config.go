package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type StorageConfiguration struct {
	// Type is either `disk` or `s3`
	Type             string `json:"type" mapstructure:"type"`
	DataPath         string `json:"data_path" mapstructure:"data_path"`
	S3BucketName     string `json:"s3_bucket_name" mapstructure:"s3_bucket_name"`
	S3Endpoint       string `json:"s3_endpoint" mapstructure:"s3_endpoint"`
	AWSDefaultRegion string `json:"aws_default_region" mapstructure:"aws_default_region"`
}

type CleanupConfiguration struct {
	// OrphanFileDeleteOlderThan is the default retention for orphaned file
	// cleanup, a Go duration like `168h`. Empty means no default.
	OrphanFileDeleteOlderThan string `json:"orphan_file_delete_older_than" mapstructure:"orphan_file_delete_older_than"`
}

type Configuration struct {
	CRDBDSN          string               `json:"crdb_dsn" mapstructure:"crdb_dsn"`
	HTTPPort         string               `json:"http_port" mapstructure:"http_port"`
	ShutdownSleepSec int                  `json:"shutdown_sleep_sec" mapstructure:"shutdown_sleep_sec"`
	Threads          int                  `json:"threads" mapstructure:"threads"`
	FlushParallelism int                  `json:"flush_parallelism" mapstructure:"flush_parallelism"`
	Storage          StorageConfiguration `json:"storage" mapstructure:"storage"`
	Cleanup          CleanupConfiguration `json:"cleanup" mapstructure:"cleanup"`
}

var Config *Configuration

func setDefaults(v *viper.Viper) {
	v.SetDefault("crdb_dsn", "")
	v.SetDefault("http_port", "8080")
	v.SetDefault("shutdown_sleep_sec", 0)
	v.SetDefault("threads", 4)
	v.SetDefault("flush_parallelism", 8)
	v.SetDefault("storage.type", "disk")
	v.SetDefault("storage.data_path", "/tmp/ducklake")
	v.SetDefault("storage.s3_bucket_name", "")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.aws_default_region", "us-east-1")
	v.SetDefault("cleanup.orphan_file_delete_older_than", "")
}

// Load reads the optional config file and overlays the environment. Nested
// keys map to env vars with `_`, so `storage.data_path` is `STORAGE_DATA_PATH`.
func Load(file string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error in viper.ReadInConfig: %w", err)
		}
	}

	c := &Configuration{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("error in viper.Unmarshal: %w", err)
	}
	if _, err := c.OrphanRetention(); err != nil {
		return nil, err
	}
	return c, nil
}

func InitConfig(file string) {
	c, err := Load(file)
	if err != nil {
		panic(err)
	}
	Config = c
}

// OrphanRetention parses the default orphan retention. A zero duration with a
// nil error means no default is configured.
func (c *Configuration) OrphanRetention() (time.Duration, error) {
	if c.Cleanup.OrphanFileDeleteOlderThan == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Cleanup.OrphanFileDeleteOlderThan)
	if err != nil {
		return 0, fmt.Errorf("invalid cleanup.orphan_file_delete_older_than %q: %w", c.Cleanup.OrphanFileDeleteOlderThan, err)
	}
	return d, nil
}
