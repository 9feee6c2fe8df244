package commons

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
	yaml "gopkg.in/yaml.v2"

	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
)

const (
	LogFilePathPrefixDefault string = "/tmp/imageloader"
)

var (
	instanceID string
)

// getInstanceID returns instance ID
func getInstanceID() string {
	if len(instanceID) == 0 {
		instanceID = xid.New().String()
	}

	return instanceID
}

// GetDefaultLogFilePath returns default log file path
func GetDefaultLogFilePath() string {
	return fmt.Sprintf("%s_%s.log", LogFilePathPrefixDefault, getInstanceID())
}

// IRODSSourceConfig holds the account used to read irods:// resources
type IRODSSourceConfig struct {
	Host            string `yaml:"host" envconfig:"HOST"`
	Port            int    `yaml:"port" envconfig:"PORT"`
	ProxyUser       string `yaml:"proxy_user,omitempty" envconfig:"PROXY_USER"`
	ClientUser      string `yaml:"client_user,omitempty" envconfig:"CLIENT_USER"`
	Zone            string `yaml:"zone" envconfig:"ZONE"`
	Password        string `yaml:"password,omitempty" envconfig:"PASSWORD"`
	DefaultResource string `yaml:"default_resource,omitempty" envconfig:"DEFAULT_RESOURCE"`
}

// IsEnabled returns true if an irods host is configured
func (config *IRODSSourceConfig) IsEnabled() bool {
	return len(config.Host) > 0
}

// Config holds the parameters list which can be configured
type Config struct {
	MemoryCacheSizeMax int64 `yaml:"memory_cache_size_max" envconfig:"MEMORY_CACHE_SIZE_MAX"`
	QuarantineSizeMax  int64 `yaml:"quarantine_size_max" envconfig:"QUARANTINE_SIZE_MAX"`

	DiskCacheRootPath    string                        `yaml:"disk_cache_root_path" envconfig:"DISK_CACHE_ROOT_PATH"`
	DiskCacheSizeMax     int64                         `yaml:"disk_cache_size_max" envconfig:"DISK_CACHE_SIZE_MAX"`
	DiskCacheVersion     int                           `yaml:"disk_cache_version" envconfig:"DISK_CACHE_VERSION"`
	DiskCacheIdleTimeout irodsfs_common_utils.Duration `yaml:"disk_cache_idle_timeout,omitempty" ignored:"true"`

	DiskLoadMaxThread    int `yaml:"disk_load_max_thread" envconfig:"DISK_LOAD_MAX_THREAD"`
	NetworkLoadMaxThread int `yaml:"network_load_max_thread" envconfig:"NETWORK_LOAD_MAX_THREAD"`

	NetworkConnectTimeout irodsfs_common_utils.Duration `yaml:"network_connect_timeout,omitempty" ignored:"true"`
	NetworkReadTimeout    irodsfs_common_utils.Duration `yaml:"network_read_timeout,omitempty" ignored:"true"`

	ReloadTimes             int   `yaml:"reload_times" envconfig:"RELOAD_TIMES"`
	URLLengthLimit          int   `yaml:"url_length_limit" envconfig:"URL_LENGTH_LIMIT"`
	ImageDataLengthLimit    int64 `yaml:"image_data_length_limit" envconfig:"IMAGE_DATA_LENGTH_LIMIT"`
	MemoryBufferLengthLimit int64 `yaml:"memory_buffer_length_limit" envconfig:"MEMORY_BUFFER_LENGTH_LIMIT"`
	MultiRangeFetch         bool  `yaml:"multi_range_fetch,omitempty" envconfig:"MULTI_RANGE_FETCH"`

	IRODS IRODSSourceConfig `yaml:"irods,omitempty" envconfig:"IRODS"`

	LogPath            string                        `yaml:"log_path,omitempty" envconfig:"LOG_PATH"`
	StatReportInterval irodsfs_common_utils.Duration `yaml:"stat_report_interval,omitempty" ignored:"true"`
	Debug              bool                          `yaml:"debug,omitempty" envconfig:"DEBUG"`

	Profile                bool `yaml:"profile,omitempty" envconfig:"PROFILE"`
	ProfileServicePort     int  `yaml:"profile_service_port,omitempty" envconfig:"PROFILE_SERVICE_PORT"`
	PrometheusExporterPort int  `yaml:"prometheus_exporter_port,omitempty" envconfig:"PROMETHEUS_EXPORTER_PORT"`

	InstanceID string `yaml:"instanceid,omitempty" ignored:"true"`
}

// NewDefaultConfig creates DefaultConfig
func NewDefaultConfig() *Config {
	return &Config{
		MemoryCacheSizeMax: MemoryCacheSizeMaxDefault,
		QuarantineSizeMax:  QuarantineSizeMaxDefault,

		DiskCacheRootPath:    DiskCacheRootPathDefault,
		DiskCacheSizeMax:     DiskCacheSizeMaxDefault,
		DiskCacheVersion:     DiskCacheVersionDefault,
		DiskCacheIdleTimeout: irodsfs_common_utils.Duration(DiskCacheIdleTimeoutDefault),

		DiskLoadMaxThread:    DiskLoadMaxThreadDefault,
		NetworkLoadMaxThread: NetworkLoadMaxThreadDefault,

		NetworkConnectTimeout: irodsfs_common_utils.Duration(NetworkConnectTimeoutDefault),
		NetworkReadTimeout:    irodsfs_common_utils.Duration(NetworkReadTimeoutDefault),

		ReloadTimes:             ReloadTimesDefault,
		URLLengthLimit:          URLLengthLimitDefault,
		ImageDataLengthLimit:    ImageDataLengthLimitDefault,
		MemoryBufferLengthLimit: MemoryBufferLengthLimitDefault,
		MultiRangeFetch:         false,

		IRODS: IRODSSourceConfig{
			Port: 1247,
		},

		LogPath:            "",
		StatReportInterval: irodsfs_common_utils.Duration(StatReportIntervalDefault),
		Debug:              false,

		Profile:                false,
		ProfileServicePort:     ProfileServicePortDefault,
		PrometheusExporterPort: PrometheusExporterPortDefault,

		InstanceID: getInstanceID(),
	}
}

// NewConfigFromYAML creates Config from YAML
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML - %v", err)
	}

	return config, nil
}

// NewConfigFromENV creates Config from Environmental Variables
func NewConfigFromENV() (*Config, error) {
	config := NewDefaultConfig()

	err := envconfig.Process("", config)
	if err != nil {
		return nil, fmt.Errorf("failed to read env - %v", err)
	}

	return config, nil
}

// GetDiskCacheIdleTimeout returns idle timeout as time.Duration
func (config *Config) GetDiskCacheIdleTimeout() time.Duration {
	return time.Duration(config.DiskCacheIdleTimeout)
}

// GetNetworkConnectTimeout returns connect timeout as time.Duration
func (config *Config) GetNetworkConnectTimeout() time.Duration {
	return time.Duration(config.NetworkConnectTimeout)
}

// GetNetworkReadTimeout returns read timeout as time.Duration
func (config *Config) GetNetworkReadTimeout() time.Duration {
	return time.Duration(config.NetworkReadTimeout)
}

// GetStatReportInterval returns stat report interval as time.Duration
func (config *Config) GetStatReportInterval() time.Duration {
	return time.Duration(config.StatReportInterval)
}

// MakeWorkDirs makes dirs required
func (config *Config) MakeWorkDirs() error {
	err := os.MkdirAll(config.DiskCacheRootPath, 0700)
	if err != nil {
		return xerrors.Errorf("failed to make disk cache root dir %q: %w", config.DiskCacheRootPath, err)
	}

	return nil
}

// Validate validates configuration
func (config *Config) Validate() error {
	if config.MemoryCacheSizeMax < MemoryCacheSizeMin {
		return fmt.Errorf("memory cache size max must be at least %d", MemoryCacheSizeMin)
	}

	if config.QuarantineSizeMax < 0 {
		return fmt.Errorf("quarantine size max must not be negative")
	}

	if len(config.DiskCacheRootPath) == 0 {
		return fmt.Errorf("disk cache root path must be given")
	}

	if config.DiskCacheSizeMax <= 0 {
		return fmt.Errorf("disk cache size max must be given")
	}

	if config.DiskCacheVersion <= 0 {
		return fmt.Errorf("disk cache version must be positive")
	}

	if config.DiskLoadMaxThread <= 0 || config.NetworkLoadMaxThread <= 0 {
		return fmt.Errorf("load thread counts must be positive")
	}

	if config.ReloadTimes < 0 {
		return fmt.Errorf("reload times must not be negative")
	}

	if config.ImageDataLengthLimit < ImageDataLengthLimitMin {
		return fmt.Errorf("image data length limit must be at least %d", ImageDataLengthLimitMin)
	}

	if config.ImageDataLengthLimit > config.DiskCacheSizeMax {
		return fmt.Errorf("image data length limit must not exceed disk cache size max %d", config.DiskCacheSizeMax)
	}

	if config.IRODS.IsEnabled() && (config.IRODS.Port <= 0 || len(config.IRODS.Zone) == 0) {
		return fmt.Errorf("irods port and zone must be given")
	}

	if config.Profile && config.ProfileServicePort <= 0 {
		return fmt.Errorf("profile service port must be given")
	}

	return nil
}
