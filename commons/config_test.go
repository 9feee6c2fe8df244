package commons

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", testConfigDefaults)
	t.Run("from yaml", testConfigFromYAML)
	t.Run("from env", testConfigFromENV)
	t.Run("validate", testConfigValidate)
}

func testConfigDefaults(t *testing.T) {
	config := NewDefaultConfig()

	assert.NoError(t, config.Validate())
	assert.Equal(t, MemoryCacheSizeMaxDefault, config.MemoryCacheSizeMax)
	assert.Equal(t, DiskCacheRootPathDefault, config.DiskCacheRootPath)
	assert.Equal(t, DiskCacheIdleTimeoutDefault, config.GetDiskCacheIdleTimeout())
	assert.Equal(t, NetworkConnectTimeoutDefault, config.GetNetworkConnectTimeout())
	assert.Equal(t, StatReportIntervalDefault, config.GetStatReportInterval())
	assert.False(t, config.IRODS.IsEnabled())
	assert.NotEmpty(t, config.InstanceID)
}

func testConfigFromYAML(t *testing.T) {
	yamlBytes := []byte(`
memory_cache_size_max: 67108864
disk_cache_root_path: /var/cache/imageloader
reload_times: 3
multi_range_fetch: true
irods:
  host: data.cyverse.org
  zone: iplant
`)

	config, err := NewConfigFromYAML(yamlBytes)
	require.NoError(t, err)

	assert.Equal(t, int64(67108864), config.MemoryCacheSizeMax)
	assert.Equal(t, "/var/cache/imageloader", config.DiskCacheRootPath)
	assert.Equal(t, 3, config.ReloadTimes)
	assert.True(t, config.MultiRangeFetch)

	// untouched fields keep their defaults
	assert.Equal(t, DiskCacheSizeMaxDefault, config.DiskCacheSizeMax)
	assert.Equal(t, 1247, config.IRODS.Port)
	assert.True(t, config.IRODS.IsEnabled())
	assert.NoError(t, config.Validate())

	_, err = NewConfigFromYAML([]byte("reload_times: [1"))
	assert.Error(t, err)
}

func testConfigFromENV(t *testing.T) {
	t.Setenv("DISK_CACHE_SIZE_MAX", "2048")
	t.Setenv("NETWORK_LOAD_MAX_THREAD", "8")
	t.Setenv("IRODS_HOST", "data.cyverse.org")

	config, err := NewConfigFromENV()
	require.NoError(t, err)

	assert.Equal(t, int64(2048), config.DiskCacheSizeMax)
	assert.Equal(t, 8, config.NetworkLoadMaxThread)
	assert.Equal(t, "data.cyverse.org", config.IRODS.Host)
	assert.Equal(t, MemoryCacheSizeMaxDefault, config.MemoryCacheSizeMax)
}

func testConfigValidate(t *testing.T) {
	config := NewDefaultConfig()
	config.MemoryCacheSizeMax = 1
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.DiskCacheRootPath = ""
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.ReloadTimes = -1
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.ImageDataLengthLimit = 1
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.DiskCacheSizeMax = config.ImageDataLengthLimit - 1
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.IRODS.Host = "data.cyverse.org"
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.DiskCacheRootPath = filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, config.MakeWorkDirs())
	assert.DirExists(t, config.DiskCacheRootPath)

	config.DiskCacheIdleTimeout = 0
	assert.Equal(t, time.Duration(0), config.GetDiskCacheIdleTimeout())
}
