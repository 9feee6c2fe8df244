package service

import (
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"github.com/cyverse/imageloader/service/fetch"
	"golang.org/x/xerrors"
)

const (
	ApplicationNameDefault string = "imageloader"
)

// ServerSettings is the configuration snapshot of a ComponentManager.
// It is built by ServerSettingsBuilder and never changed afterwards.
type ServerSettings struct {
	MemoryCacheSizeMax int64
	QuarantineSizeMax  int64

	DiskCacheRootPath             string
	DiskCacheSizeMax              int64
	DiskCacheVersion              int
	DiskCacheIdleTimeout          time.Duration
	DiskCacheFailedReopenInterval time.Duration

	DiskLoadMaxThread    int
	NetworkLoadMaxThread int

	NetworkConnectTimeout time.Duration
	NetworkReadTimeout    time.Duration
	SpeedCheckInterval    time.Duration
	LowSpeedStrategy      *fetch.LowSpeedStrategy
	NetworkProfileFunc    fetch.NetworkProfileFunc

	ReloadTimes             int
	URLLengthLimit          int
	ImageDataLengthLimit    int64
	MemoryBufferLengthLimit int64

	MultiRangeFetch        bool
	MultiRangeMinBlockSize int64
	MultiRangeMaxBlockNum  int
	HTTPHeaders            map[string]string

	IRODS           commons.IRODSSourceConfig
	ApplicationName string

	ExceptionHandler commons.ExceptionHandler
	DecodeHandler    DecodeHandler
	ResourceHandler  cache.ResourceHandler
	FetchHandlers    map[commons.SourceType]fetch.Handler
}

// ServerSettingsBuilder builds ServerSettings.
// The decode and resource handlers are required, everything else has a default.
type ServerSettingsBuilder struct {
	settings ServerSettings
}

// NewServerSettingsBuilder starts a builder with default values
func NewServerSettingsBuilder(decodeHandler DecodeHandler, resourceHandler cache.ResourceHandler) *ServerSettingsBuilder {
	return &ServerSettingsBuilder{
		settings: ServerSettings{
			MemoryCacheSizeMax: commons.MemoryCacheSizeMaxDefault,
			QuarantineSizeMax:  commons.QuarantineSizeMaxDefault,

			DiskCacheRootPath:             commons.DiskCacheRootPathDefault,
			DiskCacheSizeMax:              commons.DiskCacheSizeMaxDefault,
			DiskCacheVersion:              commons.DiskCacheVersionDefault,
			DiskCacheIdleTimeout:          commons.DiskCacheIdleTimeoutDefault,
			DiskCacheFailedReopenInterval: commons.DiskCacheFailedReopenInterval,

			DiskLoadMaxThread:    commons.DiskLoadMaxThreadDefault,
			NetworkLoadMaxThread: commons.NetworkLoadMaxThreadDefault,

			NetworkConnectTimeout: commons.NetworkConnectTimeoutDefault,
			NetworkReadTimeout:    commons.NetworkReadTimeoutDefault,
			SpeedCheckInterval:    commons.SpeedCheckIntervalDefault,
			LowSpeedStrategy:      fetch.NewDefaultLowSpeedStrategy(),
			NetworkProfileFunc:    nil,

			ReloadTimes:             commons.ReloadTimesDefault,
			URLLengthLimit:          commons.URLLengthLimitDefault,
			ImageDataLengthLimit:    commons.ImageDataLengthLimitDefault,
			MemoryBufferLengthLimit: commons.MemoryBufferLengthLimitDefault,

			MultiRangeFetch:        false,
			MultiRangeMinBlockSize: commons.MultiRangeMinBlockSizeDefault,
			MultiRangeMaxBlockNum:  commons.MultiRangeMaxBlockNumDefault,
			HTTPHeaders:            map[string]string{},

			ApplicationName: ApplicationNameDefault,

			ExceptionHandler: &commons.CommonExceptionHandler{},
			DecodeHandler:    decodeHandler,
			ResourceHandler:  resourceHandler,
			FetchHandlers:    map[commons.SourceType]fetch.Handler{},
		},
	}
}

// NewServerSettingsBuilderFromConfig starts a builder with values of the config
func NewServerSettingsBuilderFromConfig(config *commons.Config, decodeHandler DecodeHandler, resourceHandler cache.ResourceHandler) *ServerSettingsBuilder {
	builder := NewServerSettingsBuilder(decodeHandler, resourceHandler)
	builder.SetMemoryCacheSize(config.MemoryCacheSizeMax, config.QuarantineSizeMax)
	builder.SetDiskCache(config.DiskCacheRootPath, config.DiskCacheSizeMax, config.DiskCacheVersion)
	builder.SetDiskCacheIdleTimeout(config.GetDiskCacheIdleTimeout())
	builder.SetLoadMaxThreads(config.DiskLoadMaxThread, config.NetworkLoadMaxThread)
	builder.SetNetworkTimeouts(config.GetNetworkConnectTimeout(), config.GetNetworkReadTimeout())
	builder.SetReloadTimes(config.ReloadTimes)
	builder.SetURLLengthLimit(config.URLLengthLimit)
	builder.SetImageDataLengthLimit(config.ImageDataLengthLimit)
	builder.SetMemoryBufferLengthLimit(config.MemoryBufferLengthLimit)
	builder.SetMultiRangeFetch(config.MultiRangeFetch)
	builder.SetIRODS(config.IRODS)
	return builder
}

func (builder *ServerSettingsBuilder) SetMemoryCacheSize(sizeMax int64, quarantineSizeMax int64) *ServerSettingsBuilder {
	builder.settings.MemoryCacheSizeMax = sizeMax
	builder.settings.QuarantineSizeMax = quarantineSizeMax
	return builder
}

func (builder *ServerSettingsBuilder) SetDiskCache(rootPath string, sizeMax int64, version int) *ServerSettingsBuilder {
	builder.settings.DiskCacheRootPath = rootPath
	builder.settings.DiskCacheSizeMax = sizeMax
	builder.settings.DiskCacheVersion = version
	return builder
}

func (builder *ServerSettingsBuilder) SetDiskCacheIdleTimeout(idleTimeout time.Duration) *ServerSettingsBuilder {
	builder.settings.DiskCacheIdleTimeout = idleTimeout
	return builder
}

func (builder *ServerSettingsBuilder) SetDiskCacheFailedReopenInterval(interval time.Duration) *ServerSettingsBuilder {
	builder.settings.DiskCacheFailedReopenInterval = interval
	return builder
}

func (builder *ServerSettingsBuilder) SetLoadMaxThreads(disk int, network int) *ServerSettingsBuilder {
	builder.settings.DiskLoadMaxThread = disk
	builder.settings.NetworkLoadMaxThread = network
	return builder
}

func (builder *ServerSettingsBuilder) SetNetworkTimeouts(connectTimeout time.Duration, readTimeout time.Duration) *ServerSettingsBuilder {
	builder.settings.NetworkConnectTimeout = connectTimeout
	builder.settings.NetworkReadTimeout = readTimeout
	return builder
}

func (builder *ServerSettingsBuilder) SetLowSpeedStrategy(strategy *fetch.LowSpeedStrategy, checkInterval time.Duration) *ServerSettingsBuilder {
	builder.settings.LowSpeedStrategy = strategy
	builder.settings.SpeedCheckInterval = checkInterval
	return builder
}

func (builder *ServerSettingsBuilder) SetNetworkProfileFunc(profileFunc fetch.NetworkProfileFunc) *ServerSettingsBuilder {
	builder.settings.NetworkProfileFunc = profileFunc
	return builder
}

func (builder *ServerSettingsBuilder) SetReloadTimes(reloadTimes int) *ServerSettingsBuilder {
	builder.settings.ReloadTimes = reloadTimes
	return builder
}

func (builder *ServerSettingsBuilder) SetURLLengthLimit(limit int) *ServerSettingsBuilder {
	builder.settings.URLLengthLimit = limit
	return builder
}

func (builder *ServerSettingsBuilder) SetImageDataLengthLimit(limit int64) *ServerSettingsBuilder {
	builder.settings.ImageDataLengthLimit = limit
	return builder
}

func (builder *ServerSettingsBuilder) SetMemoryBufferLengthLimit(limit int64) *ServerSettingsBuilder {
	builder.settings.MemoryBufferLengthLimit = limit
	return builder
}

func (builder *ServerSettingsBuilder) SetMultiRangeFetch(enabled bool) *ServerSettingsBuilder {
	builder.settings.MultiRangeFetch = enabled
	return builder
}

func (builder *ServerSettingsBuilder) SetMultiRangeBlocks(minBlockSize int64, maxBlockNum int) *ServerSettingsBuilder {
	builder.settings.MultiRangeMinBlockSize = minBlockSize
	builder.settings.MultiRangeMaxBlockNum = maxBlockNum
	return builder
}

func (builder *ServerSettingsBuilder) SetHTTPHeader(key string, value string) *ServerSettingsBuilder {
	builder.settings.HTTPHeaders[key] = value
	return builder
}

func (builder *ServerSettingsBuilder) SetIRODS(irodsConfig commons.IRODSSourceConfig) *ServerSettingsBuilder {
	builder.settings.IRODS = irodsConfig
	return builder
}

func (builder *ServerSettingsBuilder) SetApplicationName(name string) *ServerSettingsBuilder {
	builder.settings.ApplicationName = name
	return builder
}

func (builder *ServerSettingsBuilder) SetExceptionHandler(handler commons.ExceptionHandler) *ServerSettingsBuilder {
	builder.settings.ExceptionHandler = handler
	return builder
}

// SetFetchHandler replaces the built-in handler of a source type
func (builder *ServerSettingsBuilder) SetFetchHandler(sourceType commons.SourceType, handler fetch.Handler) *ServerSettingsBuilder {
	builder.settings.FetchHandlers[sourceType] = handler
	return builder
}

// Build validates the settings and returns a snapshot
func (builder *ServerSettingsBuilder) Build() (*ServerSettings, error) {
	settings := builder.settings

	if settings.DecodeHandler == nil || settings.ResourceHandler == nil {
		return nil, xerrors.Errorf("decode handler and resource handler must be given")
	}

	if settings.ExceptionHandler == nil {
		return nil, xerrors.Errorf("exception handler must be given")
	}

	if settings.MemoryCacheSizeMax < commons.MemoryCacheSizeMin {
		return nil, xerrors.Errorf("memory cache size max %d must be at least %d", settings.MemoryCacheSizeMax, commons.MemoryCacheSizeMin)
	}

	if settings.QuarantineSizeMax < 0 {
		return nil, xerrors.Errorf("quarantine size max must not be negative")
	}

	if len(settings.DiskCacheRootPath) == 0 || settings.DiskCacheSizeMax <= 0 || settings.DiskCacheVersion <= 0 {
		return nil, xerrors.Errorf("disk cache root path, size max and version must be given")
	}

	if settings.DiskLoadMaxThread <= 0 || settings.NetworkLoadMaxThread <= 0 {
		return nil, xerrors.Errorf("load thread counts must be positive")
	}

	if settings.NetworkConnectTimeout <= 0 || settings.NetworkReadTimeout <= 0 {
		return nil, xerrors.Errorf("network timeouts must be positive")
	}

	if settings.LowSpeedStrategy == nil {
		return nil, xerrors.Errorf("low speed strategy must be given")
	}

	if settings.ReloadTimes < 0 {
		return nil, xerrors.Errorf("reload times must not be negative")
	}

	if settings.URLLengthLimit <= 0 {
		return nil, xerrors.Errorf("url length limit must be positive")
	}

	if settings.ImageDataLengthLimit < commons.ImageDataLengthLimitMin {
		return nil, xerrors.Errorf("image data length limit %d must be at least %d", settings.ImageDataLengthLimit, commons.ImageDataLengthLimitMin)
	}

	// a disk entry larger than the cap is evicted on commit
	if settings.ImageDataLengthLimit > settings.DiskCacheSizeMax {
		return nil, xerrors.Errorf("image data length limit %d must not exceed disk cache size max %d", settings.ImageDataLengthLimit, settings.DiskCacheSizeMax)
	}

	if settings.MemoryBufferLengthLimit <= 0 {
		return nil, xerrors.Errorf("memory buffer length limit must be positive")
	}

	// detach the maps from the builder
	headers := map[string]string{}
	for key, value := range settings.HTTPHeaders {
		headers[key] = value
	}
	settings.HTTPHeaders = headers

	handlers := map[commons.SourceType]fetch.Handler{}
	for sourceType, handler := range settings.FetchHandlers {
		handlers[sourceType] = handler
	}
	settings.FetchHandlers = handlers

	return &settings, nil
}
