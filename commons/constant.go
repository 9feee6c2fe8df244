package commons

import "time"

const (
	MemoryCacheSizeMaxDefault     int64 = 1024 * 1024 * 32 // 32MB
	MemoryCacheSizeMin            int64 = 1024 * 1024 * 2  // 2MB
	QuarantineSizeMaxDefault      int64 = 1024 * 1024 * 16 // 16MB
	DiskCacheSizeMaxDefault       int64 = 1024 * 1024 * 100
	DiskCacheVersionDefault       int   = 1
	DiskCacheRootPathDefault            = "/tmp/imageloader_cache"
	DiskCacheIdleTimeoutDefault         = 20 * time.Second
	DiskCacheFailedReopenInterval       = 10 * time.Second

	DiskLoadMaxThreadDefault    int = 2
	NetworkLoadMaxThreadDefault int = 4

	NetworkConnectTimeoutDefault = 3000 * time.Millisecond
	NetworkReadTimeoutDefault    = 5000 * time.Millisecond
	SpeedCheckIntervalDefault    = 500 * time.Millisecond

	ReloadTimesDefault              int   = 1
	URLLengthLimitDefault           int   = 1024 * 8
	ImageDataLengthLimitDefault     int64 = 1024 * 1024 * 16
	ImageDataLengthLimitMin         int64 = 1024 * 1024
	MemoryBufferLengthLimitDefault  int64 = 1024 * 1024 * 4
	MultiRangeMinBlockSizeDefault   int64 = 1024 * 32
	MultiRangeMaxBlockNumDefault    int   = 4
	MaximumRedirectTimes            int   = 5
	RangeCapabilityCacheTimeout           = 10 * time.Minute
	RangeCapabilityCacheCleanupTime       = 20 * time.Minute

	ProfileServicePortDefault     int = 12031
	PrometheusExporterPortDefault int = 12032
	StatReportIntervalDefault         = 60 * time.Second
)
