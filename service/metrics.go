package service

import (
	"sync"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promCounterForLoadRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_load_requests_total",
		Help: "The total number of load requests",
	})

	promCounterForTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_tasks_total",
		Help: "The total number of tasks started, joined requests excluded",
	})

	promCounterForMemoryCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_memory_cache_hit_total",
		Help: "The total number of memory cache hit",
	})
	oldCounterForMemoryCacheHit int64 = 0

	promCounterForMemoryCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_memory_cache_miss_total",
		Help: "The total number of memory cache miss",
	})
	oldCounterForMemoryCacheMiss int64 = 0

	promCounterForDiskCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_disk_cache_hit_total",
		Help: "The total number of disk cache hit",
	})

	promCounterForDiskCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_disk_cache_miss_total",
		Help: "The total number of disk cache miss",
	})

	promCounterForFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageloader_fetches_total",
		Help: "The total number of fetches by result",
	}, []string{"result"})

	promCounterForBytesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imageloader_bytes_fetched_total",
		Help: "The total number of bytes fetched from sources",
	})

	promCounterForExceptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imageloader_exceptions_total",
		Help: "The total number of exceptions by category",
	}, []string{"category"})

	promGaugeForMemoryCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageloader_memory_cache_bytes",
		Help: "The bytes held by the memory cache",
	})

	promGaugeForQuarantineSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageloader_quarantine_bytes",
		Help: "The bytes held by the memory cache quarantine",
	})

	promGaugeForDiskCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageloader_disk_cache_entries",
		Help: "The number of entries in the open disk cache",
	})

	promGaugeForDiskCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageloader_disk_cache_bytes",
		Help: "The bytes held by the open disk cache",
	})

	promGaugeForInflightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imageloader_inflight_tasks",
		Help: "The number of tasks in flight",
	})

	collectMutex sync.Mutex
)

func recordFetchOutcome(outcome *fetch.FetchOutcome) {
	promCounterForFetches.WithLabelValues(outcome.Result.String()).Inc()
	promCounterForBytesFetched.Add(float64(outcome.Loaded))
}

// CollectPrometheusMetrics copies cache stats into the prometheus collectors
func (manager *ComponentManager) CollectPrometheusMetrics() {
	if !manager.initialized.Load() {
		return
	}

	collectMutex.Lock()
	defer collectMutex.Unlock()

	memoryStat := manager.memoryCache.GetStat()

	promCounterForMemoryCacheHit.Add(float64(memoryStat.Hits - oldCounterForMemoryCacheHit))
	oldCounterForMemoryCacheHit = memoryStat.Hits

	promCounterForMemoryCacheMiss.Add(float64(memoryStat.Misses - oldCounterForMemoryCacheMiss))
	oldCounterForMemoryCacheMiss = memoryStat.Misses

	promGaugeForMemoryCacheSize.Set(float64(memoryStat.Size))
	promGaugeForQuarantineSize.Set(float64(memoryStat.QuarantineSize))

	diskEntries, diskSize := manager.diskCacheManager.GetStat()
	promGaugeForDiskCacheEntries.Set(float64(diskEntries))
	promGaugeForDiskCacheSize.Set(float64(diskSize))

	promGaugeForInflightTasks.Set(float64(manager.ledger.Len()))
}

// meteringExceptionHandler counts every exception before passing it on
type meteringExceptionHandler struct {
	handler commons.ExceptionHandler
}

func newMeteringExceptionHandler(handler commons.ExceptionHandler) *meteringExceptionHandler {
	return &meteringExceptionHandler{
		handler: handler,
	}
}

func countException(category commons.ExceptionCategory) {
	promCounterForExceptions.WithLabelValues(string(category)).Inc()
}

func (metering *meteringExceptionHandler) OnDiskCacheOpenException(err error) {
	countException(commons.ExceptionCategoryDiskCacheOpen)
	metering.handler.OnDiskCacheOpenException(err)
}

func (metering *meteringExceptionHandler) OnDiskCacheReadException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryDiskCacheRead)
	metering.handler.OnDiskCacheReadException(info, err)
}

func (metering *meteringExceptionHandler) OnDiskCacheWriteException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryDiskCacheWrite)
	metering.handler.OnDiskCacheWriteException(info, err)
}

func (metering *meteringExceptionHandler) OnDiskCacheCommonException(err error) {
	countException(commons.ExceptionCategoryDiskCacheCommon)
	metering.handler.OnDiskCacheCommonException(err)
}

func (metering *meteringExceptionHandler) OnLocalSourceNotExistsException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryLocalSourceNotExists)
	metering.handler.OnLocalSourceNotExistsException(info, err)
}

func (metering *meteringExceptionHandler) OnLocalSourceCommonException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryLocalSourceCommon)
	metering.handler.OnLocalSourceCommonException(info, err)
}

func (metering *meteringExceptionHandler) OnNetworkLoadException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryNetworkLoad)
	metering.handler.OnNetworkLoadException(info, err)
}

func (metering *meteringExceptionHandler) OnDataLengthOutOfLimitException(info *commons.TaskInfo, length int64, limit int64) {
	countException(commons.ExceptionCategoryDataLengthOutOfLimit)
	metering.handler.OnDataLengthOutOfLimitException(info, length, limit)
}

func (metering *meteringExceptionHandler) OnMemoryBufferLengthOutOfLimitException(info *commons.TaskInfo, length int64, limit int64) {
	countException(commons.ExceptionCategoryMemoryBufferOverflow)
	metering.handler.OnMemoryBufferLengthOutOfLimitException(info, length, limit)
}

func (metering *meteringExceptionHandler) OnRangeInconsistencyException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryRangeInconsistency)
	metering.handler.OnRangeInconsistencyException(info, err)
}

func (metering *meteringExceptionHandler) HandleLowNetworkSpeedEvent(info *commons.TaskInfo, elapsed time.Duration, speed int64) bool {
	countException(commons.ExceptionCategoryLowNetworkSpeed)
	return metering.handler.HandleLowNetworkSpeedEvent(info, elapsed, speed)
}

func (metering *meteringExceptionHandler) OnMemoryCacheCommonException(err error) {
	countException(commons.ExceptionCategoryMemoryCacheCommon)
	metering.handler.OnMemoryCacheCommonException(err)
}

func (metering *meteringExceptionHandler) OnDecodeException(info *commons.TaskInfo, err error) {
	countException(commons.ExceptionCategoryDecode)
	metering.handler.OnDecodeException(info, err)
}
