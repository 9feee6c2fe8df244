package commons

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// SourceType tells where the bytes of a resource come from
type SourceType string

const (
	SourceTypeHTTP      SourceType = "http"
	SourceTypeLocalFile SourceType = "file"
	SourceTypeIRODS     SourceType = "irods"
	SourceTypeUnknown   SourceType = "unknown"
)

// TaskPhase is the pipeline stage a task was in when something happened
type TaskPhase string

const (
	TaskPhaseMemoryCache TaskPhase = "memory_cache"
	TaskPhaseDiskCache   TaskPhase = "disk_cache"
	TaskPhaseLocalSource TaskPhase = "local_source"
	TaskPhaseFetch       TaskPhase = "fetch"
	TaskPhaseDecode      TaskPhase = "decode"
)

// TaskInfo is the context handed to exception callbacks
type TaskInfo struct {
	TaskID        string
	ResourceID    string
	SourceType    SourceType
	DiskKey       string
	MemoryKey     string
	Indispensable bool
	Phase         TaskPhase
}

// ExceptionCategory tags a failure for metrics and logs
type ExceptionCategory string

const (
	ExceptionCategoryDiskCacheOpen        ExceptionCategory = "disk_cache_open"
	ExceptionCategoryDiskCacheRead        ExceptionCategory = "disk_cache_read"
	ExceptionCategoryDiskCacheWrite       ExceptionCategory = "disk_cache_write"
	ExceptionCategoryDiskCacheCommon      ExceptionCategory = "disk_cache_common"
	ExceptionCategoryLocalSourceNotExists ExceptionCategory = "local_source_not_exists"
	ExceptionCategoryLocalSourceCommon    ExceptionCategory = "local_source_common"
	ExceptionCategoryNetworkLoad          ExceptionCategory = "network_load"
	ExceptionCategoryDataLengthOutOfLimit ExceptionCategory = "data_length_out_of_limit"
	ExceptionCategoryMemoryBufferOverflow ExceptionCategory = "memory_buffer_out_of_limit"
	ExceptionCategoryRangeInconsistency   ExceptionCategory = "range_inconsistency"
	ExceptionCategoryLowNetworkSpeed      ExceptionCategory = "low_network_speed"
	ExceptionCategoryMemoryCacheCommon    ExceptionCategory = "memory_cache_common"
	ExceptionCategoryDecode               ExceptionCategory = "decode"
)

// ExceptionHandler receives one callback per failure category.
// Embed CommonExceptionHandler to override only some of them.
type ExceptionHandler interface {
	OnDiskCacheOpenException(err error)
	OnDiskCacheReadException(info *TaskInfo, err error)
	OnDiskCacheWriteException(info *TaskInfo, err error)
	OnDiskCacheCommonException(err error)
	OnLocalSourceNotExistsException(info *TaskInfo, err error)
	OnLocalSourceCommonException(info *TaskInfo, err error)
	OnNetworkLoadException(info *TaskInfo, err error)
	OnDataLengthOutOfLimitException(info *TaskInfo, length int64, limit int64)
	OnMemoryBufferLengthOutOfLimitException(info *TaskInfo, length int64, limit int64)
	OnRangeInconsistencyException(info *TaskInfo, err error)
	// HandleLowNetworkSpeedEvent returns true to cancel the transfer
	HandleLowNetworkSpeedEvent(info *TaskInfo, elapsed time.Duration, speed int64) bool
	OnMemoryCacheCommonException(err error)
	OnDecodeException(info *TaskInfo, err error)
}

// CommonExceptionHandler logs every failure and cancels slow transfers
type CommonExceptionHandler struct{}

func taskFields(info *TaskInfo) log.Fields {
	fields := log.Fields{
		"package":  "commons",
		"struct":   "CommonExceptionHandler",
		"function": "handle",
	}

	if info != nil {
		fields["task"] = info.TaskID
		fields["resource"] = info.ResourceID
		fields["key"] = info.MemoryKey
		fields["phase"] = info.Phase
	}
	return fields
}

func (handler *CommonExceptionHandler) OnDiskCacheOpenException(err error) {
	log.WithFields(taskFields(nil)).WithError(err).Error("failed to open disk cache")
}

func (handler *CommonExceptionHandler) OnDiskCacheReadException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Error("failed to read disk cache")
}

func (handler *CommonExceptionHandler) OnDiskCacheWriteException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Error("failed to write disk cache")
}

func (handler *CommonExceptionHandler) OnDiskCacheCommonException(err error) {
	log.WithFields(taskFields(nil)).WithError(err).Warn("disk cache fault")
}

func (handler *CommonExceptionHandler) OnLocalSourceNotExistsException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Warn("local source does not exist")
}

func (handler *CommonExceptionHandler) OnLocalSourceCommonException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Error("failed to read local source")
}

func (handler *CommonExceptionHandler) OnNetworkLoadException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Error("failed to fetch resource")
}

func (handler *CommonExceptionHandler) OnDataLengthOutOfLimitException(info *TaskInfo, length int64, limit int64) {
	log.WithFields(taskFields(info)).Warnf("image data length %d is out of limit %d", length, limit)
}

func (handler *CommonExceptionHandler) OnMemoryBufferLengthOutOfLimitException(info *TaskInfo, length int64, limit int64) {
	log.WithFields(taskFields(info)).Warnf("memory buffer length %d is out of limit %d", length, limit)
}

func (handler *CommonExceptionHandler) OnRangeInconsistencyException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Error("source answered range requests inconsistently")
}

func (handler *CommonExceptionHandler) HandleLowNetworkSpeedEvent(info *TaskInfo, elapsed time.Duration, speed int64) bool {
	log.WithFields(taskFields(info)).Warnf("low network speed %d B/s after %s, canceling", speed, elapsed)
	return true
}

func (handler *CommonExceptionHandler) OnMemoryCacheCommonException(err error) {
	log.WithFields(taskFields(nil)).WithError(err).Error("memory cache fault")
}

func (handler *CommonExceptionHandler) OnDecodeException(info *TaskInfo, err error) {
	log.WithFields(taskFields(info)).WithError(err).Error("failed to decode resource")
}
