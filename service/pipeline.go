package service

import (
	"os"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"github.com/cyverse/imageloader/service/fetch"
	"github.com/cyverse/imageloader/service/io"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// runPipeline resolves a task through memory, disk, source fetch and decode
func (manager *ComponentManager) runPipeline(task *Task) *Outcome {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "runPipeline",
	})

	ctx := task.GetContext()
	if ctx.Err() != nil {
		return newCanceledOutcome(ctx.Err())
	}

	info := task.infoForPhase(commons.TaskPhaseMemoryCache)

	// another task may have filled the memory cache in the meantime
	if resource, ok := manager.getMemoryCache(info.MemoryKey); ok {
		return newSucceededOutcome(resource)
	}

	var resource cache.ImageResource
	var outcome *Outcome

	if info.SourceType == commons.SourceTypeLocalFile {
		resource, outcome = manager.loadLocal(task)
	} else {
		resource, outcome = manager.loadFromDisk(task)
		if outcome == nil && resource == nil {
			resource, outcome = manager.loadFromSource(task)
		}
	}

	if outcome != nil {
		logger.Debugf("task %q for %q ended as %s", task.GetID(), info.ResourceID, outcome.State.String())
		return outcome
	}

	resource, outcome = manager.intercept(task, resource)
	if outcome != nil {
		return outcome
	}

	if ctx.Err() != nil {
		manager.settings.ResourceHandler.Release(resource)
		return newCanceledOutcome(ctx.Err())
	}

	manager.putMemoryCache(info.MemoryKey, resource)
	return newSucceededOutcome(resource)
}

// decode runs the decode handler, a nil resource counts as an error
func (manager *ComponentManager) decode(task *Task, source DecodeSource) (cache.ImageResource, error) {
	info := task.infoForPhase(commons.TaskPhaseDecode)

	resource, err := manager.settings.DecodeHandler.Decode(source, task.GetParams(), info)
	if err != nil {
		manager.exceptionHandler.OnDecodeException(info, err)
		return nil, err
	}

	if resource == nil {
		err = xerrors.Errorf("decoder returned no resource for %q", info.ResourceID)
		manager.exceptionHandler.OnDecodeException(info, err)
		return nil, err
	}
	return resource, nil
}

// loadLocal decodes a local file in place, local files are never disk cached
func (manager *ComponentManager) loadLocal(task *Task) (cache.ImageResource, *Outcome) {
	info := task.infoForPhase(commons.TaskPhaseLocalSource)
	path := GetLocalPath(info.ResourceID)

	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			notFoundErr := commons.NewSourceNotFoundError(path)
			manager.exceptionHandler.OnLocalSourceNotExistsException(info, notFoundErr)
			return nil, newFailedOutcome(notFoundErr)
		}

		manager.exceptionHandler.OnLocalSourceCommonException(info, err)
		return nil, newFailedOutcome(err)
	}

	if st.IsDir() {
		err = xerrors.Errorf("local source %q is a directory", path)
		manager.exceptionHandler.OnLocalSourceCommonException(info, err)
		return nil, newFailedOutcome(err)
	}

	err = manager.diskSemaphore.Acquire(task.GetContext(), 1)
	if err != nil {
		return nil, newCanceledOutcome(err)
	}
	defer manager.diskSemaphore.Release(1)

	resource, err := manager.decode(task, NewFileDecodeSource(path))
	if err != nil {
		return nil, newFailedOutcome(err)
	}
	return resource, nil
}

// loadFromDisk decodes the disk cache entry, returns nil and nil on a miss
func (manager *ComponentManager) loadFromDisk(task *Task) (cache.ImageResource, *Outcome) {
	info := task.infoForPhase(commons.TaskPhaseDiskCache)

	err := manager.diskSemaphore.Acquire(task.GetContext(), 1)
	if err != nil {
		return nil, newCanceledOutcome(err)
	}
	defer manager.diskSemaphore.Release(1)

	entry := manager.diskCacheManager.Get(info)
	defer manager.diskCacheManager.Release()

	if entry == nil {
		promCounterForDiskCacheMiss.Inc()
		return nil, nil
	}

	promCounterForDiskCacheHit.Inc()

	resource, err := manager.decode(task, NewFileDecodeSource(entry.GetFilePath()))
	if err != nil {
		// a broken entry is dropped and fetched again
		manager.diskCacheManager.Remove(info)
		return nil, nil
	}
	return resource, nil
}

// loadFromSource fetches into the disk cache, or into memory when the disk cache cannot take it
func (manager *ComponentManager) loadFromSource(task *Task) (cache.ImageResource, *Outcome) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "loadFromSource",
	})

	info := task.infoForPhase(commons.TaskPhaseFetch)

	var editor *io.DiskCacheEditor
	if manager.diskCacheManager.IsHealthy() {
		editor = manager.diskCacheManager.Edit(info)
		defer manager.diskCacheManager.Release()
	}

	if editor != nil {
		return manager.fetchToDisk(task, info, editor)
	}

	logger.Debugf("buffering %q in memory", info.ResourceID)
	return manager.fetchToMemory(task, info)
}

func fetchFailure(fetchOutcome *fetch.FetchOutcome) *Outcome {
	if fetchOutcome.Result == fetch.ResultCanceled {
		return newCanceledOutcome(fetchOutcome.Err)
	}
	return newFailedOutcome(fetchOutcome.Err)
}

func (manager *ComponentManager) fetchToDisk(task *Task, info *commons.TaskInfo, editor *io.DiskCacheEditor) (cache.ImageResource, *Outcome) {
	fetchOutcome := manager.engine.FetchFor(task.GetContext(), info, editor, task.IsIndispensable)
	recordFetchOutcome(fetchOutcome)

	if fetchOutcome.Result != fetch.ResultSucceeded {
		editor.Abort()
		return nil, fetchFailure(fetchOutcome)
	}

	err := editor.Commit()
	if err != nil {
		manager.exceptionHandler.OnDiskCacheWriteException(info, err)
		manager.diskCacheManager.SetHealthy(false)
		return nil, newFailedOutcome(err)
	}

	resource, err := manager.decode(task, NewFileDecodeSource(editor.GetFilePath()))
	if err != nil {
		return nil, newFailedOutcome(err)
	}
	return resource, nil
}

func (manager *ComponentManager) fetchToMemory(task *Task, info *commons.TaskInfo) (cache.ImageResource, *Outcome) {
	sink := io.NewMemorySink(manager.settings.MemoryBufferLengthLimit)

	fetchOutcome := manager.engine.FetchFor(task.GetContext(), info, sink, task.IsIndispensable)
	recordFetchOutcome(fetchOutcome)

	if fetchOutcome.Result != fetch.ResultSucceeded {
		return nil, fetchFailure(fetchOutcome)
	}

	data := sink.Bytes()

	resource, err := manager.decode(task, NewBytesDecodeSource(data))
	if err != nil {
		return nil, newFailedOutcome(err)
	}

	manager.writeBack(task, data)
	return resource, nil
}

// writeBack stores buffered bytes in the disk cache, a successful write restores its health
func (manager *ComponentManager) writeBack(task *Task, data []byte) {
	info := task.infoForPhase(commons.TaskPhaseDiskCache)

	editor := manager.diskCacheManager.Edit(info)
	defer manager.diskCacheManager.Release()

	if editor == nil {
		return
	}

	_, err := editor.Write(data)
	if err != nil {
		editor.Abort()
		manager.exceptionHandler.OnDiskCacheWriteException(info, err)
		manager.diskCacheManager.SetHealthy(false)
		return
	}

	err = editor.Commit()
	if err != nil {
		manager.exceptionHandler.OnDiskCacheWriteException(info, err)
		manager.diskCacheManager.SetHealthy(false)
		return
	}

	manager.diskCacheManager.SetHealthy(true)
}

// intercept applies the interceptor of the request, releasing the original if it was replaced
func (manager *ComponentManager) intercept(task *Task, resource cache.ImageResource) (cache.ImageResource, *Outcome) {
	interceptor := task.GetParams().GetInterceptor()
	if interceptor == nil {
		return resource, nil
	}

	info := task.infoForPhase(commons.TaskPhaseDecode)

	intercepted, err := interceptor.Intercept(resource, task.GetParams(), info)
	if err == nil && intercepted == nil {
		err = xerrors.Errorf("interceptor returned no resource for %q", info.ResourceID)
	}

	if err != nil {
		manager.exceptionHandler.OnDecodeException(info, err)
		manager.settings.ResourceHandler.Release(resource)
		return nil, newFailedOutcome(err)
	}

	if intercepted != resource {
		manager.settings.ResourceHandler.Release(resource)
	}
	return intercepted, nil
}

// putMemoryCache inserts the resource, a quarantine overflow is fatal
func (manager *ComponentManager) putMemoryCache(key string, resource cache.ImageResource) {
	manager.handleMemoryCacheError("putMemoryCache", manager.memoryCache.Put(key, resource))
}

// getMemoryCache looks the key up, a hit is marked in use
func (manager *ComponentManager) getMemoryCache(key string) (cache.ImageResource, bool) {
	resource, ok, err := manager.memoryCache.Get(key)
	manager.handleMemoryCacheError("getMemoryCache", err)
	return resource, ok
}

// handleMemoryCacheError reports err. A quarantine overflow means stubs leak resources, it is fatal.
func (manager *ComponentManager) handleMemoryCacheError(function string, err error) {
	if err == nil {
		return
	}

	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": function,
	})

	manager.exceptionHandler.OnMemoryCacheCommonException(err)
	if commons.IsQuarantineOverflowError(err) {
		logger.WithError(err).Panic("in-use resources exceed the quarantine, stubs are not released")
	}
	logger.WithError(err).Warn("memory cache operation failed")
}
