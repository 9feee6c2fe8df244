package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"github.com/cyverse/imageloader/service/fetch"
	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

var (
	defaultManager     *ComponentManager
	defaultManagerOnce sync.Once
)

// ComponentManager owns the caches, the fetch engine and the in-flight tasks.
// Settings are frozen on first use.
type ComponentManager struct {
	settings         *ServerSettings
	exceptionHandler commons.ExceptionHandler

	memoryCache      *cache.MemoryCache
	diskCacheManager *cache.DiskCacheManager
	engine           *fetch.Engine
	irodsHandler     *fetch.IRODSHandler
	ledger           *TaskLedger
	diskSemaphore    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	initialized atomic.Bool
	terminated  bool
	mutex       sync.Mutex
}

// NewComponentManager creates a manager that is not initialized yet
func NewComponentManager() *ComponentManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &ComponentManager{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Default returns the process wide manager
func Default() *ComponentManager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewComponentManager()
	})
	return defaultManager
}

// Configure sets the settings, returns false once the manager is initialized
func (manager *ComponentManager) Configure(settings *ServerSettings) bool {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "Configure",
	})

	if settings == nil {
		logger.Error("settings must not be nil")
		return false
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.initialized.Load() {
		logger.Warn("settings are frozen after initialization, ignoring the new settings")
		return false
	}

	manager.settings = settings
	return true
}

// GetSettings returns the active settings, initializing the manager if needed
func (manager *ComponentManager) GetSettings() (*ServerSettings, error) {
	err := manager.ensureInit()
	if err != nil {
		return nil, err
	}
	return manager.settings, nil
}

func (manager *ComponentManager) IsInitialized() bool {
	return manager.initialized.Load()
}

// ensureInit builds the components once, with the configured or default settings
func (manager *ComponentManager) ensureInit() error {
	if manager.initialized.Load() {
		return nil
	}

	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "ensureInit",
	})

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.initialized.Load() {
		return nil
	}

	if manager.terminated {
		return xerrors.Errorf("component manager is shut down")
	}

	if manager.settings == nil {
		settings, err := NewServerSettingsBuilder(NewStdDecodeHandler(), NewStdResourceHandler()).Build()
		if err != nil {
			return xerrors.Errorf("failed to build default settings: %w", err)
		}
		manager.settings = settings
	}

	settings := manager.settings
	manager.exceptionHandler = newMeteringExceptionHandler(settings.ExceptionHandler)

	memoryCache, err := cache.NewMemoryCache(settings.MemoryCacheSizeMax, settings.QuarantineSizeMax, settings.ResourceHandler)
	if err != nil {
		return xerrors.Errorf("failed to create memory cache: %w", err)
	}

	diskCacheConfig := cache.DiskCacheManagerConfig{
		RootPath:             settings.DiskCacheRootPath,
		Version:              settings.DiskCacheVersion,
		SizeCap:              settings.DiskCacheSizeMax,
		IdleTimeout:          settings.DiskCacheIdleTimeout,
		FailedReopenInterval: settings.DiskCacheFailedReopenInterval,
	}

	engineConfig := fetch.EngineConfig{
		ConnectTimeout:     settings.NetworkConnectTimeout,
		ReadTimeout:        settings.NetworkReadTimeout,
		DataLengthLimit:    settings.ImageDataLengthLimit,
		MaxConcurrent:      settings.NetworkLoadMaxThread,
		SpeedCheckInterval: settings.SpeedCheckInterval,
		LowSpeedStrategy:   settings.LowSpeedStrategy,
		NetworkProfileFunc: settings.NetworkProfileFunc,
	}

	engine := fetch.NewEngine(engineConfig, manager.exceptionHandler)
	if settings.MultiRangeFetch {
		engine.RegisterHandler(commons.SourceTypeHTTP, fetch.NewRangeHandler(settings.HTTPHeaders, settings.MultiRangeMinBlockSize, settings.MultiRangeMaxBlockNum))
	} else {
		engine.RegisterHandler(commons.SourceTypeHTTP, fetch.NewHTTPHandler(settings.HTTPHeaders))
	}

	if settings.IRODS.IsEnabled() {
		irodsConfig := settings.IRODS
		manager.irodsHandler = fetch.NewIRODSHandler(fetch.NewIRODSClientFactory(&irodsConfig, settings.ApplicationName))
		engine.RegisterHandler(commons.SourceTypeIRODS, manager.irodsHandler)
	}

	for sourceType, handler := range settings.FetchHandlers {
		engine.RegisterHandler(sourceType, handler)
	}

	manager.memoryCache = memoryCache
	manager.diskCacheManager = cache.NewDiskCacheManager(diskCacheConfig, manager.exceptionHandler)
	manager.engine = engine
	manager.ledger = NewTaskLedger()
	manager.diskSemaphore = semaphore.NewWeighted(int64(settings.DiskLoadMaxThread))

	logger.Infof("initialized with memory cache %d bytes, disk cache %d bytes at %q", settings.MemoryCacheSizeMax, settings.DiskCacheSizeMax, settings.DiskCacheRootPath)

	manager.initialized.Store(true)
	return nil
}

// NewNode creates a load scope
func (manager *ComponentManager) NewNode() (*Node, error) {
	err := manager.ensureInit()
	if err != nil {
		return nil, err
	}
	return newNode(manager), nil
}

func (manager *ComponentManager) GetMemoryCache() *cache.MemoryCache {
	return manager.memoryCache
}

func (manager *ComponentManager) GetDiskCacheManager() *cache.DiskCacheManager {
	return manager.diskCacheManager
}

// Inflight returns the number of tasks in flight
func (manager *ComponentManager) Inflight() int {
	if !manager.initialized.Load() {
		return 0
	}
	return manager.ledger.Len()
}

// launch resolves the stub: join an in-flight task, deliver a memory hit, or start a new task
func (manager *ComponentManager) launch(stub *Stub) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "launch",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	promCounterForLoadRequests.Inc()

	stub.mutex.Lock()
	if stub.state != LoadStateInitialized {
		stub.mutex.Unlock()
		return
	}

	if stub.getConsumer() == nil {
		stub.state = LoadStateDestroyed
		stub.mutex.Unlock()
		return
	}

	stub.state = LoadStateLoading
	key := stub.info.MemoryKey

	var hit cache.ImageResource
	var hitErr error
	created := false

	// the stub lock is held until the task is attached so its delivery cannot be missed
	task := manager.ledger.JoinExisting(key, stub)
	if task == nil {
		resource, ok, err := manager.memoryCache.Get(key)
		hitErr = err
		if ok {
			hit = resource
		} else {
			task, created = manager.ledger.JoinOrCreate(key, stub, func() *Task {
				return newTask(manager.ctx, stub.info, stub.params)
			})
		}
	}

	if task != nil && stub.info.Indispensable {
		task.markIndispensable()
	}

	stub.task = task
	stub.mutex.Unlock()

	// reported outside the stub lock, an overflow panics
	manager.handleMemoryCacheError("launch", hitErr)

	if hit != nil {
		if !stub.deliver(nil, newSucceededOutcome(hit)) {
			manager.memoryCache.MarkUnused(key)
		}
		return
	}

	if created {
		logger.Debugf("starting task %q for %q", task.GetID(), stub.info.ResourceID)
		go manager.runTask(task)
	}
}

// runTask runs the pipeline, delivers the outcome to the group and unregisters the task
func (manager *ComponentManager) runTask(task *Task) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "runTask",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	promCounterForTasks.Inc()

	var outcome *Outcome
	if task.start() {
		outcome = manager.runPipeline(task)
	} else {
		outcome = newCanceledOutcome(xerrors.Errorf("task %q was not startable", task.GetID()))
	}

	accepted, err := task.finish(outcome)
	if err != nil {
		logger.WithError(err).Errorf("failed to deliver task %q", task.GetID())
	}

	// every stub left between the memory cache put and the delivery
	if outcome.State == LoadStateSucceeded && accepted == 0 {
		manager.memoryCache.MarkUnused(task.GetMemoryKey())
	}

	// a reloading stub may have registered a new task for the key already
	manager.ledger.Unregister(task.GetMemoryKey(), task)
}

// Shutdown cancels every task and closes the caches
func (manager *ComponentManager) Shutdown() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ComponentManager",
		"function": "Shutdown",
	})

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.terminated {
		return
	}

	manager.terminated = true
	manager.cancel()

	if !manager.initialized.Load() {
		return
	}

	logger.Info("shutting down")

	manager.ledger.CancelAll()
	manager.diskCacheManager.Flush()
	manager.diskCacheManager.Shutdown()

	if manager.irodsHandler != nil {
		manager.irodsHandler.Release()
	}
}

// Report returns a summary of cache and task usage
func (manager *ComponentManager) Report() string {
	if !manager.initialized.Load() {
		return "not initialized"
	}

	entries, size := manager.diskCacheManager.GetStat()
	return fmt.Sprintf("%s, disk cache %s with %d entries (%d bytes), %d tasks in flight", manager.memoryCache.Report(), manager.diskCacheManager.GetStatus().String(), entries, size, manager.ledger.Len())
}
