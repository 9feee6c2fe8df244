package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// DiskCacheStatus is the lifecycle state of the disk cache handle
type DiskCacheStatus int

const (
	DiskCacheStatusUninitialized DiskCacheStatus = iota
	DiskCacheStatusPaused
	DiskCacheStatusReady
	DiskCacheStatusDisabled
)

func (status DiskCacheStatus) String() string {
	switch status {
	case DiskCacheStatusUninitialized:
		return "uninitialized"
	case DiskCacheStatusPaused:
		return "paused"
	case DiskCacheStatusReady:
		return "ready"
	case DiskCacheStatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// DiskCacheOpener opens the underlying store
type DiskCacheOpener func(rootPath string, version int, sizeCap int64) (*io.DiskCache, error)

// DiskCacheManagerConfig configures a DiskCacheManager
type DiskCacheManagerConfig struct {
	RootPath             string
	Version              int
	SizeCap              int64
	IdleTimeout          time.Duration
	FailedReopenInterval time.Duration
}

// DiskCacheManager opens the disk cache lazily, closes it after an idle window
// and retries a failed open after a cooldown
type DiskCacheManager struct {
	config           DiskCacheManagerConfig
	exceptionHandler commons.ExceptionHandler
	opener           DiskCacheOpener

	store              *io.DiskCache
	status             DiskCacheStatus
	holdCounter        int
	lastIdleTime       time.Time
	lastOpenFailedTime time.Time
	healthy            atomic.Bool
	terminated         bool
	mutex              sync.Mutex

	pauseRequestChan chan bool
	terminateChan    chan bool
	workerOnce       sync.Once
	terminateOnce    sync.Once
}

// NewDiskCacheManager creates a DiskCacheManager in Uninitialized status
func NewDiskCacheManager(config DiskCacheManagerConfig, exceptionHandler commons.ExceptionHandler) *DiskCacheManager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = commons.DiskCacheIdleTimeoutDefault
	}

	if config.FailedReopenInterval <= 0 {
		config.FailedReopenInterval = commons.DiskCacheFailedReopenInterval
	}

	manager := &DiskCacheManager{
		config:           config,
		exceptionHandler: exceptionHandler,
		opener:           io.NewDiskCache,
		status:           DiskCacheStatusUninitialized,
		holdCounter:      0,
		pauseRequestChan: make(chan bool, 1),
		terminateChan:    make(chan bool),
	}

	manager.healthy.Store(true)
	return manager
}

// SetOpener replaces the store opener, must be called before first use
func (manager *DiskCacheManager) SetOpener(opener DiskCacheOpener) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.opener = opener
}

func (manager *DiskCacheManager) GetStatus() DiskCacheStatus {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	return manager.status
}

func (manager *DiskCacheManager) GetHoldCounter() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	return manager.holdCounter
}

// IsHealthy returns false after a write fault until a write succeeds again
func (manager *DiskCacheManager) IsHealthy() bool {
	return manager.healthy.Load()
}

func (manager *DiskCacheManager) SetHealthy(healthy bool) {
	manager.healthy.Store(healthy)
}

// setup runs once on the first use, mutex must be held
func (manager *DiskCacheManager) setup() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheManager",
		"function": "setup",
	})

	logger.Infof("Disk cache at %q, version %d, size cap %d bytes, idle timeout %s", manager.config.RootPath, manager.config.Version, manager.config.SizeCap, manager.config.IdleTimeout)
	manager.status = DiskCacheStatusPaused

	manager.workerOnce.Do(func() {
		go manager.idleCloseWorker()
	})
}

// OpenForUse returns the opened store, or nil when the cache is unusable.
// Every call must be paired with Release, whatever the result.
func (manager *DiskCacheManager) OpenForUse() *io.DiskCache {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheManager",
		"function": "OpenForUse",
	})

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.holdCounter++

	if manager.terminated {
		return nil
	}

	if manager.status == DiskCacheStatusUninitialized {
		manager.setup()
	}

	switch manager.status {
	case DiskCacheStatusReady:
		return manager.store
	case DiskCacheStatusPaused:
		store, err := manager.opener(manager.config.RootPath, manager.config.Version, manager.config.SizeCap)
		if err != nil {
			logger.WithError(err).Errorf("failed to open disk cache %q", manager.config.RootPath)
			manager.status = DiskCacheStatusDisabled
			manager.lastOpenFailedTime = time.Now()
			manager.exceptionHandler.OnDiskCacheOpenException(err)
			return nil
		}

		manager.store = store
		manager.status = DiskCacheStatusReady
		return store
	case DiskCacheStatusDisabled:
		if time.Since(manager.lastOpenFailedTime) >= manager.config.FailedReopenInterval {
			logger.Info("Disk cache open cooldown elapsed, will reopen on next use")
			manager.status = DiskCacheStatusPaused
		}
		return nil
	default:
		return nil
	}
}

// Release drops one hold, the last one schedules the idle close
func (manager *DiskCacheManager) Release() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.holdCounter--
	if manager.holdCounter > 0 {
		return
	}

	manager.holdCounter = 0
	manager.lastIdleTime = time.Now()

	if manager.status != DiskCacheStatusReady {
		return
	}

	select {
	case manager.pauseRequestChan <- true:
	default:
		// a close is already pending
	}
}

func (manager *DiskCacheManager) idleCloseWorker() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheManager",
		"function": "idleCloseWorker",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	for {
		select {
		case <-manager.terminateChan:
			return
		case <-manager.pauseRequestChan:
		}

		wait := manager.config.IdleTimeout
		for {
			timer := time.NewTimer(wait)
			select {
			case <-manager.terminateChan:
				timer.Stop()
				return
			case <-timer.C:
			}

			closed, remaining := manager.closeIfIdle()
			if closed || remaining <= 0 {
				break
			}

			// used again within the window, wait for the rest of it
			wait = remaining
		}
	}
}

// closeIfIdle closes the store if nobody held it for the whole idle window.
// It returns the time left when the window was restarted by a recent use.
func (manager *DiskCacheManager) closeIfIdle() (bool, time.Duration) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DiskCacheManager",
		"function": "closeIfIdle",
	})

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.status != DiskCacheStatusReady || manager.holdCounter > 0 {
		// the next release schedules again
		return false, 0
	}

	idle := time.Since(manager.lastIdleTime)
	if idle < manager.config.IdleTimeout {
		return false, manager.config.IdleTimeout - idle
	}

	logger.Debugf("Closing idle disk cache %q", manager.config.RootPath)
	manager.closeStore()
	return true, 0
}

// closeStore closes the store, mutex must be held
func (manager *DiskCacheManager) closeStore() {
	if manager.store != nil {
		err := manager.store.Close()
		if err != nil {
			manager.exceptionHandler.OnDiskCacheCommonException(xerrors.Errorf("failed to close disk cache: %w", err))
		}
		manager.store = nil
	}

	if manager.status == DiskCacheStatusReady {
		manager.status = DiskCacheStatusPaused
	}
}

// Get returns the entry for the task, or nil on a miss or when the cache is unusable.
// Callers must call Release after they are done with the entry file.
func (manager *DiskCacheManager) Get(info *commons.TaskInfo) *io.DiskCacheEntry {
	store := manager.OpenForUse()
	if store == nil {
		return nil
	}

	entry, err := store.GetEntry(info.DiskKey)
	if err != nil {
		if !xerrors.Is(err, io.ErrDiskCacheClosed) {
			manager.exceptionHandler.OnDiskCacheReadException(info, err)
		}
		return nil
	}
	return entry
}

// Edit returns an editor for the task, or nil when the cache is unusable.
// Callers must call Release after they commit or abort.
func (manager *DiskCacheManager) Edit(info *commons.TaskInfo) *io.DiskCacheEditor {
	store := manager.OpenForUse()
	if store == nil {
		return nil
	}

	editor, err := store.Edit(info.DiskKey)
	if err != nil {
		// a concurrent writer of the same key is not a fault
		if !xerrors.Is(err, io.ErrDiskCacheEditing) && !xerrors.Is(err, io.ErrDiskCacheClosed) {
			manager.exceptionHandler.OnDiskCacheWriteException(info, err)
		}
		return nil
	}
	return editor
}

// Remove deletes the entry of the task
func (manager *DiskCacheManager) Remove(info *commons.TaskInfo) {
	defer manager.Release()

	store := manager.OpenForUse()
	if store == nil {
		return
	}

	store.DeleteEntry(info.DiskKey)
}

// Wipe deletes every entry
func (manager *DiskCacheManager) Wipe() error {
	defer manager.Release()

	store := manager.OpenForUse()
	if store == nil {
		return commons.NewDiskCacheUnavailableError(manager.GetStatus().String())
	}

	err := store.DeleteAllEntries()
	if err != nil {
		manager.exceptionHandler.OnDiskCacheCommonException(err)
		return err
	}
	return nil
}

// Flush persists the recency journal if the store is open
func (manager *DiskCacheManager) Flush() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.store == nil {
		return
	}

	err := manager.store.Flush()
	if err != nil {
		manager.exceptionHandler.OnDiskCacheCommonException(xerrors.Errorf("failed to flush disk cache: %w", err))
	}
}

// GetStat returns entries and bytes of the open store, zeros if closed
func (manager *DiskCacheManager) GetStat() (int, int64) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.store == nil {
		return 0, 0
	}
	return manager.store.GetTotalEntries(), manager.store.GetTotalEntrySize()
}

// Shutdown stops the idle worker and closes the store
func (manager *DiskCacheManager) Shutdown() {
	manager.terminateOnce.Do(func() {
		close(manager.terminateChan)
	})

	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.terminated = true
	manager.closeStore()
}
