package cache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	"github.com/cyverse/imageloader/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type countingExceptionHandler struct {
	commons.CommonExceptionHandler
	openExceptions  atomic.Int32
	writeExceptions atomic.Int32
}

func (handler *countingExceptionHandler) OnDiskCacheOpenException(err error) {
	handler.openExceptions.Add(1)
}

func (handler *countingExceptionHandler) OnDiskCacheWriteException(info *commons.TaskInfo, err error) {
	handler.writeExceptions.Add(1)
}

func newTestDiskCacheManager(t *testing.T, idleTimeout time.Duration, reopenInterval time.Duration) (*DiskCacheManager, *countingExceptionHandler) {
	handler := &countingExceptionHandler{}
	manager := NewDiskCacheManager(DiskCacheManagerConfig{
		RootPath:             t.TempDir(),
		Version:              1,
		SizeCap:              1024 * 1024,
		IdleTimeout:          idleTimeout,
		FailedReopenInterval: reopenInterval,
	}, handler)

	t.Cleanup(manager.Shutdown)
	return manager, handler
}

func newTaskInfo(resourceID string) *commons.TaskInfo {
	diskKey := utils.MakeHash(resourceID)
	return &commons.TaskInfo{
		ResourceID: resourceID,
		DiskKey:    diskKey,
		MemoryKey:  utils.MakeMemoryKey(diskKey, 0, 0),
		Phase:      commons.TaskPhaseDiskCache,
	}
}

func TestDiskCacheManager(t *testing.T) {
	t.Run("lazy open", testDiskCacheManagerLazyOpen)
	t.Run("idle close", testDiskCacheManagerIdleClose)
	t.Run("use within idle window keeps it open", testDiskCacheManagerIdleCancel)
	t.Run("open failure cooldown", testDiskCacheManagerCooldown)
	t.Run("hold counter never negative", testDiskCacheManagerHoldCounter)
	t.Run("edit and get", testDiskCacheManagerEditGet)
	t.Run("shutdown", testDiskCacheManagerShutdown)
}

func testDiskCacheManagerLazyOpen(t *testing.T) {
	manager, _ := newTestDiskCacheManager(t, time.Minute, time.Minute)
	assert.Equal(t, DiskCacheStatusUninitialized, manager.GetStatus())

	store := manager.OpenForUse()
	require.NotNil(t, store)
	assert.Equal(t, DiskCacheStatusReady, manager.GetStatus())
	assert.Equal(t, 1, manager.GetHoldCounter())

	again := manager.OpenForUse()
	assert.Same(t, store, again)
	assert.Equal(t, 2, manager.GetHoldCounter())

	manager.Release()
	manager.Release()
	assert.Equal(t, 0, manager.GetHoldCounter())
	assert.Equal(t, DiskCacheStatusReady, manager.GetStatus())
}

func testDiskCacheManagerIdleClose(t *testing.T) {
	manager, _ := newTestDiskCacheManager(t, 50*time.Millisecond, time.Minute)

	store := manager.OpenForUse()
	require.NotNil(t, store)
	manager.Release()

	assert.Eventually(t, func() bool {
		return manager.GetStatus() == DiskCacheStatusPaused
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, store.IsClosed())

	// reopens on the next use
	reopened := manager.OpenForUse()
	defer manager.Release()
	require.NotNil(t, reopened)
	assert.NotSame(t, store, reopened)
	assert.Equal(t, DiskCacheStatusReady, manager.GetStatus())
}

func testDiskCacheManagerIdleCancel(t *testing.T) {
	manager, _ := newTestDiskCacheManager(t, 300*time.Millisecond, time.Minute)

	store := manager.OpenForUse()
	require.NotNil(t, store)
	manager.Release()

	time.Sleep(100 * time.Millisecond)

	// held across the end of the first window
	same := manager.OpenForUse()
	assert.Same(t, store, same)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, DiskCacheStatusReady, manager.GetStatus())
	assert.False(t, store.IsClosed())

	manager.Release()
	assert.Eventually(t, func() bool {
		return manager.GetStatus() == DiskCacheStatusPaused
	}, 2*time.Second, 10*time.Millisecond)
}

func testDiskCacheManagerCooldown(t *testing.T) {
	manager, handler := newTestDiskCacheManager(t, time.Minute, 200*time.Millisecond)

	var attempts atomic.Int32
	manager.SetOpener(func(rootPath string, version int, sizeCap int64) (*io.DiskCache, error) {
		attempts.Add(1)
		return nil, xerrors.New("storage unavailable")
	})

	assert.Nil(t, manager.OpenForUse())
	manager.Release()
	assert.Equal(t, DiskCacheStatusDisabled, manager.GetStatus())
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, int32(1), handler.openExceptions.Load())

	// fails fast within the cooldown
	assert.Nil(t, manager.OpenForUse())
	manager.Release()
	assert.Equal(t, int32(1), attempts.Load())

	time.Sleep(250 * time.Millisecond)

	// cooldown elapsed, this call only re-arms
	assert.Nil(t, manager.OpenForUse())
	manager.Release()
	assert.Equal(t, DiskCacheStatusPaused, manager.GetStatus())
	assert.Equal(t, int32(1), attempts.Load())

	manager.SetOpener(io.NewDiskCache)
	assert.NotNil(t, manager.OpenForUse())
	manager.Release()
	assert.Equal(t, DiskCacheStatusReady, manager.GetStatus())
}

func testDiskCacheManagerHoldCounter(t *testing.T) {
	manager, _ := newTestDiskCacheManager(t, time.Minute, time.Minute)

	manager.Release()
	manager.Release()
	assert.Equal(t, 0, manager.GetHoldCounter())

	manager.OpenForUse()
	assert.Equal(t, 1, manager.GetHoldCounter())
	manager.Release()
}

func testDiskCacheManagerEditGet(t *testing.T) {
	manager, _ := newTestDiskCacheManager(t, time.Minute, time.Minute)
	info := newTaskInfo("https://example.org/a.png")

	entry := manager.Get(info)
	manager.Release()
	assert.Nil(t, entry)

	editor := manager.Edit(info)
	require.NotNil(t, editor)
	_, err := editor.Write([]byte("png bytes"))
	require.NoError(t, err)
	require.NoError(t, editor.Commit())
	manager.Release()

	entry = manager.Get(info)
	require.NotNil(t, entry)
	data, err := entry.GetData()
	manager.Release()
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)

	entries, size := manager.GetStat()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(9), size)

	manager.Remove(info)
	assert.Nil(t, manager.Get(info))
	manager.Release()
}

func testDiskCacheManagerShutdown(t *testing.T) {
	manager, _ := newTestDiskCacheManager(t, time.Minute, time.Minute)

	store := manager.OpenForUse()
	manager.Release()
	require.NotNil(t, store)

	manager.Shutdown()
	assert.True(t, store.IsClosed())
	assert.Nil(t, manager.OpenForUse())
	manager.Release()
}
