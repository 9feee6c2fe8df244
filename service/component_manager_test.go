package service

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"github.com/cyverse/imageloader/service/fetch"
	"github.com/cyverse/imageloader/service/io"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWaitTimeout = 5 * time.Second
)

type testListener struct {
	outcomes chan *Outcome
}

func newTestListener() *testListener {
	return &testListener{
		outcomes: make(chan *Outcome, 16),
	}
}

func (listener *testListener) OnLoadSucceeded(stub *Stub, resource cache.ImageResource) {
	listener.outcomes <- newSucceededOutcome(resource)
}

func (listener *testListener) OnLoadFailed(stub *Stub, err error) {
	listener.outcomes <- newFailedOutcome(err)
}

func (listener *testListener) OnLoadCanceled(stub *Stub) {
	listener.outcomes <- newCanceledOutcome(context.Canceled)
}

func (listener *testListener) wait(t *testing.T) *Outcome {
	select {
	case outcome := <-listener.outcomes:
		return outcome
	case <-time.After(testWaitTimeout):
		require.FailNow(t, "timed out waiting for an outcome")
		return nil
	}
}

func (listener *testListener) assertNoOutcome(t *testing.T) {
	select {
	case outcome := <-listener.outcomes:
		assert.Fail(t, "unexpected outcome", "state %s", outcome.State.String())
	case <-time.After(100 * time.Millisecond):
	}
}

// newTestConsumer keeps the handle reachable until the test ends, stubs only hold it weakly
func newTestConsumer(t *testing.T, listener LoadListener, dispatcher Dispatcher) *ConsumerHandle {
	consumer := NewConsumerHandle(listener, dispatcher)
	t.Cleanup(func() {
		runtime.KeepAlive(consumer)
	})
	return consumer
}

type countingDecodeHandler struct {
	*StdDecodeHandler
	calls atomic.Int32
}

func (handler *countingDecodeHandler) Decode(source DecodeSource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error) {
	handler.calls.Add(1)
	return handler.StdDecodeHandler.Decode(source, params, info)
}

type recordingExceptionHandler struct {
	commons.CommonExceptionHandler
	localNotExists atomic.Int32
	network        atomic.Int32
	memoryBuffer   atomic.Int32
	decode         atomic.Int32
	memoryCache    atomic.Int32
}

func (handler *recordingExceptionHandler) OnLocalSourceNotExistsException(info *commons.TaskInfo, err error) {
	handler.localNotExists.Add(1)
}

func (handler *recordingExceptionHandler) OnNetworkLoadException(info *commons.TaskInfo, err error) {
	handler.network.Add(1)
}

func (handler *recordingExceptionHandler) OnMemoryBufferLengthOutOfLimitException(info *commons.TaskInfo, length int64, limit int64) {
	handler.memoryBuffer.Add(1)
}

func (handler *recordingExceptionHandler) OnDecodeException(info *commons.TaskInfo, err error) {
	handler.decode.Add(1)
}

func (handler *recordingExceptionHandler) OnMemoryCacheCommonException(err error) {
	handler.memoryCache.Add(1)
}

// gatedResourceHandler runs gate, when set, before sizing a resource for the memory cache
type gatedResourceHandler struct {
	*StdResourceHandler
	gate func()
}

func (handler *gatedResourceHandler) ByteSizeOf(resource cache.ImageResource) int64 {
	if handler.gate != nil {
		handler.gate()
	}
	return handler.StdResourceHandler.ByteSizeOf(resource)
}

// testFetcher serves data, or runs fn when it is set
type testFetcher struct {
	data     []byte
	calls    atomic.Int32
	requests sync.Map
	fn       func(ctx context.Context, call int32, sink io.Sink) error
}

// lastRequest returns the latest request made for url
func (fetcher *testFetcher) lastRequest(url string) *fetch.Request {
	if request, ok := fetcher.requests.Load(url); ok {
		return request.(*fetch.Request)
	}
	return nil
}

func (fetcher *testFetcher) Fetch(ctx context.Context, request *fetch.Request, sink io.Sink) error {
	fetcher.requests.Store(request.URL, request)
	call := fetcher.calls.Add(1)
	if fetcher.fn != nil {
		return fetcher.fn(ctx, call, sink)
	}

	_, err := sink.Write(fetcher.data)
	return err
}

type testEnv struct {
	manager    *ComponentManager
	node       *Node
	decoder    *countingDecodeHandler
	resources  *gatedResourceHandler
	exceptions *recordingExceptionHandler
	fetcher    *testFetcher
}

func newTestEnv(t *testing.T, configure func(builder *ServerSettingsBuilder)) *testEnv {
	env := &testEnv{
		decoder: &countingDecodeHandler{
			StdDecodeHandler: NewStdDecodeHandler(),
		},
		resources: &gatedResourceHandler{
			StdResourceHandler: NewStdResourceHandler(),
		},
		exceptions: &recordingExceptionHandler{},
		fetcher: &testFetcher{
			data: makeTestPNG(t, 100, 100),
		},
	}

	builder := NewServerSettingsBuilder(env.decoder, env.resources).
		SetDiskCache(filepath.Join(t.TempDir(), "cache"), 10*1024*1024, 1).
		SetImageDataLengthLimit(4*1024*1024).
		SetExceptionHandler(env.exceptions).
		SetFetchHandler(commons.SourceTypeHTTP, env.fetcher)

	if configure != nil {
		configure(builder)
	}

	settings, err := builder.Build()
	require.NoError(t, err)

	env.manager = NewComponentManager()
	require.True(t, env.manager.Configure(settings))
	t.Cleanup(env.manager.Shutdown)

	env.node, err = env.manager.NewNode()
	require.NoError(t, err)
	return env
}

func newSizedParams(t *testing.T, width int, height int) *Params {
	params, err := NewParamsBuilder().SetRequestSize(width, height).Build()
	require.NoError(t, err)
	return params
}

// blockingFetch waits for release before serving data, or returns when ctx is done
func blockingFetch(data []byte, started chan<- bool, release <-chan bool) func(ctx context.Context, call int32, sink io.Sink) error {
	return func(ctx context.Context, call int32, sink io.Sink) error {
		started <- true

		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}

		_, err := sink.Write(data)
		return err
	}
}

func TestComponentManager(t *testing.T) {
	t.Run("configure after init", testComponentManagerConfigureAfterInit)
	t.Run("same resource is fetched once", testComponentManagerDedup)
	t.Run("http resource end to end", testComponentManagerHTTP)
	t.Run("disk cache hit", testComponentManagerDiskCacheHit)
	t.Run("cancel last stub cancels task", testComponentManagerCancelTask)
	t.Run("cancel shared stub keeps task", testComponentManagerCancelSharedStub)
	t.Run("relaunch", testComponentManagerRelaunch)
	t.Run("reload after failure", testComponentManagerReload)
	t.Run("fail without reload", testComponentManagerFailure)
	t.Run("render fault", testComponentManagerRenderFault)
	t.Run("local source", testComponentManagerLocalSource)
	t.Run("local source missing", testComponentManagerLocalSourceMissing)
	t.Run("memory buffer fallback", testComponentManagerMemoryBufferFallback)
	t.Run("memory buffer over limit", testComponentManagerMemoryBufferOverLimit)
	t.Run("interceptor", testComponentManagerInterceptor)
	t.Run("invalid load", testComponentManagerInvalidLoad)
	t.Run("consumer rebinding", testComponentManagerRebinding)
	t.Run("consumer destroyed", testComponentManagerConsumerDestroyed)
	t.Run("node destroy", testComponentManagerNodeDestroy)
	t.Run("queue dispatcher", testComponentManagerQueueDispatcher)
	t.Run("cancel while caching", testComponentManagerCancelWhileCaching)
	t.Run("indispensable joiner", testComponentManagerIndispensableJoiner)
	t.Run("quarantine overflow", testComponentManagerQuarantineOverflow)
}

func testComponentManagerConfigureAfterInit(t *testing.T) {
	manager := NewComponentManager()
	defer manager.Shutdown()

	settings, err := NewServerSettingsBuilder(NewStdDecodeHandler(), NewStdResourceHandler()).
		SetDiskCache(t.TempDir(), 32*1024*1024, 1).
		SetReloadTimes(3).
		Build()
	require.NoError(t, err)

	assert.True(t, manager.Configure(settings))
	assert.False(t, manager.IsInitialized())

	_, err = manager.NewNode()
	require.NoError(t, err)
	assert.True(t, manager.IsInitialized())

	other, err := NewServerSettingsBuilder(NewStdDecodeHandler(), NewStdResourceHandler()).Build()
	require.NoError(t, err)
	assert.False(t, manager.Configure(other))

	active, err := manager.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 3, active.ReloadTimes)
}

func testComponentManagerDedup(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan bool, 4)
	release := make(chan bool)
	env.fetcher.fn = blockingFetch(env.fetcher.data, started, release)

	const requests = 10
	resourceID := "http://images.test/a.png"
	params := newSizedParams(t, 100, 100)

	listeners := make([]*testListener, requests)
	consumers := make([]*ConsumerHandle, requests)
	stubs := make([]*Stub, requests)

	wg := sync.WaitGroup{}
	for i := 0; i < requests; i++ {
		listeners[i] = newTestListener()
		consumers[i] = newTestConsumer(t, listeners[i], nil)

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			stub, err := env.node.Load(resourceID, params, consumers[idx])
			assert.NoError(t, err)
			stubs[idx] = stub
		}(i)
	}
	wg.Wait()

	<-started

	key := NewTaskInfo(resourceID, params).MemoryKey
	task := env.manager.ledger.Get(key)
	require.NotNil(t, task)
	assert.Equal(t, requests, task.GetGroup().Len())

	for _, stub := range stubs {
		assert.Equal(t, LoadStateLoading, stub.State())
	}

	close(release)

	var first cache.ImageResource
	for i := 0; i < requests; i++ {
		outcome := listeners[i].wait(t)
		require.Equal(t, LoadStateSucceeded, outcome.State)
		if first == nil {
			first = outcome.Resource
		}
		assert.Same(t, first.(*StdImage), outcome.Resource.(*StdImage))
		assert.Equal(t, LoadStateSucceeded, stubs[i].State())
	}

	assert.Equal(t, int32(1), env.fetcher.calls.Load())
	assert.Equal(t, int32(1), env.decoder.calls.Load())
	assert.Equal(t, []string{key}, env.manager.GetMemoryCache().GetKeys())

	assert.Eventually(t, func() bool {
		return env.manager.Inflight() == 0
	}, testWaitTimeout, 10*time.Millisecond)
}

func testComponentManagerHTTP(t *testing.T) {
	data := makeTestPNG(t, 100, 100)
	requests := atomic.Int32{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer server.Close()

	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		// the real http handler
		builder.settings.FetchHandlers = map[commons.SourceType]fetch.Handler{}
	})

	resourceID := server.URL + "/a.png"
	params := newSizedParams(t, 100, 100)

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	_, err := env.node.Load(resourceID, params, consumer)
	require.NoError(t, err)

	outcome := listener.wait(t)
	require.Equal(t, LoadStateSucceeded, outcome.State)
	assert.Equal(t, 100, outcome.Resource.(*StdImage).GetImage().Bounds().Dx())

	info := NewTaskInfo(resourceID, params)
	assert.True(t, env.manager.GetMemoryCache().Contains(info.MemoryKey))

	entry := env.manager.GetDiskCacheManager().Get(info)
	env.manager.GetDiskCacheManager().Release()
	require.NotNil(t, entry)
	assert.Equal(t, int64(len(data)), entry.GetSize())

	// a memory hit is delivered before Load returns
	otherListener := newTestListener()
	otherConsumer := newTestConsumer(t, otherListener, nil)

	stub, err := env.node.Load(resourceID, params, otherConsumer)
	require.NoError(t, err)
	assert.Equal(t, LoadStateSucceeded, stub.State())

	outcome = otherListener.wait(t)
	assert.Equal(t, LoadStateSucceeded, outcome.State)
	assert.Equal(t, int32(1), requests.Load())
}

func testComponentManagerDiskCacheHit(t *testing.T) {
	env := newTestEnv(t, nil)
	resourceID := "http://images.test/a.png"

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	_, err := env.node.Load(resourceID, newSizedParams(t, 100, 100), consumer)
	require.NoError(t, err)
	require.Equal(t, LoadStateSucceeded, listener.wait(t).State)

	// another size misses the memory cache but shares the disk entry
	halfListener := newTestListener()
	halfConsumer := newTestConsumer(t, halfListener, nil)

	_, err = env.node.Load(resourceID, newSizedParams(t, 50, 50), halfConsumer)
	require.NoError(t, err)

	outcome := halfListener.wait(t)
	require.Equal(t, LoadStateSucceeded, outcome.State)
	assert.Equal(t, 50, outcome.Resource.(*StdImage).GetImage().Bounds().Dx())

	assert.Equal(t, int32(1), env.fetcher.calls.Load())
	assert.Equal(t, int32(2), env.decoder.calls.Load())
}

func testComponentManagerCancelTask(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan bool, 1)
	aborted := make(chan bool, 1)
	env.fetcher.fn = func(ctx context.Context, call int32, sink io.Sink) error {
		started <- true
		<-ctx.Done()
		aborted <- true
		return ctx.Err()
	}

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	<-started
	stub.Cancel()

	outcome := listener.wait(t)
	assert.Equal(t, LoadStateCanceled, outcome.State)
	assert.Equal(t, LoadStateCanceled, stub.State())

	select {
	case <-aborted:
	case <-time.After(testWaitTimeout):
		require.FailNow(t, "fetch was not aborted")
	}

	// the canceled task delivers to nobody
	listener.assertNoOutcome(t)

	assert.Eventually(t, func() bool {
		return env.manager.Inflight() == 0
	}, testWaitTimeout, 10*time.Millisecond)
}

func testComponentManagerCancelSharedStub(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan bool, 1)
	release := make(chan bool)
	env.fetcher.fn = blockingFetch(env.fetcher.data, started, release)

	resourceID := "http://images.test/a.png"

	firstListener := newTestListener()
	firstConsumer := newTestConsumer(t, firstListener, nil)
	first, err := env.node.Load(resourceID, nil, firstConsumer)
	require.NoError(t, err)

	secondListener := newTestListener()
	secondConsumer := newTestConsumer(t, secondListener, nil)
	second, err := env.node.Load(resourceID, nil, secondConsumer)
	require.NoError(t, err)

	<-started
	first.Cancel()
	assert.Equal(t, LoadStateCanceled, firstListener.wait(t).State)

	close(release)

	assert.Equal(t, LoadStateSucceeded, secondListener.wait(t).State)
	assert.Equal(t, LoadStateSucceeded, second.State())
	assert.Equal(t, LoadStateCanceled, first.State())
	assert.Equal(t, int32(1), env.fetcher.calls.Load())

	firstListener.assertNoOutcome(t)
}

func testComponentManagerRelaunch(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan bool, 2)
	data := env.fetcher.data
	env.fetcher.fn = func(ctx context.Context, call int32, sink io.Sink) error {
		if call == 1 {
			started <- true
			<-ctx.Done()
			return ctx.Err()
		}

		_, err := sink.Write(data)
		return err
	}

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	// relaunch is only allowed from canceled
	assert.False(t, stub.Relaunch())

	<-started
	stub.Cancel()
	require.Equal(t, LoadStateCanceled, listener.wait(t).State)

	assert.True(t, stub.Relaunch())
	assert.Equal(t, LoadStateSucceeded, listener.wait(t).State)
	assert.Equal(t, LoadStateSucceeded, stub.State())

	assert.False(t, stub.Relaunch())
	assert.Equal(t, int32(2), env.fetcher.calls.Load())
}

func testComponentManagerReload(t *testing.T) {
	env := newTestEnv(t, nil)

	data := env.fetcher.data
	env.fetcher.fn = func(ctx context.Context, call int32, sink io.Sink) error {
		if call == 1 {
			return assert.AnError
		}

		_, err := sink.Write(data)
		return err
	}

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	// the failure is not delivered while a reload remains
	assert.Equal(t, LoadStateSucceeded, listener.wait(t).State)
	assert.Equal(t, 1, stub.GetReloadCount())
	assert.Equal(t, int32(2), env.fetcher.calls.Load())
	assert.Equal(t, int32(1), env.exceptions.network.Load())
}

func testComponentManagerFailure(t *testing.T) {
	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		builder.SetReloadTimes(0)
	})

	env.fetcher.fn = func(ctx context.Context, call int32, sink io.Sink) error {
		return assert.AnError
	}

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	outcome := listener.wait(t)
	assert.Equal(t, LoadStateFailed, outcome.State)
	assert.ErrorIs(t, outcome.Err, assert.AnError)
	assert.Equal(t, LoadStateFailed, stub.State())
	assert.ErrorIs(t, stub.GetError(), assert.AnError)
	assert.Equal(t, int32(1), env.fetcher.calls.Load())

	// nothing was cached for the failed resource
	assert.Empty(t, env.manager.GetMemoryCache().GetKeys())
	entries, _ := env.manager.GetDiskCacheManager().GetStat()
	assert.Equal(t, 0, entries)
}

func testComponentManagerRenderFault(t *testing.T) {
	env := newTestEnv(t, nil)

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	first := listener.wait(t)
	require.Equal(t, LoadStateSucceeded, first.State)

	assert.True(t, stub.ReportRenderFault())
	assert.True(t, first.Resource.(*StdImage).IsReleased())

	second := listener.wait(t)
	require.Equal(t, LoadStateSucceeded, second.State)
	assert.NotSame(t, first.Resource.(*StdImage), second.Resource.(*StdImage))

	// reloaded from the disk cache
	assert.Equal(t, int32(1), env.fetcher.calls.Load())
	assert.Equal(t, int32(2), env.decoder.calls.Load())

	// the single reload attempt is used up
	assert.False(t, stub.ReportRenderFault())
}

func testComponentManagerLocalSource(t *testing.T) {
	env := newTestEnv(t, nil)

	path := filepath.Join(t.TempDir(), "local.png")
	require.NoError(t, os.WriteFile(path, makeTestPNG(t, 40, 30), 0600))

	for _, resourceID := range []string{path, "file://" + path} {
		listener := newTestListener()
		consumer := newTestConsumer(t, listener, nil)

		_, err := env.node.Load(resourceID, nil, consumer)
		require.NoError(t, err)

		outcome := listener.wait(t)
		require.Equal(t, LoadStateSucceeded, outcome.State)
		assert.Equal(t, 40, outcome.Resource.(*StdImage).GetImage().Bounds().Dx())
	}

	// local files never reach the fetcher or the disk cache
	assert.Equal(t, int32(0), env.fetcher.calls.Load())
	entries, _ := env.manager.GetDiskCacheManager().GetStat()
	assert.Equal(t, 0, entries)
}

func testComponentManagerLocalSourceMissing(t *testing.T) {
	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		builder.SetReloadTimes(0)
	})

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	_, err := env.node.Load(filepath.Join(t.TempDir(), "missing.png"), nil, consumer)
	require.NoError(t, err)

	outcome := listener.wait(t)
	assert.Equal(t, LoadStateFailed, outcome.State)
	assert.True(t, commons.IsSourceNotFoundError(outcome.Err))
	assert.Equal(t, int32(1), env.exceptions.localNotExists.Load())
}

func testComponentManagerMemoryBufferFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	env.manager.GetDiskCacheManager().SetHealthy(false)

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	resourceID := "http://images.test/a.png"
	_, err := env.node.Load(resourceID, nil, consumer)
	require.NoError(t, err)

	require.Equal(t, LoadStateSucceeded, listener.wait(t).State)

	// the buffered bytes were written back, restoring health
	assert.True(t, env.manager.GetDiskCacheManager().IsHealthy())

	info := NewTaskInfo(resourceID, &Params{})
	entry := env.manager.GetDiskCacheManager().Get(info)
	env.manager.GetDiskCacheManager().Release()
	require.NotNil(t, entry)
	assert.Equal(t, int64(len(env.fetcher.data)), entry.GetSize())
}

func testComponentManagerMemoryBufferOverLimit(t *testing.T) {
	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		builder.SetMemoryBufferLengthLimit(1024)
	})
	env.manager.GetDiskCacheManager().SetHealthy(false)

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	_, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	outcome := listener.wait(t)
	assert.Equal(t, LoadStateCanceled, outcome.State)
	assert.Equal(t, int32(1), env.exceptions.memoryBuffer.Load())
	assert.Equal(t, int32(0), env.decoder.calls.Load())
}

func testComponentManagerInterceptor(t *testing.T) {
	env := newTestEnv(t, nil)

	var original *StdImage
	interceptor := DecodeInterceptorFunc(func(resource cache.ImageResource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error) {
		original = resource.(*StdImage)
		return NewStdImage(subsample(original.GetImage(), 4), original.GetFormat()), nil
	})

	params, err := NewParamsBuilder().SetInterceptor(interceptor).Build()
	require.NoError(t, err)

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	_, err = env.node.Load("http://images.test/a.png", params, consumer)
	require.NoError(t, err)

	outcome := listener.wait(t)
	require.Equal(t, LoadStateSucceeded, outcome.State)
	assert.Equal(t, 25, outcome.Resource.(*StdImage).GetImage().Bounds().Dx())

	require.NotNil(t, original)
	assert.True(t, original.IsReleased())

	// an interceptor error fails the task
	failing := DecodeInterceptorFunc(func(resource cache.ImageResource, params *Params, info *commons.TaskInfo) (cache.ImageResource, error) {
		return nil, assert.AnError
	})

	failingParams, err := NewParamsBuilder().SetInterceptor(failing).SetRequestSize(10, 10).Build()
	require.NoError(t, err)

	failingListener := newTestListener()
	failingConsumer := newTestConsumer(t, failingListener, nil)

	_, err = env.node.Load("http://images.test/b.png", failingParams, failingConsumer)
	require.NoError(t, err)

	assert.Equal(t, LoadStateFailed, failingListener.wait(t).State)
	assert.GreaterOrEqual(t, env.exceptions.decode.Load(), int32(1))
}

func testComponentManagerInvalidLoad(t *testing.T) {
	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		builder.SetURLLengthLimit(64)
	})

	consumer := newTestConsumer(t, newTestListener(), nil)

	_, err := env.node.Load("", nil, consumer)
	assert.Error(t, err)

	_, err = env.node.Load("http://images.test/"+strings.Repeat("a", 64), nil, consumer)
	assert.Error(t, err)

	_, err = env.node.Load("ftp://images.test/a.png", nil, consumer)
	assert.True(t, commons.IsUnsupportedSourceError(err))

	_, err = env.node.Load("http://images.test/a.png", nil, nil)
	assert.Error(t, err)

	consumer.Destroy()
	_, err = env.node.Load("http://images.test/a.png", nil, consumer)
	assert.Error(t, err)
}

func testComponentManagerRebinding(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan bool, 4)
	release := make(chan bool)
	env.fetcher.fn = blockingFetch(env.fetcher.data, started, release)
	defer close(release)

	consumer := newTestConsumer(t, newTestListener(), nil)

	skip, err := NewParamsBuilder().SetSkipSameKeyInSameConsumer(true).Build()
	require.NoError(t, err)

	first, err := env.node.Load("http://images.test/a.png", skip, consumer)
	require.NoError(t, err)

	second, err := env.node.Load("http://images.test/a.png", skip, consumer)
	require.NoError(t, err)
	assert.Same(t, first, second)

	third, err := env.node.Load("http://images.test/b.png", skip, consumer)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, LoadStateDestroyed, first.State())
	assert.Same(t, third, consumer.GetStub())
	assert.Equal(t, 1, env.node.Len())
}

func testComponentManagerConsumerDestroyed(t *testing.T) {
	env := newTestEnv(t, nil)

	started := make(chan bool, 1)
	aborted := make(chan bool, 1)
	env.fetcher.fn = func(ctx context.Context, call int32, sink io.Sink) error {
		started <- true
		<-ctx.Done()
		aborted <- true
		return ctx.Err()
	}

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	<-started
	consumer.Destroy()

	assert.Equal(t, LoadStateDestroyed, stub.State())
	assert.Nil(t, consumer.GetStub())

	select {
	case <-aborted:
	case <-time.After(testWaitTimeout):
		require.FailNow(t, "fetch was not aborted")
	}

	listener.assertNoOutcome(t)
}

func testComponentManagerNodeDestroy(t *testing.T) {
	env := newTestEnv(t, nil)

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)
	require.Equal(t, LoadStateSucceeded, listener.wait(t).State)

	key := stub.GetMemoryKey()
	assert.Equal(t, 1, env.node.Len())

	env.node.Destroy()
	assert.Equal(t, LoadStateDestroyed, stub.State())
	assert.Equal(t, 0, env.node.Len())

	// the resource stays cached but is no longer in use
	assert.True(t, env.manager.GetMemoryCache().Contains(key))

	_, err = env.node.Load("http://images.test/a.png", nil, consumer)
	assert.Error(t, err)
}

func testComponentManagerQueueDispatcher(t *testing.T) {
	env := newTestEnv(t, nil)

	dispatcher := NewQueueDispatcher()
	listener := newTestListener()
	consumer := newTestConsumer(t, listener, dispatcher)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return stub.State() == LoadStateSucceeded
	}, testWaitTimeout, 10*time.Millisecond)

	// nothing reaches the listener until the owner drains the queue
	listener.assertNoOutcome(t)

	<-dispatcher.Ready()
	assert.Equal(t, 1, dispatcher.Drain())
	assert.Equal(t, LoadStateSucceeded, listener.wait(t).State)
}

func testComponentManagerCancelWhileCaching(t *testing.T) {
	env := newTestEnv(t, nil)

	sizing := make(chan bool, 1)
	release := make(chan bool)
	env.resources.gate = func() {
		select {
		case sizing <- true:
		default:
		}
		<-release
	}

	listener := newTestListener()
	consumer := newTestConsumer(t, listener, nil)

	stub, err := env.node.Load("http://images.test/a.png", nil, consumer)
	require.NoError(t, err)

	// the task is inside the memory cache put when its last stub leaves
	<-sizing
	stub.Cancel()

	outcome := listener.wait(t)
	assert.Equal(t, LoadStateCanceled, outcome.State)

	close(release)
	assert.Eventually(t, func() bool {
		return env.manager.Inflight() == 0
	}, testWaitTimeout, 10*time.Millisecond)

	// nobody took the resource, so it must not stay pinned
	memoryCache := env.manager.GetMemoryCache()
	assert.Len(t, memoryCache.GetKeys(), 1)
	memoryCache.ClearUnused()
	assert.Empty(t, memoryCache.GetKeys())
	listener.assertNoOutcome(t)
}

func testComponentManagerIndispensableJoiner(t *testing.T) {
	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		builder.SetLoadMaxThreads(2, 1).
			SetNetworkTimeouts(time.Second, time.Second)
	})

	started := make(chan bool, 2)
	release := make(chan bool)
	env.fetcher.fn = blockingFetch(env.fetcher.data, started, release)

	plain, err := NewParamsBuilder().Build()
	require.NoError(t, err)
	indispensable, err := NewParamsBuilder().SetIndispensable(true).Build()
	require.NoError(t, err)

	// the blocker holds the only network slot, so the shared task waits before building its request
	blockerURL := "http://images.test/blocker.png"
	blockerListener := newTestListener()
	_, err = env.node.Load(blockerURL, plain, newTestConsumer(t, blockerListener, nil))
	require.NoError(t, err)
	<-started

	sharedURL := "http://images.test/shared.png"
	firstListener := newTestListener()
	first, err := env.node.Load(sharedURL, plain, newTestConsumer(t, firstListener, nil))
	require.NoError(t, err)

	key := NewTaskInfo(sharedURL, plain).MemoryKey
	task := env.manager.ledger.Get(key)
	require.NotNil(t, task)
	assert.False(t, task.IsIndispensable())

	secondListener := newTestListener()
	second, err := env.node.Load(sharedURL, indispensable, newTestConsumer(t, secondListener, nil))
	require.NoError(t, err)
	assert.Same(t, task, env.manager.ledger.Get(key))
	assert.True(t, task.IsIndispensable())

	close(release)

	assert.Equal(t, LoadStateSucceeded, blockerListener.wait(t).State)
	assert.Equal(t, LoadStateSucceeded, firstListener.wait(t).State)
	assert.Equal(t, LoadStateSucceeded, secondListener.wait(t).State)
	assert.Equal(t, LoadStateSucceeded, first.State())
	assert.Equal(t, LoadStateSucceeded, second.State())
	assert.Equal(t, int32(2), env.fetcher.calls.Load())

	blockerRequest := env.fetcher.lastRequest(blockerURL)
	require.NotNil(t, blockerRequest)
	assert.Equal(t, time.Second, blockerRequest.ReadTimeout)

	sharedRequest := env.fetcher.lastRequest(sharedURL)
	require.NotNil(t, sharedRequest)
	assert.Equal(t, 2*time.Second, sharedRequest.ConnectTimeout)
	assert.Equal(t, 2*time.Second, sharedRequest.ReadTimeout)
	assert.True(t, sharedRequest.Info.Indispensable)
}

func testComponentManagerQuarantineOverflow(t *testing.T) {
	env := newTestEnv(t, func(builder *ServerSettingsBuilder) {
		builder.SetMemoryCacheSize(2*1024*1024, 1024*1024)
	})

	// both stay in use, nothing ever marks them unused
	small := NewStdImage(image.NewNRGBA(image.Rect(0, 0, 500, 500)), "png")
	large := NewStdImage(image.NewNRGBA(image.Rect(0, 0, 700, 700)), "png")

	env.manager.putMemoryCache("small", small)
	env.manager.putMemoryCache("large", large)
	assert.Equal(t, int32(0), env.exceptions.memoryCache.Load())
	assert.Equal(t, small.GetByteSize(), env.manager.GetMemoryCache().GetQuarantineSize())

	// restoring small pushes the in use large into a quarantine too small for it
	assert.Panics(t, func() {
		env.manager.getMemoryCache("small")
	})
	assert.Equal(t, int32(1), env.exceptions.memoryCache.Load())
}
