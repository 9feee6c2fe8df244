package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/io"
	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

var (
	errNullContent = xerrors.New("source returned no content")
)

// NetworkProfileFunc reports the current network profile
type NetworkProfileFunc func() NetworkProfile

// EngineConfig configures an Engine
type EngineConfig struct {
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	DataLengthLimit    int64
	MaxConcurrent      int
	SpeedCheckInterval time.Duration
	LowSpeedStrategy   *LowSpeedStrategy
	NetworkProfileFunc NetworkProfileFunc
}

// Engine dispatches fetches to per source type handlers and watches them
type Engine struct {
	config           EngineConfig
	exceptionHandler commons.ExceptionHandler
	handlers         map[commons.SourceType]Handler
	semaphore        *semaphore.Weighted
	mutex            sync.RWMutex
}

// NewEngine creates an Engine without handlers
func NewEngine(config EngineConfig, exceptionHandler commons.ExceptionHandler) *Engine {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = commons.NetworkLoadMaxThreadDefault
	}

	if config.SpeedCheckInterval <= 0 {
		config.SpeedCheckInterval = commons.SpeedCheckIntervalDefault
	}

	if config.LowSpeedStrategy == nil {
		config.LowSpeedStrategy = NewDefaultLowSpeedStrategy()
	}

	if config.NetworkProfileFunc == nil {
		config.NetworkProfileFunc = func() NetworkProfile {
			return NetworkProfileFast
		}
	}

	return &Engine{
		config:           config,
		exceptionHandler: exceptionHandler,
		handlers:         map[commons.SourceType]Handler{},
		semaphore:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// RegisterHandler sets the handler for a source type
func (engine *Engine) RegisterHandler(sourceType commons.SourceType, handler Handler) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	engine.handlers[sourceType] = handler
}

func (engine *Engine) getHandler(sourceType commons.SourceType) Handler {
	engine.mutex.RLock()
	defer engine.mutex.RUnlock()

	return engine.handlers[sourceType]
}

// HasHandler tests if a handler is registered for the source type
func (engine *Engine) HasHandler(sourceType commons.SourceType) bool {
	return engine.getHandler(sourceType) != nil
}

// GetTimeouts returns connect and read timeouts, doubled for indispensable requests
func (engine *Engine) GetTimeouts(indispensable bool) (time.Duration, time.Duration) {
	if indispensable {
		return engine.config.ConnectTimeout * 2, engine.config.ReadTimeout * 2
	}
	return engine.config.ConnectTimeout, engine.config.ReadTimeout
}

// Fetch acquires the resource of info into sink
func (engine *Engine) Fetch(ctx context.Context, info *commons.TaskInfo, sink io.Sink) *FetchOutcome {
	return engine.FetchFor(ctx, info, sink, nil)
}

// FetchFor is Fetch for a shared task whose requesters may turn it indispensable while it runs.
// indispensable is read when the request is built and on every speed check.
func (engine *Engine) FetchFor(ctx context.Context, info *commons.TaskInfo, sink io.Sink, indispensable func() bool) *FetchOutcome {
	logger := log.WithFields(log.Fields{
		"package":  "fetch",
		"struct":   "Engine",
		"function": "Fetch",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	startTime := time.Now()
	progress := NewProgress()

	handler := engine.getHandler(info.SourceType)
	if handler == nil {
		err := commons.NewUnsupportedSourceError(info.SourceType)
		engine.exceptionHandler.OnNetworkLoadException(info, err)
		return engine.makeOutcome(ResultFailed, err, progress, startTime)
	}

	err := engine.semaphore.Acquire(ctx, 1)
	if err != nil {
		return engine.makeOutcome(ResultCanceled, err, progress, startTime)
	}
	defer engine.semaphore.Release(1)

	// queueing time is not transfer time
	startTime = time.Now()

	isIndispensable := func() bool {
		return info.Indispensable || (indispensable != nil && indispensable())
	}

	connectTimeout, readTimeout := engine.GetTimeouts(isIndispensable())
	request := &Request{
		Info:            info,
		URL:             info.ResourceID,
		ConnectTimeout:  connectTimeout,
		ReadTimeout:     readTimeout,
		DataLengthLimit: engine.config.DataLengthLimit,
		Progress:        progress,
	}

	fetchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watcherDone := make(chan bool)
	stopWatcher := make(chan bool)
	go func() {
		defer close(watcherDone)
		engine.watchSpeed(fetchCtx, cancel, info, isIndispensable, progress, startTime, stopWatcher)
	}()

	metered := newMeteredSink(fetchCtx, sink, progress, engine.config.DataLengthLimit)
	logger.Debugf("Fetching %q (task %s)", info.ResourceID, info.TaskID)
	err = handler.Fetch(fetchCtx, request, metered)

	close(stopWatcher)
	<-watcherDone

	return engine.classify(ctx, fetchCtx, info, err, progress, startTime)
}

func (engine *Engine) makeOutcome(result Result, err error, progress *Progress, startTime time.Time) *FetchOutcome {
	return &FetchOutcome{
		Result:  result,
		Err:     err,
		Loaded:  progress.GetLoaded(),
		Total:   progress.GetTotal(),
		Elapsed: time.Since(startTime),
	}
}

// watchSpeed judges the transfer periodically, so stalled reads are caught too
func (engine *Engine) watchSpeed(ctx context.Context, cancel context.CancelCauseFunc, info *commons.TaskInfo, isIndispensable func() bool, progress *Progress, startTime time.Time, stop chan bool) {
	indispensable := isIndispensable()
	lowSpeedConfig := engine.config.LowSpeedStrategy.GetConfig(engine.config.NetworkProfileFunc(), indispensable)
	checker := NewSpeedChecker(lowSpeedConfig, startTime)

	ticker := time.NewTicker(engine.config.SpeedCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !indispensable && isIndispensable() {
				// an indispensable requester joined, judge the whole transfer with its profile
				indispensable = true
				lowSpeedConfig = engine.config.LowSpeedStrategy.GetConfig(engine.config.NetworkProfileFunc(), true)
				checker = NewSpeedChecker(lowSpeedConfig, startTime)
			}

			verdict := checker.Check(now, progress.GetLoaded(), progress.GetTotal())
			if !verdict.Slow {
				continue
			}

			if engine.exceptionHandler.HandleLowNetworkSpeedEvent(info, verdict.Elapsed, verdict.Speed) {
				cancel(commons.NewLowNetworkSpeedError(verdict.Elapsed, verdict.Speed))
				return
			}

			// handler chose to continue, judge again with a fresh window
			checker = NewSpeedChecker(lowSpeedConfig, now)
		}
	}
}

// classify maps a handler result to an outcome and reports it
func (engine *Engine) classify(ctx context.Context, fetchCtx context.Context, info *commons.TaskInfo, err error, progress *Progress, startTime time.Time) *FetchOutcome {
	cause := context.Cause(fetchCtx)

	if err == nil {
		if progress.GetLoaded() == 0 {
			engine.exceptionHandler.OnNetworkLoadException(info, errNullContent)
			return engine.makeOutcome(ResultFailed, errNullContent, progress, startTime)
		}
		return engine.makeOutcome(ResultSucceeded, nil, progress, startTime)
	}

	if commons.IsLowNetworkSpeedError(cause) {
		// already reported through HandleLowNetworkSpeedEvent
		return engine.makeOutcome(ResultCanceled, cause, progress, startTime)
	}

	if ctx.Err() != nil {
		return engine.makeOutcome(ResultCanceled, context.Cause(ctx), progress, startTime)
	}

	var lengthErr *commons.DataLengthExceededError
	if errors.As(err, &lengthErr) {
		engine.exceptionHandler.OnDataLengthOutOfLimitException(info, lengthErr.Length, lengthErr.Limit)
		return engine.makeOutcome(ResultCanceled, err, progress, startTime)
	}

	var bufferErr *commons.MemoryBufferExceededError
	if errors.As(err, &bufferErr) {
		engine.exceptionHandler.OnMemoryBufferLengthOutOfLimitException(info, bufferErr.Length, bufferErr.Limit)
		return engine.makeOutcome(ResultCanceled, err, progress, startTime)
	}

	if commons.IsRangeInconsistencyError(err) {
		engine.exceptionHandler.OnRangeInconsistencyException(info, err)
		return engine.makeOutcome(ResultFailed, err, progress, startTime)
	}

	if commons.IsSinkError(err) {
		engine.exceptionHandler.OnDiskCacheWriteException(info, err)
		return engine.makeOutcome(ResultFailed, err, progress, startTime)
	}

	engine.exceptionHandler.OnNetworkLoadException(info, err)
	return engine.makeOutcome(ResultFailed, err, progress, startTime)
}
