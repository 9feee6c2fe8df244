package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cyverse/imageloader/commons"
	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// WarmResult is the outcome of warming one resource
type WarmResult struct {
	ResourceID string
	State      LoadState
	Err        error
	ByteSize   int64
	Elapsed    time.Duration
}

// ImageLoaderService runs a ComponentManager for the command line, reporting stats periodically
type ImageLoaderService struct {
	config        *commons.Config
	manager       *ComponentManager
	node          *Node
	terminateChan chan bool
	terminated    bool
	mutex         sync.Mutex // for termination
}

// NewImageLoaderService creates a service that configures the manager from the config
func NewImageLoaderService(config *commons.Config, manager *ComponentManager) (*ImageLoaderService, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"function": "NewImageLoaderService",
	})

	settings, err := NewServerSettingsBuilderFromConfig(config, NewStdDecodeHandler(), NewStdResourceHandler()).Build()
	if err != nil {
		logger.WithError(err).Error("failed to build server settings")
		return nil, err
	}

	if !manager.Configure(settings) {
		logger.Warn("component manager is already initialized, running with its settings")
	}

	node, err := manager.NewNode()
	if err != nil {
		logger.WithError(err).Error("failed to create a node")
		return nil, err
	}

	return &ImageLoaderService{
		config:        config,
		manager:       manager,
		node:          node,
		terminateChan: make(chan bool),
	}, nil
}

func (svc *ImageLoaderService) GetManager() *ComponentManager {
	return svc.manager
}

// Start starts the stat reporter
func (svc *ImageLoaderService) Start() error {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ImageLoaderService",
		"function": "Start",
	})

	logger.Info("Starting the image loader service")

	interval := svc.config.GetStatReportInterval()
	if interval <= 0 {
		interval = commons.StatReportIntervalDefault
	}

	go func() {
		logger := log.WithFields(log.Fields{
			"package": "service",
			"struct":  "ImageLoaderService",
		})

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-svc.terminateChan:
				// terminate
				return
			case <-ticker.C:
				svc.manager.CollectPrometheusMetrics()
				logger.Info(svc.manager.Report())
			}
		}
	}()

	return nil
}

// Warm loads every resource into the caches and waits for all outcomes.
// Canceling ctx cancels the loads still pending.
func (svc *ImageLoaderService) Warm(ctx context.Context, resourceIDs []string, params *Params) []*WarmResult {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ImageLoaderService",
		"function": "Warm",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	results := make([]*WarmResult, len(resourceIDs))
	consumers := make([]*ConsumerHandle, len(resourceIDs))
	stubs := make([]*Stub, len(resourceIDs))

	wg := sync.WaitGroup{}

	for idx, resourceID := range resourceIDs {
		result := &WarmResult{
			ResourceID: resourceID,
			State:      LoadStateInitialized,
		}
		results[idx] = result

		startTime := time.Now()
		done := sync.Once{}
		wg.Add(1)

		finish := func(state LoadState, byteSize int64, err error) {
			done.Do(func() {
				result.State = state
				result.ByteSize = byteSize
				result.Err = err
				result.Elapsed = time.Since(startTime)
				wg.Done()
			})
		}

		consumers[idx] = NewConsumerHandle(LoadListenerFunc(func(stub *Stub, outcome *Outcome) {
			byteSize := int64(0)
			if outcome.State == LoadStateSucceeded {
				byteSize = svc.manager.settings.ResourceHandler.ByteSizeOf(outcome.Resource)
			}
			finish(outcome.State, byteSize, outcome.Err)
		}), nil)

		stub, err := svc.node.Load(resourceID, params, consumers[idx])
		if err != nil {
			logger.WithError(err).Errorf("failed to load %q", resourceID)
			finish(LoadStateFailed, 0, err)
			continue
		}
		stubs[idx] = stub
	}

	waitChan := make(chan bool)
	go func() {
		wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
	case <-ctx.Done():
		for _, stub := range stubs {
			if stub != nil {
				stub.Cancel()
			}
		}
		<-waitChan
	}

	// warmed resources are not rendered, let the memory cache evict them
	for _, stub := range stubs {
		if stub != nil {
			stub.Release()
		}
	}

	// stubs only hold weak references to their consumers
	runtime.KeepAlive(consumers)
	return results
}

// Destroy stops the stat reporter and shuts the manager down
func (svc *ImageLoaderService) Destroy() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	if svc.terminated {
		// already terminated
		return
	}

	svc.terminated = true

	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "ImageLoaderService",
		"function": "Destroy",
	})

	logger.Info("Destroying the image loader service")
	close(svc.terminateChan)

	svc.node.Destroy()
	svc.manager.CollectPrometheusMetrics()
	svc.manager.Shutdown()
}

// CountWarmResults counts results per state
func CountWarmResults(results []*WarmResult) map[LoadState]int {
	counts := map[LoadState]int{}
	for _, result := range results {
		counts[result.State]++
	}
	return counts
}

// FirstWarmError returns the first error among failed results
func FirstWarmError(results []*WarmResult) error {
	for _, result := range results {
		if result.State == LoadStateFailed {
			if result.Err != nil {
				return xerrors.Errorf("failed to warm %q: %w", result.ResourceID, result.Err)
			}
			return xerrors.Errorf("failed to warm %q", result.ResourceID)
		}
	}
	return nil
}
