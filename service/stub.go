package service

import (
	"context"
	"sync"
	"weak"

	"github.com/cyverse/imageloader/commons"
	"github.com/cyverse/imageloader/service/cache"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// Stub is the consumer facing handle of one load request
type Stub struct {
	id       string
	manager  *ComponentManager
	node     *Node
	info     *commons.TaskInfo
	params   *Params
	consumer weak.Pointer[ConsumerHandle]

	task        *Task
	state       LoadState
	resource    cache.ImageResource
	err         error
	reloadCount int
	mutex       sync.Mutex
}

func newStub(manager *ComponentManager, node *Node, info *commons.TaskInfo, params *Params, consumer *ConsumerHandle) *Stub {
	return &Stub{
		id:       xid.New().String(),
		manager:  manager,
		node:     node,
		info:     info,
		params:   params,
		consumer: weak.Make(consumer),
		state:    LoadStateBeforeInit,
	}
}

func (stub *Stub) GetID() string {
	return stub.id
}

func (stub *Stub) GetResourceID() string {
	return stub.info.ResourceID
}

func (stub *Stub) GetMemoryKey() string {
	return stub.info.MemoryKey
}

func (stub *Stub) GetDiskKey() string {
	return stub.info.DiskKey
}

func (stub *Stub) GetSourceType() commons.SourceType {
	return stub.info.SourceType
}

func (stub *Stub) GetParams() *Params {
	return stub.params
}

func (stub *Stub) State() LoadState {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()

	return stub.state
}

// GetResource returns the delivered resource, ok is false unless the stub succeeded
func (stub *Stub) GetResource() (cache.ImageResource, bool) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()

	if stub.state != LoadStateSucceeded {
		return nil, false
	}
	return stub.resource, true
}

// GetError returns the error of a failed or canceled stub
func (stub *Stub) GetError() error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()

	return stub.err
}

func (stub *Stub) GetReloadCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()

	return stub.reloadCount
}

// getConsumer returns the consumer if it is still alive
func (stub *Stub) getConsumer() *ConsumerHandle {
	consumer := stub.consumer.Value()
	if consumer == nil || consumer.IsDestroyed() {
		return nil
	}
	return consumer
}

// bind moves a fresh stub to Initialized
func (stub *Stub) bind() bool {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()

	if stub.state != LoadStateBeforeInit {
		return false
	}

	stub.state = LoadStateInitialized
	return true
}

// deliver applies the outcome of the task the stub is waiting on.
// It returns false when the stub moved on or its consumer is gone, so a Succeeded outcome was not taken.
// A nil task is the synchronous memory hit path.
func (stub *Stub) deliver(task *Task, outcome *Outcome) bool {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Stub",
		"function": "deliver",
	})

	stub.mutex.Lock()
	if stub.state != LoadStateLoading || stub.task != task {
		stub.mutex.Unlock()
		return false
	}

	stub.task = nil

	consumer := stub.getConsumer()
	if consumer == nil {
		// nobody holds the resource through this stub
		stub.state = LoadStateDestroyed
		stub.mutex.Unlock()
		return false
	}

	if outcome.State == LoadStateFailed && stub.reloadCount < stub.manager.settings.ReloadTimes {
		stub.reloadCount++
		stub.state = LoadStateInitialized
		reloadCount := stub.reloadCount
		stub.mutex.Unlock()

		logger.Debugf("reloading %q after failure (attempt %d): %v", stub.info.ResourceID, reloadCount, outcome.Err)
		stub.manager.launch(stub)
		return true
	}

	stub.state = outcome.State
	stub.resource = outcome.Resource
	stub.err = outcome.Err
	stub.mutex.Unlock()

	consumer.notify(stub, outcome)
	return true
}

// Cancel stops waiting. The shared task is canceled only when this was its last stub.
func (stub *Stub) Cancel() {
	if stub.cancel() {
		if consumer := stub.getConsumer(); consumer != nil {
			consumer.notify(stub, newCanceledOutcome(context.Canceled))
		}
	}
}

// cancel leaves the group of the current task, returns true if the stub was loading
func (stub *Stub) cancel() bool {
	stub.mutex.Lock()
	if stub.state != LoadStateLoading {
		stub.mutex.Unlock()
		return false
	}

	task := stub.task
	stub.task = nil
	stub.state = LoadStateCanceled
	stub.err = context.Canceled
	stub.mutex.Unlock()

	if task != nil {
		remaining, removed := task.GetGroup().Remove(stub)
		if removed && remaining == 0 {
			task.Cancel()
		}
	}
	return true
}

// Relaunch restarts a canceled stub, returns false in any other state
func (stub *Stub) Relaunch() bool {
	stub.mutex.Lock()
	if stub.state != LoadStateCanceled {
		stub.mutex.Unlock()
		return false
	}

	stub.state = LoadStateInitialized
	stub.err = nil
	stub.mutex.Unlock()

	stub.manager.launch(stub)
	return true
}

// ReportRenderFault drops the invalid cached resource and reloads while attempts remain
func (stub *Stub) ReportRenderFault() bool {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Stub",
		"function": "ReportRenderFault",
	})

	stub.mutex.Lock()
	if stub.state != LoadStateSucceeded || stub.reloadCount >= stub.manager.settings.ReloadTimes {
		stub.mutex.Unlock()
		return false
	}

	stub.reloadCount++
	stub.state = LoadStateInitialized
	stub.resource = nil
	stub.mutex.Unlock()

	logger.Infof("render fault on %q, reloading", stub.info.ResourceID)

	stub.manager.memoryCache.Remove(stub.info.MemoryKey)
	stub.manager.launch(stub)
	return true
}

// Release cancels a pending load, unmarks the resource and destroys the stub
func (stub *Stub) Release() {
	stub.cancel()

	stub.mutex.Lock()
	if stub.state == LoadStateDestroyed {
		stub.mutex.Unlock()
		return
	}

	prevState := stub.state
	stub.state = LoadStateDestroyed
	stub.resource = nil
	stub.mutex.Unlock()

	if prevState == LoadStateSucceeded {
		stub.manager.memoryCache.MarkUnused(stub.info.MemoryKey)
	}

	if stub.node != nil {
		stub.node.removeStub(stub)
	}

	if consumer := stub.consumer.Value(); consumer != nil {
		consumer.unbind(stub)
	}
}
