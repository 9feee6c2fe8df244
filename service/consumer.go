package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cyverse/imageloader/service/cache"
	"github.com/rs/xid"
)

// LoadListener receives the outcome of a stub
type LoadListener interface {
	OnLoadSucceeded(stub *Stub, resource cache.ImageResource)
	OnLoadFailed(stub *Stub, err error)
	OnLoadCanceled(stub *Stub)
}

// LoadListenerFunc adapts a function to LoadListener
type LoadListenerFunc func(stub *Stub, outcome *Outcome)

func (f LoadListenerFunc) OnLoadSucceeded(stub *Stub, resource cache.ImageResource) {
	f(stub, newSucceededOutcome(resource))
}

func (f LoadListenerFunc) OnLoadFailed(stub *Stub, err error) {
	f(stub, newFailedOutcome(err))
}

func (f LoadListenerFunc) OnLoadCanceled(stub *Stub) {
	f(stub, newCanceledOutcome(context.Canceled))
}

// Dispatcher runs listener callbacks on the consumer's side
type Dispatcher interface {
	Dispatch(fn func())
}

// DirectDispatcher runs callbacks on the delivering goroutine
type DirectDispatcher struct{}

func (dispatcher DirectDispatcher) Dispatch(fn func()) {
	fn()
}

// QueueDispatcher queues callbacks until the owner drains them
type QueueDispatcher struct {
	queue []func()
	ready chan struct{}
	mutex sync.Mutex
}

func NewQueueDispatcher() *QueueDispatcher {
	return &QueueDispatcher{
		queue: []func(){},
		ready: make(chan struct{}, 1),
	}
}

func (dispatcher *QueueDispatcher) Dispatch(fn func()) {
	dispatcher.mutex.Lock()
	dispatcher.queue = append(dispatcher.queue, fn)
	dispatcher.mutex.Unlock()

	select {
	case dispatcher.ready <- struct{}{}:
	default:
	}
}

// Ready is signaled when callbacks are queued
func (dispatcher *QueueDispatcher) Ready() <-chan struct{} {
	return dispatcher.ready
}

// Drain runs the queued callbacks and returns how many ran
func (dispatcher *QueueDispatcher) Drain() int {
	dispatcher.mutex.Lock()
	queue := dispatcher.queue
	dispatcher.queue = []func(){}
	dispatcher.mutex.Unlock()

	for _, fn := range queue {
		fn()
	}
	return len(queue)
}

// Run drains the queue until ctx is done
func (dispatcher *QueueDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatcher.ready:
			dispatcher.Drain()
		}
	}
}

func (dispatcher *QueueDispatcher) Len() int {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()

	return len(dispatcher.queue)
}

// ConsumerHandle is the render target a stub delivers to.
// Stubs keep only a weak reference, a collected or destroyed handle stops delivery.
type ConsumerHandle struct {
	id         string
	listener   LoadListener
	dispatcher Dispatcher
	stub       *Stub
	destroyed  atomic.Bool
	mutex      sync.Mutex
}

// NewConsumerHandle creates a handle, a nil dispatcher means DirectDispatcher
func NewConsumerHandle(listener LoadListener, dispatcher Dispatcher) *ConsumerHandle {
	if dispatcher == nil {
		dispatcher = DirectDispatcher{}
	}

	return &ConsumerHandle{
		id:         xid.New().String(),
		listener:   listener,
		dispatcher: dispatcher,
	}
}

func (consumer *ConsumerHandle) GetID() string {
	return consumer.id
}

// GetStub returns the stub currently bound, nil if none
func (consumer *ConsumerHandle) GetStub() *Stub {
	consumer.mutex.Lock()
	defer consumer.mutex.Unlock()

	return consumer.stub
}

func (consumer *ConsumerHandle) IsDestroyed() bool {
	return consumer.destroyed.Load()
}

// Destroy releases the bound stub, no callback is delivered afterwards
func (consumer *ConsumerHandle) Destroy() {
	if !consumer.destroyed.CompareAndSwap(false, true) {
		return
	}

	consumer.mutex.Lock()
	stub := consumer.stub
	consumer.stub = nil
	consumer.mutex.Unlock()

	if stub != nil {
		stub.Release()
	}
}

// bind makes the stub current and returns the previous one
func (consumer *ConsumerHandle) bind(stub *Stub) *Stub {
	consumer.mutex.Lock()
	defer consumer.mutex.Unlock()

	prev := consumer.stub
	consumer.stub = stub
	return prev
}

// unbind clears the stub if it is still current
func (consumer *ConsumerHandle) unbind(stub *Stub) {
	consumer.mutex.Lock()
	defer consumer.mutex.Unlock()

	if consumer.stub == stub {
		consumer.stub = nil
	}
}

// notify delivers the outcome of the stub through the dispatcher
func (consumer *ConsumerHandle) notify(stub *Stub, outcome *Outcome) {
	if consumer.listener == nil {
		return
	}

	consumer.dispatcher.Dispatch(func() {
		if consumer.IsDestroyed() {
			return
		}

		switch outcome.State {
		case LoadStateSucceeded:
			consumer.listener.OnLoadSucceeded(stub, outcome.Resource)
		case LoadStateFailed:
			consumer.listener.OnLoadFailed(stub, outcome.Err)
		case LoadStateCanceled:
			consumer.listener.OnLoadCanceled(stub)
		}
	})
}
