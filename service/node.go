package service

import (
	"sync"

	"github.com/cyverse/imageloader/commons"
	irodsfs_common_utils "github.com/cyverse/irodsfs-common/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Node is a scope of load requests, destroying it releases every stub it made
type Node struct {
	id        string
	manager   *ComponentManager
	stubs     map[string]*Stub
	destroyed bool
	mutex     sync.Mutex
}

func newNode(manager *ComponentManager) *Node {
	return &Node{
		id:      xid.New().String(),
		manager: manager,
		stubs:   map[string]*Stub{},
	}
}

func (node *Node) GetID() string {
	return node.id
}

// Len returns the number of live stubs
func (node *Node) Len() int {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	return len(node.stubs)
}

// Load requests the resource for the consumer and returns the stub tracking it.
// A previous stub of the consumer is released, or reused when SkipSameKeyInSameConsumer is set and the keys match.
func (node *Node) Load(resourceID string, params *Params, consumer *ConsumerHandle) (*Stub, error) {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Node",
		"function": "Load",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	if len(resourceID) == 0 {
		return nil, xerrors.Errorf("empty resource id")
	}

	if len(resourceID) > node.manager.settings.URLLengthLimit {
		return nil, xerrors.Errorf("resource id length %d exceeds limit %d", len(resourceID), node.manager.settings.URLLengthLimit)
	}

	if consumer == nil || consumer.IsDestroyed() {
		return nil, xerrors.Errorf("consumer is nil or destroyed")
	}

	if params == nil {
		defaultParams, err := NewParamsBuilder().Build()
		if err != nil {
			return nil, err
		}
		params = defaultParams
	}

	info := NewTaskInfo(resourceID, params)
	if info.SourceType == commons.SourceTypeUnknown {
		return nil, commons.NewUnsupportedSourceError(info.SourceType)
	}

	node.mutex.Lock()
	if node.destroyed {
		node.mutex.Unlock()
		return nil, xerrors.Errorf("node %q is destroyed", node.id)
	}
	node.mutex.Unlock()

	if prev := consumer.GetStub(); prev != nil {
		if params.IsSkipSameKeyInSameConsumer() && prev.GetMemoryKey() == info.MemoryKey {
			state := prev.State()
			if state == LoadStateLoading || state == LoadStateSucceeded {
				logger.Debugf("reusing stub %q for %q", prev.GetID(), resourceID)
				return prev, nil
			}
		}
	}

	stub := newStub(node.manager, node, info, params, consumer)
	stub.bind()

	node.mutex.Lock()
	if node.destroyed {
		node.mutex.Unlock()
		return nil, xerrors.Errorf("node %q is destroyed", node.id)
	}
	node.stubs[stub.GetID()] = stub
	node.mutex.Unlock()

	if prev := consumer.bind(stub); prev != nil && prev != stub {
		prev.Release()
	}

	node.manager.launch(stub)
	return stub, nil
}

func (node *Node) removeStub(stub *Stub) {
	node.mutex.Lock()
	defer node.mutex.Unlock()

	delete(node.stubs, stub.GetID())
}

// Destroy releases every stub of the node, later loads fail
func (node *Node) Destroy() {
	logger := log.WithFields(log.Fields{
		"package":  "service",
		"struct":   "Node",
		"function": "Destroy",
	})

	defer irodsfs_common_utils.StackTraceFromPanic(logger)

	node.mutex.Lock()
	if node.destroyed {
		node.mutex.Unlock()
		return
	}

	node.destroyed = true
	stubs := make([]*Stub, 0, len(node.stubs))
	for _, stub := range node.stubs {
		stubs = append(stubs, stub)
	}
	node.mutex.Unlock()

	logger.Debugf("destroying node %q with %d stubs", node.id, len(stubs))

	for _, stub := range stubs {
		stub.Release()
	}
}
