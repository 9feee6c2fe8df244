package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cyverse/imageloader/commons"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// Task is the unit of work for one memory key, shared by every stub in its group
type Task struct {
	id     string
	info   commons.TaskInfo
	params *Params
	group  *RequestGroup
	ctx    context.Context
	cancel context.CancelFunc

	// set once any stub of the group is indispensable
	indispensable atomic.Bool

	state LoadState
	mutex sync.Mutex
}

func newTask(ctx context.Context, info *commons.TaskInfo, params *Params) *Task {
	taskCtx, cancel := context.WithCancel(ctx)

	task := &Task{
		id:     xid.New().String(),
		info:   *info,
		params: params,
		group:  newRequestGroup(),
		ctx:    taskCtx,
		cancel: cancel,
		state:  LoadStateInitialized,
	}

	task.info.TaskID = task.id
	task.indispensable.Store(info.Indispensable)
	return task
}

func (task *Task) GetID() string {
	return task.id
}

func (task *Task) GetMemoryKey() string {
	return task.info.MemoryKey
}

func (task *Task) GetParams() *Params {
	return task.params
}

func (task *Task) GetGroup() *RequestGroup {
	return task.group
}

func (task *Task) GetContext() context.Context {
	return task.ctx
}

func (task *Task) GetState() LoadState {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	return task.state
}

// markIndispensable upgrades the whole group, it never goes back
func (task *Task) markIndispensable() {
	task.indispensable.Store(true)
}

func (task *Task) IsIndispensable() bool {
	return task.indispensable.Load()
}

// infoForPhase returns a copy of the task info tagged with the phase.
// Each callback gets its own copy so the engine watcher never races the pipeline.
func (task *Task) infoForPhase(phase commons.TaskPhase) *commons.TaskInfo {
	info := task.info
	info.Phase = phase
	info.Indispensable = task.IsIndispensable()
	return &info
}

// start moves the task to Loading
func (task *Task) start() bool {
	task.mutex.Lock()
	defer task.mutex.Unlock()

	if task.state != LoadStateInitialized {
		return false
	}

	task.state = LoadStateLoading
	return true
}

// Cancel aborts the work of the task, its group still receives a Canceled outcome
func (task *Task) Cancel() {
	task.cancel()
}

// finish makes the single terminal transition and fans the outcome out.
// It returns the number of stubs that took the outcome.
func (task *Task) finish(outcome *Outcome) (int, error) {
	task.mutex.Lock()
	if task.state.IsTerminal() || task.state == LoadStateDestroyed {
		state := task.state
		task.mutex.Unlock()
		return 0, xerrors.Errorf("task %q already finished in state %s", task.id, state)
	}
	task.state = outcome.State
	task.mutex.Unlock()

	accepted, err := task.group.Deliver(task, outcome)

	task.mutex.Lock()
	task.state = LoadStateDestroyed
	task.mutex.Unlock()

	task.cancel()
	return accepted, err
}
