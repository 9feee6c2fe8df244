package service

import (
	"sync"
)

// TaskLedger maps memory keys to in-flight tasks
type TaskLedger struct {
	tasks map[string]*Task
	mutex sync.Mutex
}

func NewTaskLedger() *TaskLedger {
	return &TaskLedger{
		tasks: map[string]*Task{},
	}
}

// JoinExisting adds the member to the in-flight task of the key, nil if there is none or it stopped accepting
func (ledger *TaskLedger) JoinExisting(key string, member groupMember) *Task {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	task, ok := ledger.tasks[key]
	if !ok {
		return nil
	}

	if !task.GetGroup().Add(member) {
		return nil
	}
	return task
}

// JoinOrCreate joins the in-flight task of the key, or registers a new one made by create.
// The second return value is true if the task was created and must be started by the caller.
func (ledger *TaskLedger) JoinOrCreate(key string, member groupMember, create func() *Task) (*Task, bool) {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	if task, ok := ledger.tasks[key]; ok {
		if task.GetGroup().Add(member) {
			return task, false
		}
	}

	// no task, or one that is delivering or was abandoned
	task := create()
	task.GetGroup().Add(member)
	ledger.tasks[key] = task
	return task, true
}

// Unregister removes the task if it is still the one registered for the key
func (ledger *TaskLedger) Unregister(key string, task *Task) bool {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	if current, ok := ledger.tasks[key]; ok && current == task {
		delete(ledger.tasks, key)
		return true
	}
	return false
}

func (ledger *TaskLedger) Get(key string) *Task {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	return ledger.tasks[key]
}

func (ledger *TaskLedger) Len() int {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	return len(ledger.tasks)
}

// CancelAll cancels every in-flight task
func (ledger *TaskLedger) CancelAll() {
	ledger.mutex.Lock()
	tasks := make([]*Task, 0, len(ledger.tasks))
	for _, task := range ledger.tasks {
		tasks = append(tasks, task)
	}
	ledger.mutex.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
}
