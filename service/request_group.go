package service

import (
	"sync"

	"golang.org/x/xerrors"
)

// groupMember receives the outcome of the task it waits on
type groupMember interface {
	deliver(task *Task, outcome *Outcome) bool
}

// RequestGroup is the set of stubs waiting on one Task.
// It delivers exactly once. A group emptied by cancellation is closed.
type RequestGroup struct {
	members   []groupMember
	delivered bool
	closed    bool
	mutex     sync.Mutex
}

func newRequestGroup() *RequestGroup {
	return &RequestGroup{
		members: []groupMember{},
	}
}

// Add joins the member, returns false if the group was delivered or closed
func (group *RequestGroup) Add(member groupMember) bool {
	group.mutex.Lock()
	defer group.mutex.Unlock()

	if group.delivered || group.closed {
		return false
	}

	for _, existing := range group.members {
		if existing == member {
			return true
		}
	}

	group.members = append(group.members, member)
	return true
}

// Remove drops the member and returns the number left and whether it was a member.
// The group closes when the last member leaves before delivery.
func (group *RequestGroup) Remove(member groupMember) (int, bool) {
	group.mutex.Lock()
	defer group.mutex.Unlock()

	for idx, existing := range group.members {
		if existing == member {
			group.members = append(group.members[:idx], group.members[idx+1:]...)
			if len(group.members) == 0 && !group.delivered {
				group.closed = true
			}
			return len(group.members), true
		}
	}
	return len(group.members), false
}

// Deliver fans the outcome out to every member, once, and returns how many members took it.
// Members are called without the group lock held.
func (group *RequestGroup) Deliver(task *Task, outcome *Outcome) (int, error) {
	group.mutex.Lock()
	if group.delivered {
		group.mutex.Unlock()
		return 0, xerrors.Errorf("request group of task %q was already delivered", task.GetID())
	}

	group.delivered = true
	members := group.members
	group.members = []groupMember{}
	group.mutex.Unlock()

	accepted := 0
	for _, member := range members {
		if member.deliver(task, outcome) {
			accepted++
		}
	}
	return accepted, nil
}

func (group *RequestGroup) Len() int {
	group.mutex.Lock()
	defer group.mutex.Unlock()

	return len(group.members)
}

func (group *RequestGroup) IsDelivered() bool {
	group.mutex.Lock()
	defer group.mutex.Unlock()

	return group.delivered
}

func (group *RequestGroup) IsClosed() bool {
	group.mutex.Lock()
	defer group.mutex.Unlock()

	return group.closed
}
