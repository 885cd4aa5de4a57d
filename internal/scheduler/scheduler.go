// Package scheduler bounds how many download tasks run at once. Tasks
// submitted past the capacity wait in FIFO order, and a finishing task hands
// its slot straight to the head of the queue so new submissions can never
// starve older ones.
package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Task is one unit of download work.
type Task func() error

// Handle tracks a submitted task through to completion.
type Handle struct {
	key  string
	done chan struct{}
	err  error
}

// Key returns the task key this handle was submitted under.
func (h *Handle) Key() string {
	return h.key
}

// Wait blocks until the task has finished and returns its error.
func (h *Handle) Wait() error {
	<-h.done

	return h.err
}

type pending struct {
	task   Task
	handle *Handle
}

// Scheduler admits at most capacity tasks at a time. All state is guarded by
// a single mutex so that admission, queuing and slot hand-off stay atomic
// with respect to each other.
type Scheduler struct {
	mu       sync.Mutex
	capacity int
	active   int
	queue    []*pending
	inflight map[string]*Handle
}

func New(capacity int) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}

	return &Scheduler{
		capacity: capacity,
		inflight: make(map[string]*Handle),
	}
}

// Submit schedules task and returns a handle for awaiting it. Submit never
// blocks: when all slots are busy the task queues instead.
//
// A non-empty key names the task's destination. While a task for a key is
// active or queued, submissions under the same key return the existing
// handle instead of scheduling a second task.
func (s *Scheduler) Submit(key string, task Task) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if h, ok := s.inflight[key]; ok {
			return h
		}
	}

	h := &Handle{key: key, done: make(chan struct{})}
	if key != "" {
		s.inflight[key] = h
	}

	p := &pending{task: task, handle: h}

	if s.active < s.capacity {
		s.active++
		go s.run(p)
	} else {
		s.queue = append(s.queue, p)
	}

	return h
}

// Stats reports how many tasks are running and how many are queued.
func (s *Scheduler) Stats() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active, len(s.queue)
}

func (s *Scheduler) run(p *pending) {
	defer s.finish(p)

	defer func() {
		if r := recover(); r != nil {
			p.handle.err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()

	p.handle.err = p.task()
}

// finish releases the slot. When waiters are queued the slot transfers to
// the queue head without ever becoming free, so a concurrent Submit cannot
// jump ahead of it.
func (s *Scheduler) finish(p *pending) {
	s.mu.Lock()

	if p.handle.key != "" {
		delete(s.inflight, p.handle.key)
	}

	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]

		go s.run(next)
	} else {
		s.active--
	}

	s.mu.Unlock()

	close(p.handle.done)
}
