package exchange

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TaskID identifies a scheduled task in the Scheduler's arena.
type TaskID uint64

// Dispatcher runs a retransmission task when its timer fires.
type Dispatcher interface {
	Dispatch(id TaskID, task Task)
}

// Task is a delayed replay action bound to an exchange.
type Task struct {
	Exchange *Exchange
	Replay   Replay
	Target   Dispatcher
}

type scheduled struct {
	task  Task
	timer *clock.Timer
}

// Scheduler is the delayed-task facility shared by all exchanges.
//
// Tasks live in an arena keyed by TaskID. Timer callbacks only capture the
// ID, so a fired timer whose task was cancelled in the meantime finds
// nothing and does nothing. Dispatch happens on the timer goroutine,
// outside the scheduler lock.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	nextID TaskID
	tasks  map[TaskID]*scheduled
	closed bool
}

// NewScheduler creates a scheduler on clk. If clk is nil, the wall clock
// is used.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock: clk,
		tasks: make(map[TaskID]*scheduled),
	}
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule arms task to be dispatched after d.
func (s *Scheduler) Schedule(d time.Duration, task Task) (*Handle, error) {
	if task.Exchange == nil || task.Target == nil {
		return nil, ErrNilTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}

	s.nextID++
	id := s.nextID
	entry := &scheduled{task: task}
	s.tasks[id] = entry
	entry.timer = s.clock.AfterFunc(d, func() { s.fire(id) })

	return &Handle{id: id, scheduler: s}, nil
}

func (s *Scheduler) fire(id TaskID) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	entry.task.Target.Dispatch(id, entry.task)
}

// cancel removes a pending task. It reports whether the task was pending.
func (s *Scheduler) cancel(id TaskID) bool {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok {
		entry.timer.Stop()
	}
	return ok
}

func (s *Scheduler) pending(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Pending returns the number of armed tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops every pending timer. Later calls to Schedule fail with
// ErrSchedulerClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[TaskID]*scheduled)
	s.closed = true
	s.mu.Unlock()

	for _, entry := range tasks {
		entry.timer.Stop()
	}
}

// Handle refers to one scheduled task.
type Handle struct {
	id        TaskID
	scheduler *Scheduler
}

// ID returns the task's arena key.
func (h *Handle) ID() TaskID {
	return h.id
}

// Cancel cancels the task. Cancelling a fired or already cancelled task is
// a no-op. It reports whether the task was still pending.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	return h.scheduler.cancel(h.id)
}

// Pending reports whether the task is still waiting for its timer.
func (h *Handle) Pending() bool {
	if h == nil {
		return false
	}
	return h.scheduler.pending(h.id)
}
