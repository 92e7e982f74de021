// Package sched provides the cooperative scheduler every protocol component
// runs on. All callbacks execute one at a time on the goroutine driving the
// scheduler; interrupt-like sources hand work over through Post.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// TimeSource provides the monotonic time used to order tasks.
type TimeSource interface {
	Now() time.Duration
}

// WallClock is a TimeSource backed by the monotonic system clock.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a WallClock starting at zero.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now implements TimeSource.
func (c *WallClock) Now() time.Duration {
	return time.Since(c.start)
}

// Task is a scheduled callback.
type Task struct {
	due      time.Duration
	period   time.Duration
	seq      uint64
	index    int
	fn       func()
	canceled bool
	sched    *Scheduler
}

// Cancel prevents the task from running again. Safe to call multiple times
// and on nil tasks.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.sched.Cancel(t)
}

// Active returns true if the task is still scheduled.
func (t *Task) Active() bool {
	return t != nil && !t.canceled && t.index >= 0
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].due == q[j].due {
		return q[i].seq < q[j].seq
	}
	return q[i].due < q[j].due
}
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *taskQueue) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() interface{} {
	old := *q
	t := old[len(old)-1]
	old[len(old)-1] = nil
	t.index = -1
	*q = old[:len(old)-1]
	return t
}

// Scheduler runs one-shot and periodic tasks cooperatively.
type Scheduler struct {
	// Interval is the idle polling period used by Run.
	Interval time.Duration

	time  TimeSource
	tasks taskQueue
	seq   uint64

	postLock sync.Mutex
	posted   []func()
	wakeUpCh chan struct{}
}

// New creates a Scheduler.
func New(ts TimeSource) *Scheduler {
	return &Scheduler{
		Interval: time.Millisecond,
		time:     ts,
		wakeUpCh: make(chan struct{}, 1),
	}
}

// Now returns the scheduler time.
func (s *Scheduler) Now() time.Duration {
	return s.time.Now()
}

// After schedules fn once after delay.
func (s *Scheduler) After(delay time.Duration, fn func()) *Task {
	return s.schedule(delay, 0, fn)
}

// Every schedules fn periodically, first run after period.
func (s *Scheduler) Every(period time.Duration, fn func()) *Task {
	if period <= 0 {
		panic("sched: non-positive period")
	}
	return s.schedule(period, period, fn)
}

func (s *Scheduler) schedule(delay, period time.Duration, fn func()) *Task {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	t := &Task{
		due:    s.time.Now() + delay,
		period: period,
		seq:    s.seq,
		fn:     fn,
		sched:  s,
	}
	heap.Push(&s.tasks, t)
	return t
}

// Cancel removes a task.
func (s *Scheduler) Cancel(t *Task) {
	if t == nil || t.canceled {
		return
	}
	t.canceled = true
	if t.index >= 0 && t.index < len(s.tasks) && s.tasks[t.index] == t {
		heap.Remove(&s.tasks, t.index)
	}
}

// Post enqueues fn to run on the next iteration.
// It's the only method safe to call from other goroutines.
func (s *Scheduler) Post(fn func()) {
	s.postLock.Lock()
	s.posted = append(s.posted, fn)
	s.postLock.Unlock()
	select {
	case s.wakeUpCh <- struct{}{}:
	default:
	}
}

// Pending returns the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	return len(s.tasks)
}

// RunPending runs posted functions and all due tasks.
// Returns the number of callbacks executed.
func (s *Scheduler) RunPending() int {
	count := s.runPosted()
	now := s.time.Now()
	for len(s.tasks) > 0 {
		t := s.tasks[0]
		if t.due > now {
			break
		}
		if t.period > 0 {
			t.due += t.period
			if t.due <= now {
				// skip missed periods rather than bursting.
				t.due = now + t.period
			}
			s.seq++
			t.seq = s.seq
			heap.Fix(&s.tasks, 0)
		} else {
			heap.Pop(&s.tasks)
		}
		t.fn()
		count++
		count += s.runPosted()
	}
	return count
}

func (s *Scheduler) runPosted() int {
	s.postLock.Lock()
	posted := s.posted
	s.posted = nil
	s.postLock.Unlock()
	for _, fn := range posted {
		fn()
	}
	return len(posted)
}

// NextDue returns the time until the earliest task, or false if none.
func (s *Scheduler) NextDue() (time.Duration, bool) {
	if len(s.tasks) == 0 {
		return 0, false
	}
	d := s.tasks[0].due - s.time.Now()
	if d < 0 {
		d = 0
	}
	return d, true
}

// Run drives the scheduler in real time until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		s.RunPending()
		wait := interval
		if d, ok := s.NextDue(); ok && d < wait {
			wait = d
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			glog.V(4).Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		case <-s.wakeUpCh:
		}
	}
}
