// Package tasks runs best-effort background work off the request path.
// A failed task is logged and kept in the queue's failure log; it is never
// reported to the caller that submitted it. Tasks submitted for the same
// capability run one at a time in submission order.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielolaszy/capflow/internal/logging"
)

// ErrQueueFull is recorded when a task is submitted to a saturated queue.
var ErrQueueFull = errors.New("tasks: queue full")

// Func is the body of a task.
type Func func(ctx context.Context) error

// Failure is one entry of the failure log.
type Failure struct {
	Task         string
	CapabilityID string
	Err          string
	At           time.Time
}

type job struct {
	ctx          context.Context
	name         string
	capabilityID string
	fn           Func
}

// Queue is a fixed pool of workers, each draining its own buffered lane.
// A capability's tasks always land in the same lane.
type Queue struct {
	lanes   []chan job
	next    atomic.Uint32
	group   errgroup.Group
	timeout time.Duration
	pending sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	failMu   sync.Mutex
	failures []Failure
}

// NewQueue starts workers goroutines sharing capacity queued tasks between
// them. Each task runs with timeout.
func NewQueue(workers, capacity int, timeout time.Duration) *Queue {
	if workers < 1 {
		workers = 1
	}
	perLane := capacity / workers
	if perLane < 1 {
		perLane = 1
	}
	q := &Queue{lanes: make([]chan job, workers), timeout: timeout}
	for i := range q.lanes {
		lane := make(chan job, perLane)
		q.lanes[i] = lane
		q.group.Go(func() error {
			for j := range lane {
				q.run(j)
			}
			return nil
		})
	}
	return q
}

// lane picks the lane for a capability. Tasks without one are spread
// round-robin.
func (q *Queue) lane(capabilityID string) chan job {
	n := uint32(len(q.lanes))
	if capabilityID == "" {
		return q.lanes[q.next.Add(1)%n]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(capabilityID))
	return q.lanes[h.Sum32()%n]
}

// Submit enqueues fn without blocking. The task keeps ctx's values, such as
// the correlation id, but not its cancellation. It reports false when the
// queue is closed or full.
func (q *Queue) Submit(ctx context.Context, name, capabilityID string, fn Func) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	q.pending.Add(1)
	select {
	case q.lane(capabilityID) <- job{ctx: context.WithoutCancel(ctx), name: name, capabilityID: capabilityID, fn: fn}:
		return true
	default:
		q.pending.Done()
		logging.FromContext(ctx).Warn("Background task dropped", "task", name, "capability", capabilityID, "error", ErrQueueFull)
		q.appendFailure(name, capabilityID, ErrQueueFull)
		return false
	}
}

// Drain blocks until every submitted task has finished.
func (q *Queue) Drain() {
	q.pending.Wait()
}

// Close stops accepting tasks and waits for the workers to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	return q.group.Wait()
}

// Failures returns a copy of the failure log.
func (q *Queue) Failures() []Failure {
	q.failMu.Lock()
	defer q.failMu.Unlock()
	return append([]Failure(nil), q.failures...)
}

func (q *Queue) run(j job) {
	defer q.pending.Done()

	ctx := j.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.fn(ctx)
	}()
	if err != nil {
		q.appendFailure(j.name, j.capabilityID, err)
		logging.FromContext(ctx).Warn("Background task failed", "task", j.name, "capability", j.capabilityID, "error", err)
		return
	}
	logging.FromContext(ctx).Debug("Background task finished", "task", j.name, "capability", j.capabilityID)
}

func (q *Queue) appendFailure(name, capabilityID string, err error) {
	q.failMu.Lock()
	defer q.failMu.Unlock()
	q.failures = append(q.failures, Failure{
		Task:         name,
		CapabilityID: capabilityID,
		Err:          err.Error(),
		At:           time.Now().UTC(),
	})
}
