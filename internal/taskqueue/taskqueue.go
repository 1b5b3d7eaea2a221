// Package taskqueue runs background work with bounded concurrency and
// keeps a record of each task so callers can see what ran, what is still
// waiting and what failed.
package taskqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a task.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// maxFinished bounds how many completed tasks are kept for Status.
const maxFinished = 200

// Task is the observable record of one submitted job.
type Task struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

type job struct {
	task *Task
	fn   func(ctx context.Context) error
}

// Queue executes submitted jobs on at most the configured number of goroutines. Jobs that
// arrive while every worker is busy wait in a FIFO backlog.
type Queue struct {
	ctx    context.Context
	logger *slog.Logger
	limit  int

	group errgroup.Group

	notify func(Task)

	mu       sync.Mutex
	active   int
	backlog  []job
	tasks    []*Task
	finished int
}

// New creates a queue whose jobs run under ctx.
func New(ctx context.Context, workers int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		ctx:    ctx,
		logger: logger.With("component", "taskqueue"),
		limit:  workers,
	}
	q.group.SetLimit(workers)
	return q
}

// Notify registers fn to receive a copy of every task as it finishes.
// Call it before the first Submit.
func (q *Queue) Notify(fn func(Task)) {
	q.notify = fn
}

// Submit schedules fn and returns the task id. fn's context is cancelled
// when the queue's parent context ends. When every worker is busy
// the job joins the backlog instead of waiting for a slot.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) string {
	t := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		State:       StatePending,
		SubmittedAt: time.Now(),
	}
	j := job{task: t, fn: fn}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	if q.active < q.limit {
		q.active++
		q.group.Go(func() error {
			q.work(j)
			return nil
		})
	} else {
		q.backlog = append(q.backlog, j)
	}
	q.logger.Debug("task submitted", "task", name, "id", t.ID)
	return t.ID
}

// work runs j and then drains the backlog on the same goroutine.
func (q *Queue) work(j job) {
	for {
		q.run(j)

		q.mu.Lock()
		if len(q.backlog) == 0 {
			q.active--
			q.mu.Unlock()
			return
		}
		j = q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) run(j job) {
	q.mu.Lock()
	j.task.State = StateRunning
	j.task.StartedAt = time.Now()
	q.mu.Unlock()

	err := q.call(j.fn)

	q.mu.Lock()
	j.task.FinishedAt = time.Now()
	if err != nil {
		j.task.State = StateFailed
		j.task.Error = err.Error()
	} else {
		j.task.State = StateDone
	}
	elapsed := j.task.FinishedAt.Sub(j.task.StartedAt)
	done := *j.task
	q.finished++
	q.prune()
	q.mu.Unlock()

	if q.notify != nil {
		q.notify(done)
	}

	if err != nil {
		q.logger.Warn("task failed", "task", j.task.Name, "id", j.task.ID, "error", err)
		return
	}
	q.logger.Debug("task done", "task", j.task.Name, "id", j.task.ID,
		"elapsed", elapsed.Round(time.Millisecond))
}

// call runs fn, converting a panic into a *PanicError.
func (q *Queue) call(fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(q.ctx)
}

// prune drops the oldest finished records beyond maxFinished. Caller
// holds q.mu.
func (q *Queue) prune() {
	if q.finished <= maxFinished {
		return
	}
	kept := q.tasks[:0]
	drop := q.finished - maxFinished
	for _, t := range q.tasks {
		if drop > 0 && (t.State == StateDone || t.State == StateFailed) {
			drop--
			q.finished--
			continue
		}
		kept = append(kept, t)
	}
	clear(q.tasks[len(kept):])
	q.tasks = kept
}

// Status returns a snapshot of known tasks in submission order.
func (q *Queue) Status() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = *t
	}
	return out
}

// Wait blocks until every submitted task, including the backlog, has
// finished.
func (q *Queue) Wait() {
	_ = q.group.Wait()
}

// PanicError reports a job that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "task panicked: " + toString(e.Value)
}

func toString(v any) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return slog.AnyValue(v).String()
	}
}
