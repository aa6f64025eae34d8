package session

import "context"

// Task is a handle on one asynchronous session operation.
type Task struct {
	gen  uint64
	done chan struct{}
	err  error
}

func newTask(gen uint64) *Task {
	return &Task{gen: gen, done: make(chan struct{})}
}

func finishedTask(gen uint64, err error) *Task {
	t := newTask(gen)
	t.finish(err)
	return t
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

func (t *Task) Generation() uint64 { return t.gen }

func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task outcome. It is nil until the task is done.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
