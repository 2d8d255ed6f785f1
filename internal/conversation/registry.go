package conversation

import (
	"context"
	"sync"
)

// Task is the handle of one running turn.
type Task struct {
	Key    string
	TurnID string

	cancel context.CancelFunc
	done   chan struct{}
	result string
	err    error
}

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the turn ends or ctx is done and returns the turn's
// response text and error.
func (t *Task) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Registry tracks at most one running turn per session key. A session key
// is a client uid, or a group id while the client shares a floor.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// StartOrReplace starts run as the task for key unless a non-terminal task
// is already registered there, in which case it returns ErrTurnInProgress
// and leaves the existing task untouched. A finished task is replaced. The
// check and the start happen under one lock. onDone runs after run returns,
// while the key still refuses new starts.
func (r *Registry) StartOrReplace(parent context.Context, key, turnID string, run func(ctx context.Context) (string, error), onDone func(*Task)) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[key]; ok && !existing.Finished() {
		return nil, ErrTurnInProgress
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Task{Key: key, TurnID: turnID, cancel: cancel, done: make(chan struct{})}
	r.tasks[key] = t

	go func() {
		defer cancel()
		t.result, t.err = run(ctx)
		if onDone != nil {
			onDone(t)
		}
		r.RemoveIf(key, t)
		close(t.done)
	}()
	return t, nil
}

func (r *Registry) Get(key string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return t, ok
}

func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, key)
}

// RemoveIf removes key only while it still maps to t, so a finished turn
// never evicts its successor.
func (r *Registry) RemoveIf(key string, t *Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[key]; ok && cur == t {
		delete(r.tasks, key)
		return true
	}
	return false
}

// Active reports whether key has a non-terminal task.
func (r *Registry) Active(key string) bool {
	t, ok := r.Get(key)
	return ok && !t.Finished()
}

// CancelAll cancels every registered task, used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		t.cancel()
	}
}
