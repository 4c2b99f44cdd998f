// Package task runs engine operations off the request path: each task
// gets a dedicated worker, progress text visible to pollers, cooperative
// cancellation and a per-session concurrent-task quota.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/querydesk/querydesk/internal/debug"
	"github.com/querydesk/querydesk/model"
)

// Func is a unit of work. It must honor ctx cancellation at its blocking
// points and may report progress through the callback at any time.
type Func func(ctx context.Context, progress func(string)) (any, error)

// Unit binds a unit of work to its optional cancellation hook. Cancel is
// called on cancellation requests in addition to ctx cancellation; it
// must be safe to call concurrently with Run.
type Unit struct {
	Run    Func
	Cancel func()
}

// Snapshot is the externally visible state of one task.
type Snapshot struct {
	ID       string
	Name     string
	Running  bool
	Progress string
	Result   any
	Err      error
}

type record struct {
	id       string
	name     string
	running  bool
	progress string
	result   any
	err      error
	cancel   context.CancelFunc
	unit     Unit
}

// Manager owns the async tasks of one session.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*record
	running int
	quota   int
	sink    model.MessageSink
}

// NewManager builds a manager enforcing the given concurrent-task quota;
// quota <= 0 disables the cap. Task errors are posted to sink.
func NewManager(quota int, sink model.MessageSink) *Manager {
	if sink == nil {
		sink = model.DiscardMessages{}
	}
	return &Manager{
		tasks: make(map[string]*record),
		quota: quota,
		sink:  sink,
	}
}

// Submit schedules a unit of work on its own worker. When the session is
// at its concurrent-task quota the unit fails immediately with a quota
// error and is never scheduled.
func (m *Manager) Submit(name string, unit Unit) (string, error) {
	m.mu.Lock()
	if m.quota > 0 && m.running >= m.quota {
		m.mu.Unlock()
		return "", &model.QuotaError{Kind: model.QuotaTasks, Limit: int64(m.quota)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		id:      uuid.NewString(),
		name:    name,
		running: true,
		cancel:  cancel,
		unit:    unit,
	}
	m.tasks[rec.id] = rec
	m.running++
	m.mu.Unlock()

	debug.Debug("task submitted", "id", rec.id, "name", name)
	go m.work(ctx, rec)
	return rec.id, nil
}

func (m *Manager) work(ctx context.Context, rec *record) {
	progress := func(text string) {
		m.mu.Lock()
		rec.progress = text
		m.mu.Unlock()
	}

	result, err := m.runGuarded(ctx, rec, progress)

	m.mu.Lock()
	rec.result = result
	rec.err = err
	rec.running = false
	m.running--
	m.mu.Unlock()

	if err != nil {
		m.sink.Post(model.SeverityError, fmt.Sprintf("task %q failed: %v", rec.name, err))
	}
}

func (m *Manager) runGuarded(ctx context.Context, rec *record, progress func(string)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %q panicked: %v", rec.name, p)
		}
	}()
	return rec.unit.Run(ctx, progress)
}

// Status returns the current snapshot of a task.
func (m *Manager) Status(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(rec), true
}

// Cancel requests cooperative cancellation: the task's ctx is cancelled
// and its own cancellation hook, when present, is invoked. The worker is
// never forcibly terminated.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	var hook func()
	if ok && rec.running {
		rec.cancel()
		hook = rec.unit.Cancel
	}
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ok
}

// Poll returns the task snapshot; with removeOnFinish it atomically
// evicts the record once the task is observed finished.
func (m *Manager) Poll(id string, removeOnFinish bool) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := snapshotOf(rec)
	if removeOnFinish && !rec.running {
		delete(m.tasks, id)
	}
	return snap, true
}

// List returns snapshots of every tracked task.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.tasks))
	for _, rec := range m.tasks {
		out = append(out, snapshotOf(rec))
	}
	return out
}

func snapshotOf(rec *record) Snapshot {
	return Snapshot{
		ID:       rec.id,
		Name:     rec.name,
		Running:  rec.running,
		Progress: rec.progress,
		Result:   rec.result,
		Err:      rec.err,
	}
}
