package taskroom

import "sync"

// TaskList is the single ordered source of truth for a session's tasks.
//
// Three mutation sources merge here: REST-confirmed local operations,
// local optimistic toggles, and push events from other sessions. The
// conflict policy is last write wins by arrival order: there is no
// version check, so a remote event arriving after a local change
// overwrites it unconditionally. Events reach the list strictly in
// arrival order per connection, which is what makes the tie-break
// well-defined.
//
// Ordering is newest-created first; it is a display contract, identity is
// carried by the id alone.
type TaskList struct {
	mu    sync.Mutex
	tasks []Task
}

// NewTaskList creates an empty task list.
func NewTaskList() *TaskList {
	return &TaskList{}
}

// Reset replaces the whole collection, e.g. after a full reload.
func (l *TaskList) Reset(tasks []Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks[:0:0], tasks...)
}

// Upsert applies a confirmed creation: the task is prepended (newest
// first). If the id is already present (a replayed create event), the
// existing entry is replaced in place instead, keeping ids unique.
func (l *TaskList) Upsert(t Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == t.ID {
			l.tasks[i] = t
			return
		}
	}
	l.tasks = append([]Task{t}, l.tasks...)
}

// Update replaces the task with a matching id and reports whether it was
// found. An update for an absent id means a delete raced ahead of it; it
// is dropped and must not re-insert a ghost entry.
func (l *TaskList) Update(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == t.ID {
			l.tasks[i] = t
			return true
		}
	}
	return false
}

// Remove deletes the task with the given id. Removing an absent id is a
// no-op, never an error: deletes are idempotent across confirmed calls and
// stray push events.
func (l *TaskList) Remove(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Toggle flips the completion flag in place and returns the mutated copy.
// This is the optimistic path: the flip happens before server
// confirmation, and the list does not auto-revert if that confirmation
// later fails — the caller surfaces the error and decides.
func (l *TaskList) Toggle(id int) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			l.tasks[i].Completed = !l.tasks[i].Completed
			return l.tasks[i], true
		}
	}
	return Task{}, false
}

// Get returns a copy of the task with the given id.
func (l *TaskList) Get(id int) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			return l.tasks[i], true
		}
	}
	return Task{}, false
}

// Snapshot returns a copy of the full ordered collection.
func (l *TaskList) Snapshot() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Task(nil), l.tasks...)
}

// Incomplete returns the open tasks. The partition is recomputed from the
// authoritative collection on every call; it is never stored separately,
// so it cannot drift.
func (l *TaskList) Incomplete() []Task {
	return l.filter(false)
}

// Completed returns the finished tasks, recomputed like Incomplete.
func (l *TaskList) Completed() []Task {
	return l.filter(true)
}

func (l *TaskList) filter(completed bool) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Task
	for _, t := range l.tasks {
		if t.Completed == completed {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the collection size.
func (l *TaskList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}
