package taskroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownTask is returned when a local mutation targets an id that is
// not in the session's task list.
var ErrUnknownTask = errors.New("unknown task id")

// Session composes the realtime client, the task reconciler, and the REST
// collaborator behind one API for the UI layer.
//
// A session owns at most one live connection per token. Changing the token
// tears the previous connection down, closing it before a replacement
// opens, and starts a fresh logical session with an empty task list.
// There are never two live connections for the same session.
type Session struct {
	client   *Client
	logger   *zap.Logger
	template RealtimeConfig // reconnect policy; Token is filled per session

	mu     sync.Mutex
	token  string
	rt     *RealtimeClient
	tasks  *TaskList
	outbox *Outbox

	cbMu          sync.RWMutex
	onTaskCreated func(TaskCreatedPayload)
	onTaskUpdated func(TaskUpdatedPayload)
	onTaskDeleted func(TaskDeletedPayload)
	onUserJoined  func(UserJoinedPayload)
	onUserLeft    func(UserLeftPayload)
}

func newSession(client *Client, token string, config *RealtimeConfig) *Session {
	s := &Session{
		client: client,
		logger: client.logger,
		tasks:  NewTaskList(),
		outbox: NewOutbox(),
		token:  token,
	}
	if config != nil {
		s.template = *config
	}
	if token != "" {
		s.rt = s.buildRealtime(token)
	}
	return s
}

func (s *Session) buildRealtime(token string) *RealtimeClient {
	cfg := s.template
	cfg.Token = token
	rt := s.client.NewRealtime(&cfg)
	s.wire(rt)
	return rt
}

// wire installs the session's event handlers. The handlers read the user
// callback slots at invocation time, so a callback replaced after an event
// was read off the wire but before delivery is the one invoked, never a
// stale predecessor.
func (s *Session) wire(rt *RealtimeClient) {
	rt.On(EventTaskCreated, func(payload json.RawMessage) {
		var p TaskCreatedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		s.tasks.Upsert(p.Task)
		s.cbMu.RLock()
		cb := s.onTaskCreated
		s.cbMu.RUnlock()
		if cb != nil {
			cb(p)
		}
	})

	rt.On(EventTaskUpdated, func(payload json.RawMessage) {
		var p TaskUpdatedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		// Last write wins by arrival order: a remote update overwrites any
		// local optimistic change unconditionally.
		s.tasks.Update(p.Task)
		s.cbMu.RLock()
		cb := s.onTaskUpdated
		s.cbMu.RUnlock()
		if cb != nil {
			cb(p)
		}
	})

	rt.On(EventTaskDeleted, func(payload json.RawMessage) {
		var p TaskDeletedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		s.tasks.Remove(p.TaskID)
		s.cbMu.RLock()
		cb := s.onTaskDeleted
		s.cbMu.RUnlock()
		if cb != nil {
			cb(p)
		}
	})

	rt.On(EventUserJoined, func(payload json.RawMessage) {
		var p UserJoinedPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		s.cbMu.RLock()
		cb := s.onUserJoined
		s.cbMu.RUnlock()
		if cb != nil {
			cb(p)
		}
	})

	rt.On(EventUserLeft, func(payload json.RawMessage) {
		var p UserLeftPayload
		if json.Unmarshal(payload, &p) != nil {
			return
		}
		s.cbMu.RLock()
		cb := s.onUserLeft
		s.cbMu.RUnlock()
		if cb != nil {
			cb(p)
		}
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect establishes the realtime connection. A session without a token
// does not attempt a connection; that is a silent no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	rt := s.rt
	s.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Connect(ctx)
}

// SetToken replaces the session credential. The previous connection is
// fully closed before a new one opens; any in-flight events or room
// requests tied to it are discarded, and the task list starts empty. An
// empty token (logout) leaves the session disconnected.
func (s *Session) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return nil
	}
	if s.rt != nil {
		s.rt.Close()
		s.rt = nil
	}
	s.token = token
	s.tasks.Reset(nil)
	var rt *RealtimeClient
	if token != "" {
		rt = s.buildRealtime(token)
		s.rt = rt
	}
	s.mu.Unlock()

	s.logger.Debug("session token changed", zap.Bool("authenticated", token != ""))
	if rt == nil {
		return nil
	}
	return rt.Connect(ctx)
}

// Close tears down the session's connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close()
}

func (s *Session) realtime() *RealtimeClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// ConnectionState returns the realtime connection state.
func (s *Session) ConnectionState() ConnState {
	if rt := s.realtime(); rt != nil {
		return rt.State()
	}
	return StateDisconnected
}

// CurrentRoom returns the active room membership, or nil.
func (s *Session) CurrentRoom() *RoomMembership {
	if rt := s.realtime(); rt != nil {
		return rt.CurrentRoom()
	}
	return nil
}

// LastError returns the most recent connection or protocol error message.
func (s *Session) LastError() string {
	if rt := s.realtime(); rt != nil {
		return rt.LastError()
	}
	return ""
}

// ============================================================================
// Rooms
// ============================================================================

// JoinProject joins the project's room. Only effective when Connected.
func (s *Session) JoinProject(ctx context.Context, projectID int) error {
	rt := s.realtime()
	if rt == nil {
		return ErrNotConnected
	}
	return rt.JoinProject(ctx, projectID)
}

// JoinProjectID joins by string id; non-numeric input is a silent no-op.
func (s *Session) JoinProjectID(ctx context.Context, projectID string) error {
	rt := s.realtime()
	if rt == nil {
		return ErrNotConnected
	}
	return rt.JoinProjectID(ctx, projectID)
}

// LeaveProject vacates the current room; a no-op when none is joined.
func (s *Session) LeaveProject(ctx context.Context) error {
	rt := s.realtime()
	if rt == nil {
		return nil
	}
	return rt.LeaveProject(ctx)
}

// ============================================================================
// Callback registration
// ============================================================================

// OnTaskCreated replaces the task-created callback. Nil unregisters.
func (s *Session) OnTaskCreated(cb func(TaskCreatedPayload)) {
	s.cbMu.Lock()
	s.onTaskCreated = cb
	s.cbMu.Unlock()
}

// OnTaskUpdated replaces the task-updated callback. Nil unregisters.
func (s *Session) OnTaskUpdated(cb func(TaskUpdatedPayload)) {
	s.cbMu.Lock()
	s.onTaskUpdated = cb
	s.cbMu.Unlock()
}

// OnTaskDeleted replaces the task-deleted callback. Nil unregisters.
func (s *Session) OnTaskDeleted(cb func(TaskDeletedPayload)) {
	s.cbMu.Lock()
	s.onTaskDeleted = cb
	s.cbMu.Unlock()
}

// OnUserJoined replaces the user-joined callback. Nil unregisters.
func (s *Session) OnUserJoined(cb func(UserJoinedPayload)) {
	s.cbMu.Lock()
	s.onUserJoined = cb
	s.cbMu.Unlock()
}

// OnUserLeft replaces the user-left callback. Nil unregisters.
func (s *Session) OnUserLeft(cb func(UserLeftPayload)) {
	s.cbMu.Lock()
	s.onUserLeft = cb
	s.cbMu.Unlock()
}

// ============================================================================
// Task operations (REST + reconciliation)
// ============================================================================

// RefreshTasks reloads the task list from the API. This is also the
// documented resync path after a failed optimistic toggle.
func (s *Session) RefreshTasks(ctx context.Context, projectID *int) error {
	res, err := s.client.Tasks().List(ctx, &TaskListOptions{ProjectID: projectID})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	var tasks []Task
	if err := res.Decode(&tasks); err != nil {
		return err
	}
	s.tasks.Reset(tasks)
	return nil
}

// CreateTask persists a new task and prepends the confirmed entry. A
// transport failure records the operation in the outbox; replay only
// happens when the caller explicitly asks (RetryPending) — mutating calls
// are never auto-retried.
func (s *Session) CreateTask(ctx context.Context, input *NewTaskInput) (*Task, error) {
	res, err := s.client.Tasks().Create(ctx, input)
	if err != nil {
		if input != nil && input.Validate() == nil {
			s.outbox.Enqueue("POST", "/api/tasks", input)
		}
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var t Task
	if err := res.Decode(&t); err != nil {
		return nil, err
	}
	s.tasks.Upsert(t)
	return &t, nil
}

// UpdateTask persists a partial update and reconciles the confirmed task.
// If a concurrent delete removed the id locally, the confirmed update is
// dropped rather than resurrected.
func (s *Session) UpdateTask(ctx context.Context, id int, patch *TaskPatch) (*Task, error) {
	res, err := s.client.Tasks().Update(ctx, id, patch)
	if err != nil {
		if patch != nil {
			s.outbox.Enqueue("PUT", fmt.Sprintf("/api/tasks/%d", id), patch)
		}
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var t Task
	if err := res.Decode(&t); err != nil {
		return nil, err
	}
	s.tasks.Update(t)
	return &t, nil
}

// DeleteTask removes the task remotely and locally. Deleting an id that is
// already gone locally stays a no-op.
func (s *Session) DeleteTask(ctx context.Context, id int) error {
	res, err := s.client.Tasks().Delete(ctx, id)
	if err != nil {
		s.outbox.Enqueue("DELETE", fmt.Sprintf("/api/tasks/%d", id), nil)
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	s.tasks.Remove(id)
	return nil
}

// ToggleTask flips the completion flag optimistically, then confirms over
// REST. When the confirmation fails the local flag stays flipped and the
// error is returned for the caller to surface; there is no auto-revert.
// RefreshTasks resynchronizes with the server if needed.
func (s *Session) ToggleTask(ctx context.Context, id int) error {
	t, ok := s.tasks.Toggle(id)
	if !ok {
		return ErrUnknownTask
	}

	completed := t.Completed
	res, err := s.client.Tasks().Update(ctx, id, &TaskPatch{Completed: &completed})
	if err != nil {
		return fmt.Errorf("toggle task %d: %w", id, err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("toggle task %d: %w", id, err)
	}
	var confirmed Task
	if err := res.Decode(&confirmed); err == nil && confirmed.ID == id {
		s.tasks.Update(confirmed)
	}
	return nil
}

// Tasks returns the full ordered collection, newest first.
func (s *Session) Tasks() []Task { return s.tasks.Snapshot() }

// Incomplete returns the open partition, recomputed on every call.
func (s *Session) Incomplete() []Task { return s.tasks.Incomplete() }

// Completed returns the finished partition, recomputed on every call.
func (s *Session) Completed() []Task { return s.tasks.Completed() }

// TaskList exposes the underlying reconciler for advanced callers.
func (s *Session) TaskList() *TaskList { return s.tasks }

// ============================================================================
// Outbox
// ============================================================================

// PendingOps lists mutations recorded after transport failures.
func (s *Session) PendingOps() []OutboxOp {
	return s.outbox.Pending()
}

// RetryPending replays recorded mutations. Retry is a user-initiated
// action by contract; nothing in the session calls this automatically.
func (s *Session) RetryPending(ctx context.Context) (int, error) {
	return s.outbox.Flush(ctx, s.client)
}
