package taskroom

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error returned in a response envelope.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`

	// Status is the HTTP status code, filled in by the client.
	Status int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Result is the generic TaskRoom API response envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`

	// Status is the HTTP status code of the response.
	Status int `json:"-"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error, or a synthesized one when the server
// reported failure without an error object.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error != nil {
		if r.Error.Status == 0 {
			r.Error.Status = r.Status
		}
		return r.Error
	}
	return &APIError{Message: fmt.Sprintf("request failed (HTTP %d)", r.Status), Status: r.Status}
}

// ============================================================================
// Domain Types
// ============================================================================

// DueDateLayout is the wire format for task due dates.
const DueDateLayout = "2006-01-02"

// Task is the synchronized domain entity. IDs are server-assigned and
// unique within a locally held collection.
type Task struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Completed   bool   `json:"completed"`
	ProjectID   *int   `json:"project_id,omitempty"`
	CreatedBy   int    `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Project groups tasks and defines the realtime room boundary.
type Project struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     int    `json:"owner_id,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// User is an authenticated TaskRoom account.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// LoginData is the payload returned by Auth.Login and Auth.Register.
type LoginData struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ============================================================================
// Input Types
// ============================================================================

// NewTaskInput describes a task to create.
type NewTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Completed   bool   `json:"completed,omitempty"`
	ProjectID   *int   `json:"project_id,omitempty"`
}

// Validate applies the local creation guards: trimmed title of at least
// three characters, non-empty trimmed description, and a due date that is
// not in the past unless the task is already completed. Validation is
// local; no network call is made for invalid input.
func (in *NewTaskInput) Validate() error {
	if len(strings.TrimSpace(in.Title)) < 3 {
		return fmt.Errorf("validation: title must be at least 3 characters")
	}
	if strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("validation: description is required")
	}
	due, err := time.Parse(DueDateLayout, in.DueDate)
	if err != nil {
		return fmt.Errorf("validation: due_date must be %s: %w", DueDateLayout, err)
	}
	y, m, d := time.Now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if due.Before(today) && !in.Completed {
		return fmt.Errorf("validation: due_date cannot be in the past")
	}
	return nil
}

// TaskPatch describes a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
	ProjectID   *int    `json:"project_id,omitempty"`
}

// NewProjectInput describes a project to create.
type NewProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TaskListOptions filters Tasks.List.
type TaskListOptions struct {
	ProjectID *int
	Completed *bool
}

// ============================================================================
// Realtime Wire Types
// ============================================================================

// Envelope is the wire format for all server-pushed realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server realtime message.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Server-pushed event kinds.
const (
	EventJoinedProject = "joined_project"
	EventLeftProject   = "left_project"
	EventTaskCreated   = "task_created"
	EventTaskUpdated   = "task_updated"
	EventTaskDeleted   = "task_deleted"
	EventUserJoined    = "user_joined_project"
	EventUserLeft      = "user_left_project"
	EventError         = "error"
)

// Client-to-server command kinds.
const (
	CommandJoinProject  = "join_project"
	CommandLeaveProject = "leave_project"
)

// JoinedProjectPayload confirms room membership. The server payload is
// authoritative: the client mirrors it rather than the locally requested id.
type JoinedProjectPayload struct {
	ProjectID   int    `json:"projectId"`
	ProjectName string `json:"projectName"`
}

// LeftProjectPayload confirms that the room was vacated.
type LeftProjectPayload struct {
	ProjectID int `json:"projectId"`
}

// TaskCreatedPayload announces a task created by another session.
type TaskCreatedPayload struct {
	Task      Task   `json:"task"`
	CreatedBy string `json:"createdBy,omitempty"`
}

// TaskUpdatedPayload announces a task updated by another session.
type TaskUpdatedPayload struct {
	Task      Task   `json:"task"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// TaskDeletedPayload announces a task deleted by another session.
type TaskDeletedPayload struct {
	TaskID    int    `json:"taskId"`
	TaskTitle string `json:"taskTitle,omitempty"`
	DeletedBy string `json:"deletedBy,omitempty"`
}

// RoomUser identifies a user within a project room.
type RoomUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// UserJoinedPayload announces a user joining the current room.
type UserJoinedPayload struct {
	User RoomUser `json:"user"`
}

// UserLeftPayload announces a user leaving the current room.
type UserLeftPayload struct {
	User RoomUser `json:"user"`
}

// ErrorPayload is an explicit protocol error pushed by the server. It is
// recorded as the session's last error and never alters room or task state.
type ErrorPayload struct {
	Message string `json:"message"`
}
