// Package model defines domain types for cdispatch sessions, logs, and metrics.
package model

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCrashed   Status = "crashed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCrashed, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCrashed, StatusTimeout:
		return true
	}
	return false
}

// Role identifies the origin of a log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Mode selects autonomous (task) or interactive (chat) execution.
type Mode string

const (
	ModeTask Mode = "task"
	ModeChat Mode = "chat"
)

// Session is one tracked invocation of a provider against a workspace.
type Session struct {
	ID              string    `json:"id"`
	WorkspacePath   string    `json:"workspace_path"`
	Provider        string    `json:"provider"`
	Task            *string   `json:"task,omitempty"`
	Status          Status    `json:"status"`
	NativeSessionID *string   `json:"native_session_id,omitempty"`
	PID             *int      `json:"pid,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TaskText returns the task or an empty string for chat-only sessions.
func (s Session) TaskText() string {
	if s.Task == nil {
		return ""
	}
	return *s.Task
}

// SessionLog is one append-only conversation entry.
type SessionLog struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStats holds per-session usage. Token and cost fields accumulate;
// file, line and duration fields are snapshots.
type SessionStats struct {
	SessionID       string    `json:"session_id"`
	TokensIn        int64     `json:"tokens_in"`
	TokensOut       int64     `json:"tokens_out"`
	CostEstimate    float64   `json:"cost_estimate"`
	FilesChanged    int       `json:"files_changed"`
	LinesAdded      int       `json:"lines_added"`
	LinesRemoved    int       `json:"lines_removed"`
	DurationSeconds float64   `json:"duration_seconds"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatsUpdate is a partial stats mutation. Nil fields are left untouched.
type StatsUpdate struct {
	TokensIn        *int64
	TokensOut       *int64
	CostEstimate    *float64
	FilesChanged    *int
	LinesAdded      *int
	LinesRemoved    *int
	DurationSeconds *float64
}

// IsEmpty reports whether the update sets no fields.
func (u StatsUpdate) IsEmpty() bool {
	return u.TokensIn == nil && u.TokensOut == nil && u.CostEstimate == nil &&
		u.FilesChanged == nil && u.LinesAdded == nil && u.LinesRemoved == nil &&
		u.DurationSeconds == nil
}

// QualityCheck records one post-run check executed in the workspace.
type QualityCheck struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionFilter narrows ListSessions. Zero values mean "any".
type SessionFilter struct {
	WorkspacePath string
	Status        Status
	Provider      string
	Limit         int
}

// RunResult is returned to callers of Router.Run.
type RunResult struct {
	SessionID     string         `json:"session_id"`
	Provider      string         `json:"provider"`
	Status        Status         `json:"status"`
	Output        string         `json:"output"`
	Stats         SessionStats   `json:"stats"`
	Summary       string         `json:"summary,omitempty"`
	QualityChecks []QualityCheck `json:"quality_checks,omitempty"`
}

// Ptr returns a pointer to v. Handy for building StatsUpdate values.
func Ptr[T any](v T) *T {
	return &v
}
