// ABOUTME: Store interface and data types for coven-workbench persistence
// ABOUTME: Defines User, Project, Session, SessionUsage and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a unique constraint
var ErrDuplicate = errors.New("already exists")

// Session status values persisted in the sessions table
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusError   = "error"
)

// User is a local account that can open WebSocket connections
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Project is a directory on disk owned by a user
type Project struct {
	ID        string
	OwnerID   string
	Name      string
	Path      string
	CreatedAt time.Time
}

// Session is a persisted conversation with an agent CLI inside a project
type Session struct {
	ID             string
	ProjectID      string
	OwnerID        string
	Name           string // empty until named by the user or auto-named
	Agent          string // agent profile name; empty means the configured default
	Model          string
	PermissionMode string
	Status         string // idle, running, error
	ErrorMessage   string
	ContinuationID string // the CLI's resume token; empty before the first completed run
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionState is the runtime outcome written back after a run
type SessionState struct {
	Status         string
	ErrorMessage   string
	ContinuationID string // left unchanged when empty
}

// SessionUsage records token consumption of a single run
type SessionUsage struct {
	ID               string
	SessionID        string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CreatedAt        time.Time
}

// UsageTotals aggregates SessionUsage rows
type UsageTotals struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Runs             int64
}

// Store defines the persistence operations used by the runtime and the CLI
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]*Project, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionForOwner(ctx context.Context, id, ownerID string) (*Session, error)
	ListSessions(ctx context.Context, projectID string) ([]*Session, error)
	UpdateSessionState(ctx context.Context, id string, state SessionState) error
	UpdateSessionName(ctx context.Context, id, name string) error
	ResetRunningSessions(ctx context.Context) (int64, error)

	// Usage
	SaveUsage(ctx context.Context, usage *SessionUsage) error
	GetSessionUsage(ctx context.Context, sessionID string) (*UsageTotals, error)

	// Close releases any resources held by the store
	Close() error
}
