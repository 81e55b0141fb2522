// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User    // keyed by user ID
	projects map[string]*Project // keyed by project ID
	sessions map[string]*Session // keyed by session ID
	usage    []*SessionUsage
	closed   bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		projects: make(map[string]*Project),
		sessions: make(map[string]*Session),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicate
		}
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// CreateProject stores a new project.
func (m *MockStore) CreateProject(ctx context.Context, project *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[project.ID]; ok {
		return ErrDuplicate
	}
	p := *project
	m.projects[p.ID] = &p
	return nil
}

// GetProject retrieves a project by ID.
func (m *MockStore) GetProject(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// ListProjects returns the projects owned by ownerID, oldest first.
func (m *MockStore) ListProjects(ctx context.Context, ownerID string) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var projects []*Project
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			result := *p
			projects = append(projects, &result)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return ErrDuplicate
	}
	s := *session
	if s.Status == "" {
		s.Status = StatusIdle
	}
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// GetSessionForOwner retrieves a session only if ownerID owns it.
func (m *MockStore) GetSessionForOwner(ctx context.Context, id, ownerID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns the sessions of a project, most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context, projectID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			result := *s
			sessions = append(sessions, &result)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// UpdateSessionState writes the runtime status of a session.
func (m *MockStore) UpdateSessionState(ctx context.Context, id string, state SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = state.Status
	s.ErrorMessage = state.ErrorMessage
	if state.ContinuationID != "" {
		s.ContinuationID = state.ContinuationID
	}
	s.UpdatedAt = time.Now()
	return nil
}

// UpdateSessionName renames a session.
func (m *MockStore) UpdateSessionName(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Name = name
	s.UpdatedAt = time.Now()
	return nil
}

// ResetRunningSessions marks running sessions as errored.
func (m *MockStore) ResetRunningSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.sessions {
		if s.Status == StatusRunning {
			s.Status = StatusError
			s.ErrorMessage = "interrupted by server restart"
			n++
		}
	}
	return n, nil
}

// SaveUsage stores a token usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *SessionUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *usage
	m.usage = append(m.usage, &u)
	return nil
}

// GetSessionUsage returns the summed usage of a session.
func (m *MockStore) GetSessionUsage(ctx context.Context, sessionID string) (*UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var totals UsageTotals
	for _, u := range m.usage {
		if u.SessionID != sessionID {
			continue
		}
		totals.InputTokens += u.InputTokens
		totals.OutputTokens += u.OutputTokens
		totals.CacheReadTokens += u.CacheReadTokens
		totals.CacheWriteTokens += u.CacheWriteTokens
		totals.Runs++
	}
	return &totals, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Ensure MockStore implements Store interface.
var _ Store = (*MockStore)(nil)
