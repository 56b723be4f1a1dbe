package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockRuntime is an in-memory Runtime used by component tests in place of
// a real multiplexer.
type MockRuntime struct {
	mu          sync.Mutex
	sessions    map[string]bool
	scrollback  map[string]string
	SentKeys    map[string][]string
	CreateErr   error
	KillErr     error
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		sessions:   make(map[string]bool),
		scrollback: make(map[string]string),
		SentKeys:   make(map[string][]string),
	}
}

func (m *MockRuntime) SessionExists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

func (m *MockRuntime) CreateSession(ctx context.Context, id, cwd, cmdline string, env map[string]string) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] {
		return fmt.Errorf("runtime: session %q already exists", id)
	}
	m.sessions[id] = true
	return nil
}

func (m *MockRuntime) KillSession(ctx context.Context, id string) error {
	if m.KillErr != nil {
		return m.KillErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MockRuntime) SendKeys(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentKeys[id] = append(m.SentKeys[id], text)
	return nil
}

func (m *MockRuntime) SendEnter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentKeys[id] = append(m.SentKeys[id], "\r")
	return nil
}

func (m *MockRuntime) ListAgentSessions(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockRuntime) CaptureScrollback(ctx context.Context, id string, lastNLines int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scrollback[id], nil
}

// SetSession directly marks a session alive or dead, for test setup.
func (m *MockRuntime) SetSession(id string, alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alive {
		m.sessions[id] = true
	} else {
		delete(m.sessions, id)
	}
}

// SetScrollback seeds the captured output a test expects CaptureScrollback
// to return.
func (m *MockRuntime) SetScrollback(id, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrollback[id] = text
}
