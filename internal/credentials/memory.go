package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/angelitosystems/tenancy/internal/domain"
)

// MemoryBackend is a Backend held entirely in memory. It backs tests and
// single-process deployments without a durable credential table.
type MemoryBackend struct {
	mu       sync.Mutex
	profiles map[string]Fields

	// FailReplaceAll simulates a mid-rotation storage failure.
	FailReplaceAll bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{profiles: make(map[string]Fields)}
}

func (m *MemoryBackend) Get(_ context.Context, profile string) (Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.profiles[profile]
	if !ok {
		return nil, fmt.Errorf("profile %q: %w", profile, domain.ErrNotFound)
	}
	return f.clone(), nil
}

func (m *MemoryBackend) Load(_ context.Context) (map[string]Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Fields, len(m.profiles))
	for name, f := range m.profiles {
		out[name] = f.clone()
	}
	return out, nil
}

func (m *MemoryBackend) Save(_ context.Context, profile string, f Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile] = f.clone()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, profile)
	return nil
}

func (m *MemoryBackend) ReplaceAll(_ context.Context, all map[string]Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReplaceAll {
		return fmt.Errorf("simulated storage failure")
	}
	next := make(map[string]Fields, len(all))
	for name, f := range all {
		next[name] = f.clone()
	}
	m.profiles = next
	return nil
}
