package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"condorbot/internal/models"
)

// MockStore is an in-memory Store for tests. It enforces the same version
// discipline as the real store and can inject failures.
type MockStore struct {
	mu        sync.Mutex
	positions map[string]*models.Position

	// SaveErr, when set, fails every SavePosition call.
	SaveErr error
	// FailAfterSaves fails saves once this many have succeeded (0 disables).
	FailAfterSaves int
	saves          int
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{positions: make(map[string]*models.Position)}
}

// SavePosition stores a deep copy of p under optimistic version control.
func (m *MockStore) SavePosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.FailAfterSaves > 0 && m.saves >= m.FailAfterSaves {
		return ErrStaleWrite
	}

	existing, ok := m.positions[p.ID]
	switch {
	case p.Version == 0 && ok:
		return ErrStaleWrite
	case p.Version != 0 && !ok:
		return ErrNotFound
	case p.Version != 0 && existing.Version != p.Version:
		return ErrStaleWrite
	}

	p.Version++
	cp, err := clonePosition(p)
	if err != nil {
		return err
	}
	m.positions[p.ID] = cp
	m.saves++
	return nil
}

// GetPosition returns a deep copy of the stored position.
func (m *MockStore) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePosition(p)
}

// ListActive returns copies of all positions in active states.
func (m *MockStore) ListActive(_ context.Context) ([]*models.Position, error) {
	return m.list(func(p *models.Position) bool { return p.State.IsActive() })
}

// ListByBot returns copies of all positions for botID.
func (m *MockStore) ListByBot(_ context.Context, botID string) ([]*models.Position, error) {
	return m.list(func(p *models.Position) bool { return p.BotID == botID })
}

// ListByState returns copies of all positions in the given state.
func (m *MockStore) ListByState(_ context.Context, state models.PositionState) ([]*models.Position, error) {
	return m.list(func(p *models.Position) bool { return p.State == state })
}

// Close implements Store.
func (m *MockStore) Close() error { return nil }

// SaveCount returns how many saves have succeeded.
func (m *MockStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MockStore) list(keep func(*models.Position) bool) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Position
	for _, p := range m.positions {
		if !keep(p) {
			continue
		}
		cp, err := clonePosition(p)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clonePosition(p *models.Position) (*models.Position, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var cp models.Position
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	cp.Version = p.Version
	return &cp, nil
}

var _ Store = (*MockStore)(nil)
