package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"loopboard/backend/pkg/models"
)

// MemoryStore is an in-memory implementation of the Store interface used by
// unit tests and local development. It deep-copies on the way in and out so
// callers never share mutable state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	tasks         map[string]*models.Task
	loops         map[string]*models.Loop // keyed by loop id
	loopsByTask   map[string]string
	history       []models.LoopHistory
	orgs          map[string]*models.Organization
	users         map[string]*models.User
	notifications []models.Notification
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*models.Task),
		loops:       make(map[string]*models.Loop),
		loopsByTask: make(map[string]string),
		orgs:        make(map[string]*models.Organization),
		users:       make(map[string]*models.User),
	}
}

// Bind is a no-op for the memory store; there is no transaction handle.
func (s *MemoryStore) Bind(q Querier) Store { return s }

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, orgID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.OrgID == orgID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateLoop(ctx context.Context, loop *models.Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loop.ID == "" {
		loop.ID = uuid.New().String()
	}
	loop.UpdatedAt = time.Now().UTC()
	s.loops[loop.ID] = cloneLoop(loop)
	s.loopsByTask[loop.TaskID] = loop.ID
	return nil
}

func (s *MemoryStore) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loop, ok := s.loops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLoop(loop), nil
}

func (s *MemoryStore) GetLoopByTask(ctx context.Context, taskID string) (*models.Loop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.loopsByTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLoop(s.loops[id]), nil
}

func (s *MemoryStore) SaveLoop(ctx context.Context, loop *models.Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[loop.ID]; !ok {
		return ErrNotFound
	}
	loop.UpdatedAt = time.Now().UTC()
	s.loops[loop.ID] = cloneLoop(loop)
	return nil
}

func (s *MemoryStore) DeleteLoopByTask(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.loopsByTask[taskID]
	if !ok {
		return false, nil
	}
	delete(s.loops, id)
	delete(s.loopsByTask, taskID)
	kept := s.history[:0]
	for _, e := range s.history {
		if e.TaskID != taskID {
			kept = append(kept, e)
		}
	}
	s.history = kept
	return true, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, entries []models.LoopHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		s.history = append(s.history, e)
	}
	return nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, taskID string) ([]models.LoopHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LoopHistory
	for _, e := range s.history {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now
	clone := *org
	s.orgs[org.ID] = &clone
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *org
	return &clone, nil
}

func (s *MemoryStore) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, org := range s.orgs {
		if org.Domain == domain {
			clone := *org
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	s.notifications = append(s.notifications, *n)
	return nil
}

// Notifications returns a copy of the persisted notifications, for tests.
func (s *MemoryStore) Notifications() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func cloneTask(t *models.Task) *models.Task {
	data, _ := json.Marshal(t)
	var out models.Task
	_ = json.Unmarshal(data, &out)
	return &out
}

func cloneLoop(l *models.Loop) *models.Loop {
	data, _ := json.Marshal(l)
	var out models.Loop
	_ = json.Unmarshal(data, &out)
	return &out
}
