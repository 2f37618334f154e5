package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"loopboard/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
// Step sequences and participant id lists are stored as JSONB.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore creates a new PostgresStore running on db, normally a
// *pgxpool.Pool.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Bind returns a store view running on q, typically a pgx.Tx.
func (s *PostgresStore) Bind(q Querier) Store {
	return &PostgresStore{db: q}
}

// CreateTask saves a new task to the store.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	steps, err := json.Marshal(task.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	helpers, _ := json.Marshal(task.HelperIDs)
	mentions, _ := json.Marshal(task.MentionIDs)
	_, err = s.db.Exec(ctx,
		`INSERT INTO tasks (id, org_id, title, description, status, steps, current_step_index, owner_id, created_by, helper_ids, mention_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		task.ID, task.OrgID, task.Title, task.Description, task.Status, steps,
		task.CurrentStepIndex, task.OwnerID, task.CreatedBy, helpers, mentions,
		task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by its ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, org_id, title, description, status, steps, current_step_index, owner_id, created_by, helper_ids, mention_ids, created_at, updated_at
		 FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// SaveTask persists the mutable fields of an existing task and bumps updated_at.
func (s *PostgresStore) SaveTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	steps, err := json.Marshal(task.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	helpers, _ := json.Marshal(task.HelperIDs)
	mentions, _ := json.Marshal(task.MentionIDs)
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET title = $1, description = $2, status = $3, steps = $4, current_step_index = $5, owner_id = $6, helper_ids = $7, mention_ids = $8, updated_at = $9
		 WHERE id = $10`,
		task.Title, task.Description, task.Status, steps, task.CurrentStepIndex,
		task.OwnerID, helpers, mentions, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task row. Loops are owned separately; callers delete
// them first via DeleteLoopByTask.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListTasks returns every task in the organization, newest first.
func (s *PostgresStore) ListTasks(ctx context.Context, orgID string) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, org_id, title, description, status, steps, current_step_index, owner_id, created_by, helper_ids, mention_ids, created_at, updated_at
		 FROM tasks WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateLoop saves a new loop to the store.
func (s *PostgresStore) CreateLoop(ctx context.Context, loop *models.Loop) error {
	if loop.ID == "" {
		loop.ID = uuid.New().String()
	}
	loop.UpdatedAt = time.Now().UTC()
	seq, err := json.Marshal(loop.Sequence)
	if err != nil {
		return fmt.Errorf("failed to marshal sequence: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO loops (id, task_id, sequence, current_step, is_active, parallel, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		loop.ID, loop.TaskID, seq, loop.CurrentStep, loop.IsActive, loop.Parallel, loop.UpdatedAt)
	return err
}

// GetLoop retrieves a loop by its ID.
func (s *PostgresStore) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, task_id, sequence, current_step, is_active, parallel, updated_at FROM loops WHERE id = $1`, id)
	return scanLoop(row)
}

// GetLoopByTask retrieves the loop attached to a task.
func (s *PostgresStore) GetLoopByTask(ctx context.Context, taskID string) (*models.Loop, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, task_id, sequence, current_step, is_active, parallel, updated_at FROM loops WHERE task_id = $1`, taskID)
	return scanLoop(row)
}

// SaveLoop persists an existing loop and bumps updated_at.
func (s *PostgresStore) SaveLoop(ctx context.Context, loop *models.Loop) error {
	loop.UpdatedAt = time.Now().UTC()
	seq, err := json.Marshal(loop.Sequence)
	if err != nil {
		return fmt.Errorf("failed to marshal sequence: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE loops SET sequence = $1, current_step = $2, is_active = $3, parallel = $4, updated_at = $5 WHERE id = $6`,
		seq, loop.CurrentStep, loop.IsActive, loop.Parallel, loop.UpdatedAt, loop.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLoopByTask removes the loop for a task together with all of its
// history rows. It reports whether a loop existed.
func (s *PostgresStore) DeleteLoopByTask(ctx context.Context, taskID string) (bool, error) {
	if _, err := s.db.Exec(ctx, `DELETE FROM loop_history WHERE task_id = $1`, taskID); err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM loops WHERE task_id = $1`, taskID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendHistory inserts a batch of audit entries.
func (s *PostgresStore) AppendHistory(ctx context.Context, entries []models.LoopHistory) error {
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO loop_history (id, task_id, step_index, action, user_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.TaskID, e.StepIndex, e.Action, e.UserID, e.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListHistory returns the audit trail for a task, oldest first.
func (s *PostgresStore) ListHistory(ctx context.Context, taskID string) ([]models.LoopHistory, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, task_id, step_index, action, user_id, created_at FROM loop_history WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LoopHistory
	for rows.Next() {
		var e models.LoopHistory
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StepIndex, &e.Action, &e.UserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateOrganization saves a new organization.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	org.CreatedAt = now
	org.UpdatedAt = now
	admins, _ := json.Marshal(org.AdminIDs)
	_, err := s.db.Exec(ctx,
		`INSERT INTO organizations (id, name, domain, admin_ids, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		org.ID, org.Name, org.Domain, admins, org.CreatedAt, org.UpdatedAt)
	return err
}

// GetOrganization retrieves an organization by its ID.
func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	return scanOrg(s.db.QueryRow(ctx,
		`SELECT id, name, domain, admin_ids, created_at, updated_at FROM organizations WHERE id = $1`, id))
}

// GetOrganizationByDomain retrieves an organization by its email domain.
func (s *PostgresStore) GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error) {
	return scanOrg(s.db.QueryRow(ctx,
		`SELECT id, name, domain, admin_ids, created_at, updated_at FROM organizations WHERE domain = $1`, domain))
}

// CreateUser saves a new user.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, org_id, name, email, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.OrgID, user.Name, user.Email, user.CreatedAt)
	return err
}

// GetUser retrieves a user by its ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id, org_id, name, email, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.OrgID, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// GetUserByEmail retrieves a user by email address.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id, org_id, name, email, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.OrgID, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// CreateNotification persists a notification produced by the dispatcher.
func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx,
		`INSERT INTO notifications (id, user_id, task_id, kind, message, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, n.TaskID, n.Kind, n.Message, n.CreatedAt)
	return err
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var steps, helpers, mentions []byte
	err := row.Scan(&t.ID, &t.OrgID, &t.Title, &t.Description, &t.Status, &steps,
		&t.CurrentStepIndex, &t.OwnerID, &t.CreatedBy, &helpers, &mentions,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if len(helpers) > 0 {
		_ = json.Unmarshal(helpers, &t.HelperIDs)
	}
	if len(mentions) > 0 {
		_ = json.Unmarshal(mentions, &t.MentionIDs)
	}
	return &t, nil
}

func scanLoop(row pgx.Row) (*models.Loop, error) {
	var l models.Loop
	var seq []byte
	err := row.Scan(&l.ID, &l.TaskID, &seq, &l.CurrentStep, &l.IsActive, &l.Parallel, &l.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal(seq, &l.Sequence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sequence: %w", err)
	}
	return &l, nil
}

func scanOrg(row pgx.Row) (*models.Organization, error) {
	var o models.Organization
	var admins []byte
	err := row.Scan(&o.ID, &o.Name, &o.Domain, &admins, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(admins) > 0 {
		_ = json.Unmarshal(admins, &o.AdminIDs)
	}
	return &o, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
