package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"loopboard/backend/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the subset of pgx operations the store needs. It is satisfied by
// both *pgxpool.Pool and pgx.Tx, which is how an optional transaction handle
// is threaded through every repository call.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistence collaborator for tasks, loops and their audit trail.
type Store interface {
	// Bind returns a view of the store running on q, typically a transaction.
	Bind(q Querier) Store

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	SaveTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) (bool, error)
	ListTasks(ctx context.Context, orgID string) ([]*models.Task, error)

	CreateLoop(ctx context.Context, loop *models.Loop) error
	GetLoop(ctx context.Context, id string) (*models.Loop, error)
	GetLoopByTask(ctx context.Context, taskID string) (*models.Loop, error)
	SaveLoop(ctx context.Context, loop *models.Loop) error
	// DeleteLoopByTask removes the loop and every history row it owns.
	DeleteLoopByTask(ctx context.Context, taskID string) (bool, error)

	AppendHistory(ctx context.Context, entries []models.LoopHistory) error
	ListHistory(ctx context.Context, taskID string) ([]models.LoopHistory, error)

	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationByDomain(ctx context.Context, domain string) (*models.Organization, error)

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
}
