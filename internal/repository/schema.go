package repository

import "context"

// Schema is the DDL for the loopboard tables. It is idempotent so the seed
// binary and integration tests can apply it unconditionally.
const Schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL UNIQUE,
	admin_ids JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	steps JSONB NOT NULL DEFAULT '[]',
	current_step_index INT NOT NULL DEFAULT 0,
	owner_id UUID NOT NULL,
	created_by UUID NOT NULL,
	helper_ids JSONB NOT NULL DEFAULT '[]',
	mention_ids JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS loops (
	id UUID PRIMARY KEY,
	task_id UUID NOT NULL UNIQUE REFERENCES tasks(id),
	sequence JSONB NOT NULL DEFAULT '[]',
	current_step INT NOT NULL DEFAULT -1,
	is_active BOOLEAN NOT NULL DEFAULT false,
	parallel BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS loop_history (
	id UUID PRIMARY KEY,
	task_id UUID NOT NULL,
	step_index INT NOT NULL,
	action TEXT NOT NULL,
	user_id UUID NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	task_id UUID NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, Schema)
	return err
}
