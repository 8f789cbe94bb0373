package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS members (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	org_id UUID NOT NULL,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	token_hash TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS threads (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	org_id UUID NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	created_by UUID REFERENCES members(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	message_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS participants (
	thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	member_id UUID NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_read_at TIMESTAMPTZ,
	muted BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (thread_id, member_id)
);

CREATE TABLE IF NOT EXISTS message_read_receipts (
	message_id TEXT NOT NULL,
	thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	member_id UUID NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (message_id, member_id)
);

CREATE INDEX IF NOT EXISTS idx_members_org ON members(org_id);
CREATE INDEX IF NOT EXISTS idx_members_token_hash ON members(token_hash);
CREATE INDEX IF NOT EXISTS idx_threads_org_active ON threads(org_id, last_active_at DESC);
CREATE INDEX IF NOT EXISTS idx_participants_member ON participants(member_id);
CREATE INDEX IF NOT EXISTS idx_receipts_thread_message ON message_read_receipts(thread_id, message_id);
`

// RunMigrations applies the schema to the PostgreSQL database.
func RunMigrations(databaseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, pgSchema)
	return err
}
