package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/darasahq/darasa/internal/models"
)

// SQLiteStore handles SQLite database operations. It backs single-node
// development deployments where no DATABASE_URL is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/darasa.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/darasa.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		token_hash TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		created_by TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS participants (
		thread_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_read_at DATETIME,
		muted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (thread_id, member_id)
	);

	CREATE TABLE IF NOT EXISTS message_read_receipts (
		message_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		read_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, member_id)
	);

	CREATE INDEX IF NOT EXISTS idx_members_org ON members(org_id);
	CREATE INDEX IF NOT EXISTS idx_members_token_hash ON members(token_hash);
	CREATE INDEX IF NOT EXISTS idx_threads_org_active ON threads(org_id, last_active_at);
	CREATE INDEX IF NOT EXISTS idx_participants_member ON participants(member_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_thread_message ON message_read_receipts(thread_id, message_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateMember creates a new member record.
func (s *SQLiteStore) CreateMember(ctx context.Context, orgID uuid.UUID, name, role, tokenHash string) (*models.Member, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, org_id, name, role, token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), orgID.String(), name, role, tokenHash, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetMemberByID(ctx, id)
}

func (s *SQLiteStore) scanMember(row *sql.Row) (*models.Member, error) {
	member := &models.Member{}
	var idStr, orgStr string
	err := row.Scan(&idStr, &orgStr, &member.Name, &member.Role, &member.TokenHash, &member.CreatedAt, &member.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if member.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if member.OrgID, err = uuid.Parse(orgStr); err != nil {
		return nil, err
	}
	return member, nil
}

// GetMemberByID retrieves a member by ID.
func (s *SQLiteStore) GetMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, role, token_hash, created_at, updated_at
		FROM members WHERE id = ?
	`, id.String()))
}

// GetMemberByTokenHash retrieves a member by API token digest.
func (s *SQLiteStore) GetMemberByTokenHash(ctx context.Context, tokenHash string) (*models.Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, role, token_hash, created_at, updated_at
		FROM members WHERE token_hash = ?
	`, tokenHash))
}

// ListOrgMembers retrieves all members of an organization.
func (s *SQLiteStore) ListOrgMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, role, token_hash, created_at, updated_at
		FROM members WHERE org_id = ?
		ORDER BY created_at
	`, orgID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		var idStr, orgStr string
		err := rows.Scan(&idStr, &orgStr, &m.Name, &m.Role, &m.TokenHash, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if m.OrgID, err = uuid.Parse(orgStr); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountMembers counts members of an organization.
func (s *SQLiteStore) CountMembers(ctx context.Context, orgID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE org_id = ?`, orgID.String()).Scan(&count)
	return count, err
}

// CreateThread creates a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, orgID uuid.UUID, kind, subject string, createdBy *uuid.UUID) (*models.Thread, error) {
	id := uuid.New()
	now := time.Now().UTC()

	var createdByStr *string
	if createdBy != nil {
		str := createdBy.String()
		createdByStr = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, org_id, kind, subject, created_by, created_at, last_active_at, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, id.String(), orgID.String(), kind, subject, createdByStr, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetThread(ctx, orgID, id)
}

func scanThread(scan func(dest ...any) error) (*models.Thread, error) {
	thread := &models.Thread{}
	var idStr, orgStr string
	var createdByStr *string
	err := scan(&idStr, &orgStr, &thread.Kind, &thread.Subject, &createdByStr,
		&thread.CreatedAt, &thread.LastActiveAt, &thread.MessageCount)
	if err != nil {
		return nil, err
	}
	if thread.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if thread.OrgID, err = uuid.Parse(orgStr); err != nil {
		return nil, err
	}
	if createdByStr != nil {
		createdBy, err := uuid.Parse(*createdByStr)
		if err != nil {
			return nil, err
		}
		thread.CreatedBy = &createdBy
	}
	return thread, nil
}

// GetThread retrieves a thread by ID, scoped to an organization.
func (s *SQLiteStore) GetThread(ctx context.Context, orgID, id uuid.UUID) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, kind, subject, created_by, created_at, last_active_at, message_count
		FROM threads WHERE id = ? AND org_id = ?
	`, id.String(), orgID.String())

	thread, err := scanThread(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return thread, nil
}

// ListThreadsForMember retrieves threads the member participates in.
func (s *SQLiteStore) ListThreadsForMember(ctx context.Context, orgID, memberID uuid.UUID, limit, offset int) ([]models.Thread, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM threads t JOIN participants p ON p.thread_id = t.id
		WHERE t.org_id = ? AND p.member_id = ?
	`, orgID.String(), memberID.String()).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.org_id, t.kind, t.subject, t.created_by, t.created_at, t.last_active_at, t.message_count
		FROM threads t JOIN participants p ON p.thread_id = t.id
		WHERE t.org_id = ? AND p.member_id = ?
		ORDER BY t.last_active_at DESC
		LIMIT ? OFFSET ?
	`, orgID.String(), memberID.String(), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		thread, err := scanThread(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		threads = append(threads, *thread)
	}
	return threads, total, rows.Err()
}

// TouchThread bumps message count and activity after a message is stored.
func (s *SQLiteStore) TouchThread(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET message_count = message_count + 1, last_active_at = ?
		WHERE id = ?
	`, at, id.String())
	return err
}

// AddParticipants adds members to a thread, skipping existing rows.
func (s *SQLiteStore) AddParticipants(ctx context.Context, threadID uuid.UUID, memberIDs []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, memberID := range memberIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO participants (thread_id, member_id)
			VALUES (?, ?)
		`, threadID.String(), memberID.String())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetParticipant retrieves a participant row.
func (s *SQLiteStore) GetParticipant(ctx context.Context, threadID, memberID uuid.UUID) (*models.Participant, error) {
	p := &models.Participant{}
	var threadStr, memberStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, member_id, joined_at, last_read_at, muted
		FROM participants WHERE thread_id = ? AND member_id = ?
	`, threadID.String(), memberID.String()).Scan(&threadStr, &memberStr, &p.JoinedAt, &p.LastReadAt, &p.Muted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if p.ThreadID, err = uuid.Parse(threadStr); err != nil {
		return nil, err
	}
	if p.MemberID, err = uuid.Parse(memberStr); err != nil {
		return nil, err
	}
	return p, nil
}

// ListParticipants retrieves all participants of a thread.
func (s *SQLiteStore) ListParticipants(ctx context.Context, threadID uuid.UUID) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, member_id, joined_at, last_read_at, muted
		FROM participants WHERE thread_id = ?
		ORDER BY joined_at
	`, threadID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		var threadStr, memberStr string
		err := rows.Scan(&threadStr, &memberStr, &p.JoinedAt, &p.LastReadAt, &p.Muted)
		if err != nil {
			return nil, err
		}
		if p.ThreadID, err = uuid.Parse(threadStr); err != nil {
			return nil, err
		}
		if p.MemberID, err = uuid.Parse(memberStr); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// AdvanceReadWatermark moves the participant's last_read_at forward.
// The watermark never moves backward.
func (s *SQLiteStore) AdvanceReadWatermark(ctx context.Context, threadID, memberID uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET last_read_at = ?
		WHERE thread_id = ? AND member_id = ?
		  AND (last_read_at IS NULL OR last_read_at < ?)
	`, at, threadID.String(), memberID.String(), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordReceipts inserts read receipt rows, ignoring duplicates.
func (s *SQLiteStore) RecordReceipts(ctx context.Context, threadID, memberID uuid.UUID, messageIDs []string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, messageID := range messageIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_read_receipts (message_id, thread_id, member_id, read_at)
			VALUES (?, ?, ?, ?)
		`, messageID, threadID.String(), memberID.String(), at)
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetAnnouncementStats aggregates delivery and read counts for one message.
func (s *SQLiteStore) GetAnnouncementStats(ctx context.Context, threadID uuid.UUID, messageID string) (*models.AnnouncementStats, error) {
	stats := &models.AnnouncementStats{MessageID: messageID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM participants WHERE thread_id = ?),
			(SELECT COUNT(*) FROM message_read_receipts WHERE thread_id = ? AND message_id = ?)
	`, threadID.String(), threadID.String(), messageID).Scan(&stats.Delivered, &stats.Read)
	if err != nil {
		return nil, err
	}
	if stats.Delivered > 0 {
		stats.ReadRate = float64(stats.Read) / float64(stats.Delivered)
	}
	return stats, nil
}

// ListReceiptDetails returns per-participant read times for one message.
func (s *SQLiteStore) ListReceiptDetails(ctx context.Context, threadID uuid.UUID, messageID string) ([]models.ReceiptDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.name, r.read_at
		FROM participants p
		JOIN members m ON m.id = p.member_id
		LEFT JOIN message_read_receipts r
			ON r.thread_id = p.thread_id AND r.member_id = p.member_id AND r.message_id = ?
		WHERE p.thread_id = ?
		ORDER BY r.read_at IS NULL, r.read_at, m.name
	`, messageID, threadID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []models.ReceiptDetail
	for rows.Next() {
		var d models.ReceiptDetail
		var idStr string
		err := rows.Scan(&idStr, &d.MemberName, &d.ReadAt)
		if err != nil {
			return nil, err
		}
		if d.MemberID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}
