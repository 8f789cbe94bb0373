package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateMember creates a new member record.
func (s *PostgresStore) CreateMember(ctx context.Context, orgID uuid.UUID, name, role, tokenHash string) (*models.Member, error) {
	member := &models.Member{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO members (org_id, name, role, token_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, name, role, token_hash, created_at, updated_at
	`, orgID, name, role, tokenHash).Scan(
		&member.ID,
		&member.OrgID,
		&member.Name,
		&member.Role,
		&member.TokenHash,
		&member.CreatedAt,
		&member.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return member, nil
}

// GetMemberByID retrieves a member by ID.
func (s *PostgresStore) GetMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return s.scanMember(s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, role, token_hash, created_at, updated_at
		FROM members WHERE id = $1
	`, id))
}

func observePostgres(start time.Time) {
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
}

// GetMemberByTokenHash retrieves a member by API token digest.
func (s *PostgresStore) GetMemberByTokenHash(ctx context.Context, tokenHash string) (*models.Member, error) {
	defer observePostgres(time.Now())

	return s.scanMember(s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, role, token_hash, created_at, updated_at
		FROM members WHERE token_hash = $1
	`, tokenHash))
}

func (s *PostgresStore) scanMember(row pgx.Row) (*models.Member, error) {
	member := &models.Member{}
	err := row.Scan(
		&member.ID,
		&member.OrgID,
		&member.Name,
		&member.Role,
		&member.TokenHash,
		&member.CreatedAt,
		&member.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return member, nil
}

// ListOrgMembers retrieves all members of an organization.
func (s *PostgresStore) ListOrgMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, name, role, token_hash, created_at, updated_at
		FROM members WHERE org_id = $1
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		err := rows.Scan(&m.ID, &m.OrgID, &m.Name, &m.Role, &m.TokenHash, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountMembers counts members of an organization.
func (s *PostgresStore) CountMembers(ctx context.Context, orgID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM members WHERE org_id = $1`, orgID).Scan(&count)
	return count, err
}

// CreateThread creates a new thread.
func (s *PostgresStore) CreateThread(ctx context.Context, orgID uuid.UUID, kind, subject string, createdBy *uuid.UUID) (*models.Thread, error) {
	thread := &models.Thread{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threads (org_id, kind, subject, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, kind, subject, created_by, created_at, last_active_at, message_count
	`, orgID, kind, subject, createdBy).Scan(
		&thread.ID,
		&thread.OrgID,
		&thread.Kind,
		&thread.Subject,
		&thread.CreatedBy,
		&thread.CreatedAt,
		&thread.LastActiveAt,
		&thread.MessageCount,
	)
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread retrieves a thread by ID, scoped to an organization.
// Threads belonging to other organizations are reported as not found.
func (s *PostgresStore) GetThread(ctx context.Context, orgID, id uuid.UUID) (*models.Thread, error) {
	thread := &models.Thread{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, kind, subject, created_by, created_at, last_active_at, message_count
		FROM threads WHERE id = $1 AND org_id = $2
	`, id, orgID).Scan(
		&thread.ID,
		&thread.OrgID,
		&thread.Kind,
		&thread.Subject,
		&thread.CreatedBy,
		&thread.CreatedAt,
		&thread.LastActiveAt,
		&thread.MessageCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return thread, nil
}

// ListThreadsForMember retrieves threads the member participates in, most
// recently active first.
func (s *PostgresStore) ListThreadsForMember(ctx context.Context, orgID, memberID uuid.UUID, limit, offset int) ([]models.Thread, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM threads t JOIN participants p ON p.thread_id = t.id
		WHERE t.org_id = $1 AND p.member_id = $2
	`, orgID, memberID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.org_id, t.kind, t.subject, t.created_by, t.created_at, t.last_active_at, t.message_count
		FROM threads t JOIN participants p ON p.thread_id = t.id
		WHERE t.org_id = $1 AND p.member_id = $2
		ORDER BY t.last_active_at DESC
		LIMIT $3 OFFSET $4
	`, orgID, memberID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var t models.Thread
		err := rows.Scan(&t.ID, &t.OrgID, &t.Kind, &t.Subject, &t.CreatedBy, &t.CreatedAt, &t.LastActiveAt, &t.MessageCount)
		if err != nil {
			return nil, 0, err
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

// TouchThread bumps message count and activity after a message is stored.
func (s *PostgresStore) TouchThread(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET message_count = message_count + 1, last_active_at = $2
		WHERE id = $1
	`, id, at)
	return err
}

// AddParticipants adds members to a thread, skipping existing rows.
func (s *PostgresStore) AddParticipants(ctx context.Context, threadID uuid.UUID, memberIDs []uuid.UUID) error {
	batch := &pgx.Batch{}
	for _, memberID := range memberIDs {
		batch.Queue(`
			INSERT INTO participants (thread_id, member_id)
			VALUES ($1, $2)
			ON CONFLICT (thread_id, member_id) DO NOTHING
		`, threadID, memberID)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// GetParticipant retrieves a participant row.
func (s *PostgresStore) GetParticipant(ctx context.Context, threadID, memberID uuid.UUID) (*models.Participant, error) {
	p := &models.Participant{}
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, member_id, joined_at, last_read_at, muted
		FROM participants WHERE thread_id = $1 AND member_id = $2
	`, threadID, memberID).Scan(&p.ThreadID, &p.MemberID, &p.JoinedAt, &p.LastReadAt, &p.Muted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ListParticipants retrieves all participants of a thread.
func (s *PostgresStore) ListParticipants(ctx context.Context, threadID uuid.UUID) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT thread_id, member_id, joined_at, last_read_at, muted
		FROM participants WHERE thread_id = $1
		ORDER BY joined_at
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		err := rows.Scan(&p.ThreadID, &p.MemberID, &p.JoinedAt, &p.LastReadAt, &p.Muted)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// AdvanceReadWatermark moves the participant's last_read_at forward.
// The watermark never moves backward; returns false when the update was a no-op.
func (s *PostgresStore) AdvanceReadWatermark(ctx context.Context, threadID, memberID uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants
		SET last_read_at = $3
		WHERE thread_id = $1 AND member_id = $2
		  AND (last_read_at IS NULL OR last_read_at < $3)
	`, threadID, memberID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordReceipts inserts read receipt rows, ignoring duplicates.
// Returns the number of new receipts recorded.
func (s *PostgresStore) RecordReceipts(ctx context.Context, threadID, memberID uuid.UUID, messageIDs []string, at time.Time) (int, error) {
	defer observePostgres(time.Now())

	inserted := 0
	for _, messageID := range messageIDs {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO message_read_receipts (message_id, thread_id, member_id, read_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (message_id, member_id) DO NOTHING
		`, messageID, threadID, memberID, at)
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetAnnouncementStats aggregates delivery and read counts for one message.
func (s *PostgresStore) GetAnnouncementStats(ctx context.Context, threadID uuid.UUID, messageID string) (*models.AnnouncementStats, error) {
	stats := &models.AnnouncementStats{MessageID: messageID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM participants WHERE thread_id = $1),
			(SELECT COUNT(*) FROM message_read_receipts WHERE thread_id = $1 AND message_id = $2)
	`, threadID, messageID).Scan(&stats.Delivered, &stats.Read)
	if err != nil {
		return nil, err
	}
	if stats.Delivered > 0 {
		stats.ReadRate = float64(stats.Read) / float64(stats.Delivered)
	}
	return stats, nil
}

// ListReceiptDetails returns per-participant read times for one message.
// Participants who have not read it appear with a nil ReadAt.
func (s *PostgresStore) ListReceiptDetails(ctx context.Context, threadID uuid.UUID, messageID string) ([]models.ReceiptDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.name, r.read_at
		FROM participants p
		JOIN members m ON m.id = p.member_id
		LEFT JOIN message_read_receipts r
			ON r.thread_id = p.thread_id AND r.member_id = p.member_id AND r.message_id = $2
		WHERE p.thread_id = $1
		ORDER BY r.read_at NULLS LAST, m.name
	`, threadID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []models.ReceiptDetail
	for rows.Next() {
		var d models.ReceiptDetail
		err := rows.Scan(&d.MemberID, &d.MemberName, &d.ReadAt)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}
