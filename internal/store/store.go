package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/darasahq/darasa/internal/models"
)

// DataStore defines the interface for persistent storage of members, threads,
// participants and read receipts. Both PostgresStore and SQLiteStore implement
// this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Member operations
	CreateMember(ctx context.Context, orgID uuid.UUID, name, role, tokenHash string) (*models.Member, error)
	GetMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error)
	GetMemberByTokenHash(ctx context.Context, tokenHash string) (*models.Member, error)
	ListOrgMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error)
	CountMembers(ctx context.Context, orgID uuid.UUID) (int64, error)

	// Thread operations
	CreateThread(ctx context.Context, orgID uuid.UUID, kind, subject string, createdBy *uuid.UUID) (*models.Thread, error)
	GetThread(ctx context.Context, orgID, id uuid.UUID) (*models.Thread, error)
	ListThreadsForMember(ctx context.Context, orgID, memberID uuid.UUID, limit, offset int) ([]models.Thread, int, error)
	TouchThread(ctx context.Context, id uuid.UUID, at time.Time) error

	// Participant operations
	AddParticipants(ctx context.Context, threadID uuid.UUID, memberIDs []uuid.UUID) error
	GetParticipant(ctx context.Context, threadID, memberID uuid.UUID) (*models.Participant, error)
	ListParticipants(ctx context.Context, threadID uuid.UUID) ([]models.Participant, error)
	AdvanceReadWatermark(ctx context.Context, threadID, memberID uuid.UUID, at time.Time) (bool, error)

	// Read receipt operations
	RecordReceipts(ctx context.Context, threadID, memberID uuid.UUID, messageIDs []string, at time.Time) (int, error)
	GetAnnouncementStats(ctx context.Context, threadID uuid.UUID, messageID string) (*models.AnnouncementStats, error)
	ListReceiptDetails(ctx context.Context, threadID uuid.UUID, messageID string) ([]models.ReceiptDetail, error)
}
