package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRosterNew      = "chat.roster.new"
	opRecordActivity = "chat.record_activity"
	opListRecent     = "chat.list_recent"
)

const defaultRosterLimit = 20

// ActivityRecord describes one send's contribution to a conversation
// summary. Participant slots must already be sorted to match the order
// encoded in the partition key.
type ActivityRecord struct {
	PartitionKey         PartitionKey
	ParticipantIDs       [2]UserID
	ParticipantUsernames [2]string
	ParticipantNames     [2]string
	SenderID             UserID
	SenderUsername       string
	Content              string
	SentAt               UnixMillis
}

// ConversationRosterConfig describes the roster's dependencies.
type ConversationRosterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// ConversationRoster maintains exactly one summary row per partition.
type ConversationRoster struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewConversationRoster constructs the roster.
func NewConversationRoster(cfg ConversationRosterConfig) (*ConversationRoster, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRosterNew, "missing_database", ErrStorageUnavailable, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ConversationRoster{db: cfg.Database, clock: clock, logger: logger}, nil
}

// RecordActivity upserts the partition's summary in a single atomic
// statement: insert the full row when the partition is new, otherwise
// overwrite only the last-message columns. Participant columns are written
// once and never touched again. The conditional update keeps last_activity
// from moving backwards when two sends race, so concurrent writers from both
// ends of the conversation converge on one row carrying the newer send.
func (r *ConversationRoster) RecordActivity(ctx context.Context, record ActivityRecord) error {
	if record.PartitionKey == "" {
		return newServiceError(opRecordActivity, "missing_partition_key", ErrValidation, nil)
	}

	row := Conversation{
		PartitionKey:         record.PartitionKey.String(),
		ParticipantAID:       record.ParticipantIDs[0].String(),
		ParticipantBID:       record.ParticipantIDs[1].String(),
		ParticipantAUsername: record.ParticipantUsernames[0],
		ParticipantBUsername: record.ParticipantUsernames[1],
		ParticipantAName:     record.ParticipantNames[0],
		ParticipantBName:     record.ParticipantNames[1],
		LastMessagePreview:   truncatePreview(record.Content),
		LastSenderID:         record.SenderID.String(),
		LastSenderUsername:   record.SenderUsername,
		LastActivityMillis:   record.SentAt.Int64(),
		CreatedAtMillis:      r.clock().UTC().UnixMilli(),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "partition_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_message_preview": row.LastMessagePreview,
			"last_sender_id":       row.LastSenderID,
			"last_sender_username": row.LastSenderUsername,
			"last_activity_ms":     row.LastActivityMillis,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.last_activity_ms >= chat_conversations.last_activity_ms"},
		}},
	}).Create(&row).Error
	if err != nil {
		r.logError(opRecordActivity, "upsert_failed", err, zap.String("partition_key", record.PartitionKey.String()))
		return newServiceError(opRecordActivity, "upsert_failed", ErrStorageUnavailable, err)
	}
	return nil
}

// ListRecent returns the user's conversation summaries ordered by most
// recent activity.
func (r *ConversationRoster) ListRecent(ctx context.Context, userID UserID, limit int) ([]Conversation, error) {
	if userID == "" {
		return nil, newServiceError(opListRecent, "missing_user_id", ErrValidation, nil)
	}
	if limit < 1 {
		limit = defaultRosterLimit
	}

	var rows []Conversation
	if err := r.db.WithContext(ctx).
		Where("participant_a_id = ? OR participant_b_id = ?", userID.String(), userID.String()).
		Order("last_activity_ms DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		r.logError(opListRecent, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListRecent, "query_failed", ErrStorageUnavailable, err)
	}
	return rows, nil
}

func (r *ConversationRoster) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("conversation roster error", attrs...)
}
