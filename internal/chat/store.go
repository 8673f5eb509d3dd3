package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// sinceFetchCap bounds a single delta fetch. Bursts larger than this are
// re-fetched on the next poll tick rather than silently truncated forever;
// the cap exists only to keep one response from growing without bound.
const sinceFetchCap = 200

const (
	opStoreNew   = "chat.store.new"
	opAppend     = "chat.append"
	opPageBefore = "chat.page_before"
	opSince      = "chat.since"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues unique message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// MessageStoreConfig describes the dependencies of the per-partition message log.
type MessageStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// MessageStore is the append-only message log, partitioned by PartitionKey.
type MessageStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewMessageStore constructs the store.
func NewMessageStore(cfg MessageStoreConfig) (*MessageStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", ErrStorageUnavailable, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, "missing_id_provider", ErrStorageUnavailable, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &MessageStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Append stores a new message in the partition's log and returns the stored
// record. The partition is created lazily on first append. The assigned
// timestamp never moves backwards within a partition: a send racing a clock
// step is clamped to the newest stored timestamp inside the same transaction.
func (s *MessageStore) Append(ctx context.Context, key PartitionKey, senderID UserID, senderUsername, content string) (Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Message{}, newServiceError(opAppend, "empty_content", ErrValidation, nil)
	}
	if key == "" {
		return Message{}, newServiceError(opAppend, "missing_partition_key", ErrValidation, nil)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppend, "id_generation_failed", err, zap.String("partition_key", key.String()))
		return Message{}, newServiceError(opAppend, "id_generation_failed", ErrStorageUnavailable, err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	var stored Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var newestMillis int64
		err := tx.Model(&Message{}).
			Where("partition_key = ?", key.String()).
			Select("COALESCE(MAX(sent_at_ms), 0)").
			Scan(&newestMillis).Error
		if err != nil {
			return err
		}

		sentAt := nowMillis
		if sentAt < newestMillis {
			sentAt = newestMillis
		}

		stored = Message{
			MessageID:      messageID,
			PartitionKey:   key.String(),
			SenderID:       senderID.String(),
			SenderUsername: senderUsername,
			Content:        trimmed,
			SentAtMillis:   sentAt,
		}
		return tx.Create(&stored).Error
	})
	if txErr != nil {
		s.logError(opAppend, "append_failed", txErr,
			zap.String("partition_key", key.String()),
			zap.String("sender_id", senderID.String()))
		return Message{}, newServiceError(opAppend, "append_failed", ErrStorageUnavailable, txErr)
	}

	return stored, nil
}

// StoredPage is one reverse-chronological window of a partition's log,
// delivered oldest to newest.
type StoredPage struct {
	Messages   []Message
	TotalCount int64
	HasMore    bool
}

// PageBefore returns the page-th most-recent window of the partition's log.
// Rows are read newest-first then reversed so callers always see
// chronological order. HasMore is true while page*pageSize < total.
func (s *MessageStore) PageBefore(ctx context.Context, key PartitionKey, page, pageSize int) (StoredPage, error) {
	if page < 1 {
		return StoredPage{}, newServiceError(opPageBefore, "invalid_page", ErrValidation, nil)
	}
	if pageSize < 1 {
		return StoredPage{}, newServiceError(opPageBefore, "invalid_page_size", ErrValidation, nil)
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("partition_key = ?", key.String()).
		Count(&total).Error; err != nil {
		s.logError(opPageBefore, "count_failed", err, zap.String("partition_key", key.String()))
		return StoredPage{}, newServiceError(opPageBefore, "count_failed", ErrStorageUnavailable, err)
	}

	var rows []Message
	if err := s.db.WithContext(ctx).
		Where("partition_key = ?", key.String()).
		Order("sent_at_ms DESC, message_id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		s.logError(opPageBefore, "query_failed", err, zap.String("partition_key", key.String()))
		return StoredPage{}, newServiceError(opPageBefore, "query_failed", ErrStorageUnavailable, err)
	}

	for left, right := 0, len(rows)-1; left < right; left, right = left+1, right-1 {
		rows[left], rows[right] = rows[right], rows[left]
	}

	return StoredPage{
		Messages:   rows,
		TotalCount: total,
		HasMore:    int64(page)*int64(pageSize) < total,
	}, nil
}

// Since returns messages strictly newer than the given timestamp, oldest to
// newest. The comparison is a strict greater-than so re-invoking with the
// timestamp of the last returned message never re-delivers it.
func (s *MessageStore) Since(ctx context.Context, key PartitionKey, after UnixMillis) ([]Message, error) {
	var rows []Message
	if err := s.db.WithContext(ctx).
		Where("partition_key = ? AND sent_at_ms > ?", key.String(), after.Int64()).
		Order("sent_at_ms ASC, message_id ASC").
		Limit(sinceFetchCap).
		Find(&rows).Error; err != nil {
		s.logError(opSince, "query_failed", err, zap.String("partition_key", key.String()))
		return nil, newServiceError(opSince, "query_failed", ErrStorageUnavailable, err)
	}
	return rows, nil
}

func (s *MessageStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("message store error", attrs...)
}
