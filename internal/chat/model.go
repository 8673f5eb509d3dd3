package chat

import (
	"errors"
	"fmt"
)

// previewLength bounds the denormalized last-message snippet stored on a
// conversation summary.
const previewLength = 70

// ErrInvalidTimestamp indicates that a unix-millisecond value is not positive.
var ErrInvalidTimestamp = errors.New("chat: invalid unix timestamp")

// UnixMillis represents a validated unix timestamp in milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// Int64 exposes the raw unix-millisecond value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Message models one immutable entry in a partition's append-only log.
type Message struct {
	MessageID      string `gorm:"column:message_id;primaryKey;size:190;not null"`
	PartitionKey   string `gorm:"column:partition_key;size:381;not null;index:idx_messages_partition_time,priority:1"`
	SenderID       string `gorm:"column:sender_id;size:190;not null"`
	SenderUsername string `gorm:"column:sender_username;size:320;not null"`
	Content        string `gorm:"column:content;type:text;not null"`
	SentAtMillis   int64  `gorm:"column:sent_at_ms;not null;index:idx_messages_partition_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// Conversation is the single summary row kept per partition. Participant
// columns are written once at creation and mirror the sorted order encoded
// in the partition key; last-message columns are overwritten on every send.
type Conversation struct {
	PartitionKey          string `gorm:"column:partition_key;primaryKey;size:381;not null"`
	ParticipantAID        string `gorm:"column:participant_a_id;size:190;not null;index:idx_conversations_a_activity,priority:1"`
	ParticipantBID        string `gorm:"column:participant_b_id;size:190;not null;index:idx_conversations_b_activity,priority:1"`
	ParticipantAUsername  string `gorm:"column:participant_a_username;size:320;not null"`
	ParticipantBUsername  string `gorm:"column:participant_b_username;size:320;not null"`
	ParticipantAName      string `gorm:"column:participant_a_name;size:320;not null;default:''"`
	ParticipantBName      string `gorm:"column:participant_b_name;size:320;not null;default:''"`
	LastMessagePreview    string `gorm:"column:last_message_preview;size:80;not null;default:''"`
	LastSenderID          string `gorm:"column:last_sender_id;size:190;not null;default:''"`
	LastSenderUsername    string `gorm:"column:last_sender_username;size:320;not null;default:''"`
	LastActivityMillis    int64  `gorm:"column:last_activity_ms;not null;index:idx_conversations_a_activity,priority:2;index:idx_conversations_b_activity,priority:2"`
	CreatedAtMillis       int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "chat_conversations"
}

// Other returns the participant slot that does not match the given user.
// The pair is stored sorted, so the peer is whichever slot differs.
func (c Conversation) Other(userID UserID) (id UserID, username, displayName string, ok bool) {
	switch userID.String() {
	case c.ParticipantAID:
		return UserID(c.ParticipantBID), c.ParticipantBUsername, c.ParticipantBName, true
	case c.ParticipantBID:
		return UserID(c.ParticipantAID), c.ParticipantAUsername, c.ParticipantAName, true
	default:
		return "", "", "", false
	}
}

func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength])
}
