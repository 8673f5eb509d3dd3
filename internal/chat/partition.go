package chat

import (
	"errors"
	"fmt"
	"strings"
)

// partitionSeparator joins the two sorted participant ids. User ids are
// UUIDs, which never contain an underscore, so the key stays parseable.
const partitionSeparator = "_"

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a participant identifier is empty,
	// too long, or contains the partition separator.
	ErrInvalidUserID = errors.New("chat: invalid user id")
	// ErrInvalidPartitionKey indicates that a raw key does not encode a participant pair.
	ErrInvalidPartitionKey = errors.New("chat: invalid partition key")
)

// UserID represents a validated participant identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, partitionSeparator) {
		return "", fmt.Errorf("%w: contains reserved separator", ErrInvalidUserID)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// PartitionKey addresses the isolated message log for one participant pair.
// The same derivation feeds both the message store and the conversation
// roster; deriving it anywhere else would fork the partition.
type PartitionKey string

// DerivePartitionKey builds the key for the unordered pair {a, b}.
// It is commutative: DerivePartitionKey(a, b) == DerivePartitionKey(b, a).
func DerivePartitionKey(a, b UserID) (PartitionKey, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: both participants required", ErrInvalidUserID)
	}
	first, second := a.String(), b.String()
	if second < first {
		first, second = second, first
	}
	return PartitionKey(first + partitionSeparator + second), nil
}

// ParsePartitionKey validates a raw key received over the wire.
func ParsePartitionKey(rawInput string) (PartitionKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	parts := strings.Split(trimmed, partitionSeparator)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPartitionKey, rawInput)
	}
	first, err := NewUserID(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPartitionKey, rawInput)
	}
	second, err := NewUserID(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPartitionKey, rawInput)
	}
	if second.String() < first.String() {
		return "", fmt.Errorf("%w: participants out of order", ErrInvalidPartitionKey)
	}
	return PartitionKey(trimmed), nil
}

// String returns the underlying key.
func (k PartitionKey) String() string {
	return string(k)
}

// Participants returns the sorted pair encoded in the key.
func (k PartitionKey) Participants() (UserID, UserID) {
	parts := strings.SplitN(string(k), partitionSeparator, 2)
	if len(parts) != 2 {
		return "", ""
	}
	return UserID(parts[0]), UserID(parts[1])
}

// Contains reports whether the given user is one of the two encoded participants.
func (k PartitionKey) Contains(id UserID) bool {
	first, second := k.Participants()
	return id != "" && (id == first || id == second)
}

// OtherParticipant resolves the peer of the given user from the encoded pair.
func (k PartitionKey) OtherParticipant(id UserID) (UserID, bool) {
	first, second := k.Participants()
	switch id {
	case first:
		return second, true
	case second:
		return first, true
	default:
		return "", false
	}
}
