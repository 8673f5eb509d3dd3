package chat

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

const (
	opServiceNew        = "chat.service.new"
	opSend              = "chat.send"
	opFetchPage         = "chat.fetch_page"
	opFetchSince        = "chat.fetch_since"
	opListConversations = "chat.list_conversations"
)

var (
	errMissingStore    = errors.New("message store is required")
	errMissingRoster   = errors.New("conversation roster is required")
	errMissingResolver = errors.New("identity resolver is required")
)

// Identity is the resolved public profile of one participant.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
}

// IdentityResolver looks up participant profiles. Implementations return an
// error wrapping ErrNotFound when the user id is unknown.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, userID string) (Identity, error)
}

// ServiceConfig describes the sync-protocol service dependencies.
type ServiceConfig struct {
	Store      *MessageStore
	Roster     *ConversationRoster
	Identities IdentityResolver
	Logger     *zap.Logger
}

// Service implements the stateless protocol operations over the partitioned
// message log and the conversation roster.
type Service struct {
	store      *MessageStore
	roster     *ConversationRoster
	identities IdentityResolver
	logger     *zap.Logger
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", ErrStorageUnavailable, errMissingStore)
	}
	if cfg.Roster == nil {
		return nil, newServiceError(opServiceNew, "missing_roster", ErrStorageUnavailable, errMissingRoster)
	}
	if cfg.Identities == nil {
		return nil, newServiceError(opServiceNew, "missing_identities", ErrStorageUnavailable, errMissingResolver)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		roster:     cfg.Roster,
		identities: cfg.Identities,
		logger:     logger,
	}, nil
}

// Send appends a message to the sender/recipient partition and records the
// activity on the roster. The append runs first; a failed append leaves the
// roster untouched, so a send is never visible in the roster without the
// message itself being stored.
func (s *Service) Send(ctx context.Context, senderID, recipientID UserID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, newServiceError(opSend, "empty_content", ErrValidation, nil)
	}

	sender, err := s.identities.ResolveIdentity(ctx, senderID.String())
	if err != nil {
		return Message{}, s.resolveFailure(opSend, "sender_unresolved", err)
	}
	recipient, err := s.identities.ResolveIdentity(ctx, recipientID.String())
	if err != nil {
		return Message{}, s.resolveFailure(opSend, "recipient_unresolved", err)
	}

	key, err := DerivePartitionKey(senderID, recipientID)
	if err != nil {
		return Message{}, newServiceError(opSend, "invalid_participants", ErrValidation, err)
	}

	stored, err := s.store.Append(ctx, key, senderID, sender.Username, content)
	if err != nil {
		return Message{}, err
	}

	firstID, secondID := key.Participants()
	first, second := sender, recipient
	if first.UserID != firstID.String() {
		first, second = recipient, sender
	}

	sentAt, err := NewUnixMillis(stored.SentAtMillis)
	if err != nil {
		return Message{}, newServiceError(opSend, "invalid_stored_timestamp", ErrStorageUnavailable, err)
	}

	record := ActivityRecord{
		PartitionKey:         key,
		ParticipantIDs:       [2]UserID{firstID, secondID},
		ParticipantUsernames: [2]string{first.Username, second.Username},
		ParticipantNames:     [2]string{first.DisplayName, second.DisplayName},
		SenderID:             senderID,
		SenderUsername:       sender.Username,
		Content:              stored.Content,
		SentAt:               sentAt,
	}
	if err := s.roster.RecordActivity(ctx, record); err != nil {
		return Message{}, err
	}

	return stored, nil
}

// HistoryPage is one chronological window of a partition's history plus the
// pagination metadata clients use to drive backward pagination.
type HistoryPage struct {
	Messages      []Message
	CurrentPage   int
	TotalPages    int
	TotalMessages int64
	HasMore       bool
}

// FetchPage returns the requested history window. The requester must be one
// of the two identifiers encoded in the partition key.
func (s *Service) FetchPage(ctx context.Context, requester UserID, key PartitionKey, page, pageSize int) (HistoryPage, error) {
	if !key.Contains(requester) {
		return HistoryPage{}, newServiceError(opFetchPage, "not_a_member", ErrForbidden, nil)
	}

	stored, err := s.store.PageBefore(ctx, key, page, pageSize)
	if err != nil {
		return HistoryPage{}, err
	}

	totalPages := int((stored.TotalCount + int64(pageSize) - 1) / int64(pageSize))
	return HistoryPage{
		Messages:      stored.Messages,
		CurrentPage:   page,
		TotalPages:    totalPages,
		TotalMessages: stored.TotalCount,
		HasMore:       stored.HasMore,
	}, nil
}

// FetchSince returns all messages strictly newer than the given timestamp.
// Same membership precondition as FetchPage.
func (s *Service) FetchSince(ctx context.Context, requester UserID, key PartitionKey, after UnixMillis) ([]Message, error) {
	if !key.Contains(requester) {
		return nil, newServiceError(opFetchSince, "not_a_member", ErrForbidden, nil)
	}
	return s.store.Since(ctx, key, after)
}

// ConversationPartner is one roster entry resolved from the requester's
// point of view.
type ConversationPartner struct {
	PartitionKey       PartitionKey
	UserID             UserID
	Username           string
	DisplayName        string
	LastMessagePreview string
	LastSenderID       UserID
	LastActivityMillis int64
}

// ListConversations returns the requester's recent conversation partners
// ordered by recency. Display names are read from the denormalized summary;
// when a summary predates name denormalization the peer is resolved through
// the identity provider as an explicit second step.
func (s *Service) ListConversations(ctx context.Context, requester UserID, limit int) ([]ConversationPartner, error) {
	summaries, err := s.roster.ListRecent(ctx, requester, limit)
	if err != nil {
		return nil, err
	}

	partners := make([]ConversationPartner, 0, len(summaries))
	for _, summary := range summaries {
		otherID, otherUsername, otherName, ok := summary.Other(requester)
		if !ok {
			continue
		}
		if otherUsername == "" || otherName == "" {
			resolved, err := s.identities.ResolveIdentity(ctx, otherID.String())
			if err != nil {
				s.logger.Warn("roster peer resolution failed",
					zap.String("operation", opListConversations),
					zap.String("partition_key", summary.PartitionKey),
					zap.Error(err))
			} else {
				otherUsername = resolved.Username
				otherName = resolved.DisplayName
			}
		}
		partners = append(partners, ConversationPartner{
			PartitionKey:       PartitionKey(summary.PartitionKey),
			UserID:             otherID,
			Username:           otherUsername,
			DisplayName:        otherName,
			LastMessagePreview: summary.LastMessagePreview,
			LastSenderID:       UserID(summary.LastSenderID),
			LastActivityMillis: summary.LastActivityMillis,
		})
	}
	return partners, nil
}

func (s *Service) resolveFailure(operation, reason string, cause error) error {
	if errors.Is(cause, ErrNotFound) {
		return newServiceError(operation, reason, ErrNotFound, cause)
	}
	s.logger.Error("identity resolution failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause))
	return newServiceError(operation, reason, ErrStorageUnavailable, cause)
}
