package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buzzlylabs/buzzly/internal/chat"
	"github.com/buzzlylabs/buzzly/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "buzzly_user_id"

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

var (
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingChatService   = errors.New("chat service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, userID, username string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	UsersService *users.Service
	TokenManager TokenManager
	ChatService  *chat.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the chat sync protocol and
// the account surface around it.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		usersService: deps.UsersService,
		tokens:       deps.TokenManager,
		chatService:  deps.ChatService,
		logger:       logger,
	}

	router.POST("/auth/signup", handler.handleSignup)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/search", handler.handleSearch)
	protected.POST("/messages/send", handler.handleSend)
	protected.GET("/messages/:partitionKey", handler.handleHistory)
	protected.GET("/messages/:partitionKey/updates", handler.handleUpdates)
	protected.GET("/conversations", handler.handleConversations)

	return router, nil
}

type httpHandler struct {
	usersService *users.Service
	tokens       TokenManager
	chatService  *chat.Service
	logger       *zap.Logger
}

// NewIdentityResolver adapts the identity service to the chat service's
// resolver contract, translating unknown accounts into the chat error kind.
func NewIdentityResolver(service *users.Service) chat.IdentityResolver {
	return identityResolver{service: service}
}

type identityResolver struct {
	service *users.Service
}

func (r identityResolver) ResolveIdentity(ctx context.Context, userID string) (chat.Identity, error) {
	profile, err := r.service.Resolve(ctx, userID)
	if errors.Is(err, users.ErrAccountNotFound) {
		return chat.Identity{}, errors.Join(chat.ErrNotFound, err)
	}
	if err != nil {
		return chat.Identity{}, err
	}
	return chat.Identity{
		UserID:      profile.UserID,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
	}, nil
}

type signupRequestPayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type loginRequestPayload struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type sessionResponsePayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	User        userPayload `json:"user"`
}

type userPayload struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.usersService.Register(c.Request.Context(), users.RegisterParams{
		Username:    request.Username,
		DisplayName: request.DisplayName,
		Email:       request.Email,
		Password:    request.Password,
	})
	if errors.Is(err, users.ErrInvalidAccount) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account"})
		return
	}
	if errors.Is(err, users.ErrDuplicateAccount) {
		c.JSON(http.StatusConflict, gin.H{"error": "account_exists"})
		return
	}
	if err != nil {
		h.logger.Error("signup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
		return
	}

	h.respondWithSession(c, http.StatusCreated, account)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Identifier) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.usersService.Authenticate(c.Request.Context(), request.Identifier, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	h.respondWithSession(c, http.StatusOK, account)
}

func (h *httpHandler) respondWithSession(c *gin.Context, status int, account users.Account) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), account.UserID, account.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(status, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User: userPayload{
			UserID:      account.UserID,
			Username:    account.Username,
			DisplayName: account.DisplayName,
		},
	})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	requester := c.GetString(userIDContextKey)
	limit := intQuery(c, "limit", 10)

	profiles, err := h.usersService.Search(c.Request.Context(), c.Query("q"), requester, limit)
	if errors.Is(err, users.ErrInvalidQuery) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query_too_short"})
		return
	}
	if err != nil {
		h.logger.Error("user search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		return
	}

	results := make([]userPayload, 0, len(profiles))
	for _, profile := range profiles {
		results = append(results, userPayload{
			UserID:      profile.UserID,
			Username:    profile.Username,
			DisplayName: profile.DisplayName,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": results})
}

type sendRequestPayload struct {
	RecipientID  string `json:"recipient_id"`
	Content      string `json:"content"`
	ClientTempID string `json:"client_temp_id"`
}

type messagePayload struct {
	ID             string `json:"id"`
	PartitionKey   string `json:"partition_key"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	SentAtMillis   int64  `json:"sent_at_ms"`
	ClientTempID   string `json:"client_temp_id,omitempty"`
}

func toMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:             message.MessageID,
		PartitionKey:   message.PartitionKey,
		SenderID:       message.SenderID,
		SenderUsername: message.SenderUsername,
		Content:        message.Content,
		SentAtMillis:   message.SentAtMillis,
	}
}

func (h *httpHandler) handleSend(c *gin.Context) {
	senderID, ok := h.requesterID(c)
	if !ok {
		return
	}

	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	recipientID, err := chat.NewUserID(request.RecipientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recipient", "client_temp_id": request.ClientTempID})
		return
	}

	stored, err := h.chatService.Send(c.Request.Context(), senderID, recipientID, request.Content)
	if err != nil {
		h.respondChatError(c, err, "send_failed", gin.H{"client_temp_id": request.ClientTempID})
		return
	}

	payload := toMessagePayload(stored)
	payload.ClientTempID = request.ClientTempID
	c.JSON(http.StatusCreated, gin.H{"message": payload})
}

type historyResponsePayload struct {
	Messages      []messagePayload `json:"messages"`
	CurrentPage   int              `json:"current_page"`
	TotalPages    int              `json:"total_pages"`
	TotalMessages int64            `json:"total_messages"`
	HasMore       bool             `json:"has_more"`
	IsDelta       bool             `json:"is_delta"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	requester, ok := h.requesterID(c)
	if !ok {
		return
	}

	key, err := chat.ParsePartitionKey(c.Param("partitionKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_partition_key"})
		return
	}

	page := intQuery(c, "page", 1)
	pageSize := intQuery(c, "limit", defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	history, err := h.chatService.FetchPage(c.Request.Context(), requester, key, page, pageSize)
	if err != nil {
		h.respondChatError(c, err, "fetch_failed", nil)
		return
	}

	c.JSON(http.StatusOK, historyResponsePayload{
		Messages:      toMessagePayloads(history.Messages),
		CurrentPage:   history.CurrentPage,
		TotalPages:    history.TotalPages,
		TotalMessages: history.TotalMessages,
		HasMore:       history.HasMore,
		IsDelta:       false,
	})
}

func (h *httpHandler) handleUpdates(c *gin.Context) {
	requester, ok := h.requesterID(c)
	if !ok {
		return
	}

	key, err := chat.ParsePartitionKey(c.Param("partitionKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_partition_key"})
		return
	}

	sinceRaw := c.Query("since")
	sinceValue, err := strconv.ParseInt(sinceRaw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	since, err := chat.NewUnixMillis(sinceValue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	messages, err := h.chatService.FetchSince(c.Request.Context(), requester, key, since)
	if err != nil {
		h.respondChatError(c, err, "fetch_failed", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": toMessagePayloads(messages),
		"is_delta": true,
	})
}

type conversationPayload struct {
	PartitionKey       string `json:"partition_key"`
	UserID             string `json:"user_id"`
	Username           string `json:"username"`
	DisplayName        string `json:"display_name"`
	LastMessagePreview string `json:"last_message_preview"`
	LastSenderID       string `json:"last_sender_id"`
	LastActivityMillis int64  `json:"last_activity_ms"`
}

func (h *httpHandler) handleConversations(c *gin.Context) {
	requester, ok := h.requesterID(c)
	if !ok {
		return
	}

	partners, err := h.chatService.ListConversations(c.Request.Context(), requester, intQuery(c, "limit", 0))
	if err != nil {
		h.respondChatError(c, err, "roster_failed", nil)
		return
	}

	payload := make([]conversationPayload, 0, len(partners))
	for _, partner := range partners {
		payload = append(payload, conversationPayload{
			PartitionKey:       partner.PartitionKey.String(),
			UserID:             partner.UserID.String(),
			Username:           partner.Username,
			DisplayName:        partner.DisplayName,
			LastMessagePreview: partner.LastMessagePreview,
			LastSenderID:       partner.LastSenderID.String(),
			LastActivityMillis: partner.LastActivityMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requesterID(c *gin.Context) (chat.UserID, bool) {
	userID, err := chat.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// respondChatError maps chat error kinds to HTTP statuses. Internal failures
// carry the dotted service-error code so operators can trace the operation.
func (h *httpHandler) respondChatError(c *gin.Context, err error, fallback string, extra gin.H) {
	payload := gin.H{}
	for key, value := range extra {
		if value != "" {
			payload[key] = value
		}
	}

	var serviceErr *chat.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}

	switch {
	case errors.Is(err, chat.ErrValidation):
		payload["error"] = "invalid_request"
		c.JSON(http.StatusBadRequest, payload)
	case errors.Is(err, chat.ErrForbidden):
		payload["error"] = "forbidden"
		c.JSON(http.StatusForbidden, payload)
	case errors.Is(err, chat.ErrNotFound):
		payload["error"] = "participant_not_found"
		c.JSON(http.StatusNotFound, payload)
	default:
		h.logger.Error("chat operation failed", zap.Error(err))
		payload["error"] = fallback
		c.JSON(http.StatusInternalServerError, payload)
	}
}

func toMessagePayloads(messages []chat.Message) []messagePayload {
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, toMessagePayload(message))
	}
	return payloads
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
