package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buzzlylabs/buzzly/internal/auth"
	"github.com/buzzlylabs/buzzly/internal/chat"
	"github.com/buzzlylabs/buzzly/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "router-test-secret"

type routerFixture struct {
	handler http.Handler
	tokens  *auth.TokenIssuer
	users   *users.Service
}

var testDatabaseSequence int

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDatabaseSequence++
	dsn := fmt.Sprintf("file:router-test-%d?mode=memory&cache=shared", testDatabaseSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&chat.Message{}, &chat.Conversation{}, &users.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	store, err := chat.NewMessageStore(chat.MessageStoreConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build message store: %v", err)
	}
	roster, err := chat.NewConversationRoster(chat.ConversationRosterConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build roster: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Store:      store,
		Roster:     roster,
		Identities: NewIdentityResolver(usersService),
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "buzzly-auth",
		Audience:      "buzzly-api",
		TokenTTL:      time.Hour,
	})

	handler, err := NewHTTPHandler(Dependencies{
		UsersService: usersService,
		TokenManager: tokens,
		ChatService:  chatService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &routerFixture{handler: handler, tokens: tokens, users: usersService}
}

func (f *routerFixture) register(t *testing.T, username string) (users.Account, string) {
	t.Helper()
	account, err := f.users.Register(context.Background(), users.RegisterParams{
		Username:    username,
		DisplayName: username + " display",
		Email:       username + "@example.com",
		Password:    "correct horse",
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	token, _, err := f.tokens.IssueToken(context.Background(), account.UserID, account.Username)
	if err != nil {
		t.Fatalf("unexpected token error: %v", err)
	}
	return account, token
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestSendAndFetchHistoryFlow(t *testing.T) {
	fixture := newRouterFixture(t)
	alice, aliceToken := fixture.register(t, "alice")
	bob, bobToken := fixture.register(t, "bob")

	sendResponse := fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id":   bob.UserID,
		"content":        "hello",
		"client_temp_id": "temp-1",
	})
	if sendResponse.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", sendResponse.Code, sendResponse.Body.String())
	}
	sent := decodeBody(t, sendResponse)["message"].(map[string]any)
	if sent["client_temp_id"] != "temp-1" {
		t.Fatalf("expected echoed client temp id, got %v", sent["client_temp_id"])
	}
	partitionKey := sent["partition_key"].(string)

	historyResponse := fixture.do(t, http.MethodGet, "/messages/"+partitionKey+"?page=1&limit=30", bobToken, nil)
	if historyResponse.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", historyResponse.Code, historyResponse.Body.String())
	}
	history := decodeBody(t, historyResponse)
	messages := history["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	first := messages[0].(map[string]any)
	if first["content"] != "hello" || first["sender_id"] != alice.UserID {
		t.Fatalf("unexpected message payload: %#v", first)
	}
	if history["is_delta"] != false {
		t.Fatalf("paged fetch must not be flagged as delta")
	}
}

func TestHistoryRejectsNonMember(t *testing.T) {
	fixture := newRouterFixture(t)
	_, aliceToken := fixture.register(t, "alice")
	bob, _ := fixture.register(t, "bob")
	_, carolToken := fixture.register(t, "carol")

	sendResponse := fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id": bob.UserID,
		"content":      "hello",
	})
	if sendResponse.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", sendResponse.Code)
	}
	partitionKey := decodeBody(t, sendResponse)["message"].(map[string]any)["partition_key"].(string)

	forbidden := fixture.do(t, http.MethodGet, "/messages/"+partitionKey, carolToken, nil)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", forbidden.Code, forbidden.Body.String())
	}
	if decodeBody(t, forbidden)["error"] != "forbidden" {
		t.Fatalf("unexpected error payload: %s", forbidden.Body.String())
	}
}

func TestUpdatesReturnsOnlyNewerMessages(t *testing.T) {
	fixture := newRouterFixture(t)
	alice, aliceToken := fixture.register(t, "alice")
	bob, bobToken := fixture.register(t, "bob")

	firstResponse := fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id": bob.UserID,
		"content":      "old",
	})
	first := decodeBody(t, firstResponse)["message"].(map[string]any)
	partitionKey := first["partition_key"].(string)
	firstSentAt := int64(first["sent_at_ms"].(float64))

	// The second send lands at the same or a later millisecond; wait out the
	// clock so the delta boundary is meaningful.
	time.Sleep(5 * time.Millisecond)
	fixture.do(t, http.MethodPost, "/messages/send", bobToken, gin.H{
		"recipient_id": alice.UserID,
		"content":      "new",
	})

	updates := fixture.do(t, http.MethodGet,
		fmt.Sprintf("/messages/%s/updates?since=%d", partitionKey, firstSentAt), aliceToken, nil)
	if updates.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", updates.Code, updates.Body.String())
	}
	payload := decodeBody(t, updates)
	if payload["is_delta"] != true {
		t.Fatalf("expected delta flag")
	}
	messages := payload["messages"].([]any)
	if len(messages) != 1 || messages[0].(map[string]any)["content"] != "new" {
		t.Fatalf("expected only the newer message, got %s", updates.Body.String())
	}
}

func TestUpdatesRejectsMalformedSince(t *testing.T) {
	fixture := newRouterFixture(t)
	_, aliceToken := fixture.register(t, "alice")

	response := fixture.do(t, http.MethodGet, "/messages/a_b/updates?since=not-a-timestamp", aliceToken, nil)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.Code)
	}
	if decodeBody(t, response)["error"] != "invalid_since" {
		t.Fatalf("unexpected error payload: %s", response.Body.String())
	}
}

func TestConversationsListsPartnersByRecency(t *testing.T) {
	fixture := newRouterFixture(t)
	alice, aliceToken := fixture.register(t, "alice")
	bob, bobToken := fixture.register(t, "bob")
	carol, _ := fixture.register(t, "carol")

	fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id": bob.UserID,
		"content":      "to bob",
	})
	time.Sleep(5 * time.Millisecond)
	fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id": carol.UserID,
		"content":      "to carol",
	})

	response := fixture.do(t, http.MethodGet, "/conversations", aliceToken, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	conversations := decodeBody(t, response)["conversations"].([]any)
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	newest := conversations[0].(map[string]any)
	if newest["user_id"] != carol.UserID || newest["username"] != "carol" {
		t.Fatalf("expected carol first, got %#v", newest)
	}

	bobView := fixture.do(t, http.MethodGet, "/conversations", bobToken, nil)
	bobConversations := decodeBody(t, bobView)["conversations"].([]any)
	if len(bobConversations) != 1 {
		t.Fatalf("expected 1 conversation for bob, got %d", len(bobConversations))
	}
	if bobConversations[0].(map[string]any)["user_id"] != alice.UserID {
		t.Fatalf("expected alice as bob's partner, got %#v", bobConversations[0])
	}
}

func TestSendRejectsEmptyContentAndEchoesTempID(t *testing.T) {
	fixture := newRouterFixture(t)
	_, aliceToken := fixture.register(t, "alice")
	bob, _ := fixture.register(t, "bob")

	response := fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id":   bob.UserID,
		"content":        "   ",
		"client_temp_id": "temp-9",
	})
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", response.Code, response.Body.String())
	}
	payload := decodeBody(t, response)
	if payload["client_temp_id"] != "temp-9" {
		t.Fatalf("failed send must echo the client temp id: %s", response.Body.String())
	}
}

func TestSendRejectsUnknownRecipient(t *testing.T) {
	fixture := newRouterFixture(t)
	_, aliceToken := fixture.register(t, "alice")

	response := fixture.do(t, http.MethodPost, "/messages/send", aliceToken, gin.H{
		"recipient_id": "ghost",
		"content":      "hello",
	})
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", response.Code, response.Body.String())
	}
}
