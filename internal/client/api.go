package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNetworkFailure marks transport-level failures so callers can tell a
// rejected request apart from a request that never reached the backend.
var ErrNetworkFailure = errors.New("network failure")

// APIError is a non-2xx backend response.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d code %q", e.Status, e.Code)
}

// WireMessage is a message as the sync endpoints serialize it.
type WireMessage struct {
	ID             string `json:"id"`
	PartitionKey   string `json:"partition_key"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	SentAtMillis   int64  `json:"sent_at_ms"`
	ClientTempID   string `json:"client_temp_id,omitempty"`
}

// PageResponse is one history window.
type PageResponse struct {
	Messages      []WireMessage `json:"messages"`
	CurrentPage   int           `json:"current_page"`
	TotalPages    int           `json:"total_pages"`
	TotalMessages int64         `json:"total_messages"`
	HasMore       bool          `json:"has_more"`
	IsDelta       bool          `json:"is_delta"`
}

// WireConversation is one roster entry.
type WireConversation struct {
	PartitionKey       string `json:"partition_key"`
	UserID             string `json:"user_id"`
	Username           string `json:"username"`
	DisplayName        string `json:"display_name"`
	LastMessagePreview string `json:"last_message_preview"`
	LastSenderID       string `json:"last_sender_id"`
	LastActivityMillis int64  `json:"last_activity_ms"`
}

// APIClientConfig describes the wire client dependencies.
type APIClientConfig struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// APIClient is the typed HTTP client for the chat sync protocol.
type APIClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewAPIClient constructs the wire client.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
	}, nil
}

type sendRequestBody struct {
	RecipientID  string `json:"recipient_id"`
	Content      string `json:"content"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// SendMessage posts one message and returns the stored record. The backend
// echoes the client temp id so the caller can reconcile its optimistic entry.
func (c *APIClient) SendMessage(ctx context.Context, recipientID, content, clientTempID string) (WireMessage, error) {
	body := sendRequestBody{RecipientID: recipientID, Content: content, ClientTempID: clientTempID}
	var envelope struct {
		Message WireMessage `json:"message"`
	}
	if err := c.call(ctx, http.MethodPost, "/messages/send", nil, body, &envelope); err != nil {
		return WireMessage{}, err
	}
	return envelope.Message, nil
}

// FetchPage retrieves one history window, page 1 being the newest.
func (c *APIClient) FetchPage(ctx context.Context, partitionKey string, page, limit int) (PageResponse, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	var response PageResponse
	if err := c.call(ctx, http.MethodGet, "/messages/"+url.PathEscape(partitionKey), query, nil, &response); err != nil {
		return PageResponse{}, err
	}
	return response, nil
}

// FetchUpdates retrieves messages strictly newer than the given timestamp.
func (c *APIClient) FetchUpdates(ctx context.Context, partitionKey string, sinceMillis int64) ([]WireMessage, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(sinceMillis, 10))
	var envelope struct {
		Messages []WireMessage `json:"messages"`
	}
	path := "/messages/" + url.PathEscape(partitionKey) + "/updates"
	if err := c.call(ctx, http.MethodGet, path, query, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Messages, nil
}

// FetchRoster retrieves recent conversation partners, newest activity first.
func (c *APIClient) FetchRoster(ctx context.Context, limit int) ([]WireConversation, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var envelope struct {
		Conversations []WireConversation `json:"conversations"`
	}
	if err := c.call(ctx, http.MethodGet, "/conversations", query, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Conversations, nil
}

func (c *APIClient) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.Join(ErrNetworkFailure, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return &APIError{Status: response.StatusCode, Code: failure.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
