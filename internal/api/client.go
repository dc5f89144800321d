// Package api is the REST collaborator layer the sync engine consumes:
// room listings, message history pages, sends, read batches and the
// offer/contract actions. Request URLs are built by string concatenation
// on a validated base URL; responses decode into the domain model.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketchat/internal/model"
	"marketchat/internal/negotiation"
)

const defaultPageSize = 50

type ClientConfig struct {
	// BaseURL is the marketplace API root (e.g. "https://api.example.com").
	BaseURL string
	// Credential is the bearer token from the auth collaborator.
	Credential string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		credential: cfg.Credential,
		httpClient: httpClient,
	}, nil
}

// ListRooms fetches the user's conversation rooms.
func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("api: list rooms: %w", err)
	}
	var response struct {
		Rooms []model.Room `json:"rooms"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("api: parse rooms response: %w", err)
	}
	return response.Rooms, nil
}

// MessagePage is one page of room history, oldest entries first within
// the page.
type MessagePage struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// RoomMessages fetches a history page. A zero before time means the
// newest page; limit 0 uses the server default.
func (c *Client) RoomMessages(ctx context.Context, roomID string, before time.Time, limit int) (*MessagePage, error) {
	query := url.Values{}
	if !before.IsZero() {
		query.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	query.Set("limit", strconv.Itoa(limit))

	body, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages", query, nil)
	if err != nil {
		return nil, fmt.Errorf("api: room %s messages: %w", roomID, err)
	}
	var page MessagePage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("api: parse messages response: %w", err)
	}
	return &page, nil
}

// SendMessageRequest carries a text body or a file descriptor returned by
// the upload collaborator.
type SendMessageRequest struct {
	Body string            `json:"message"`
	Type model.MessageType `json:"messageType"`
	File *model.FileData   `json:"fileData,omitempty"`
}

// SendMessage submits a message and returns the canonical stored record
// with its server-assigned id. Nothing enters local state until this
// response lands.
func (c *Client) SendMessage(ctx context.Context, roomID string, request SendMessageRequest) (*model.Message, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages", nil, request)
	if err != nil {
		return nil, fmt.Errorf("api: send message to room %s: %w", roomID, err)
	}
	var message model.Message
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, fmt.Errorf("api: parse send response: %w", err)
	}
	return &message, nil
}

// MarkRead records a read batch server-side. Idempotent on the backend.
func (c *Client) MarkRead(ctx context.Context, roomID string, ids []int64) error {
	request := struct {
		MessageIDs []int64 `json:"messageIds"`
	}{MessageIDs: ids}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/rooms/"+url.PathEscape(roomID)+"/read", nil, request)
	if err != nil {
		return fmt.Errorf("api: mark read in room %s: %w", roomID, err)
	}
	return nil
}

// Offer actions.

func (c *Client) CreateOffer(ctx context.Context, draft negotiation.OfferDraft) (*negotiation.Offer, error) {
	return c.offerRequest(ctx, http.MethodPost, "/api/offers", draft)
}

func (c *Client) AcceptOffer(ctx context.Context, id int64) (*negotiation.Offer, error) {
	return c.offerRequest(ctx, http.MethodPost, offerPath(id, "accept"), nil)
}

func (c *Client) RejectOffer(ctx context.Context, id int64) (*negotiation.Offer, error) {
	return c.offerRequest(ctx, http.MethodPost, offerPath(id, "reject"), nil)
}

func (c *Client) CancelOffer(ctx context.Context, id int64) (*negotiation.Offer, error) {
	return c.offerRequest(ctx, http.MethodPost, offerPath(id, "cancel"), nil)
}

// Contract actions.

func (c *Client) ActivateContract(ctx context.Context, id int64) (*negotiation.Contract, error) {
	return c.contractRequest(ctx, contractPath(id, "activate"))
}

func (c *Client) CompleteContract(ctx context.Context, id int64) (*negotiation.Contract, error) {
	return c.contractRequest(ctx, contractPath(id, "complete"))
}

func (c *Client) CancelContract(ctx context.Context, id int64) (*negotiation.Contract, error) {
	return c.contractRequest(ctx, contractPath(id, "cancel"))
}

func (c *Client) DisputeContract(ctx context.Context, id int64) (*negotiation.Contract, error) {
	return c.contractRequest(ctx, contractPath(id, "dispute"))
}

func (c *Client) TerminateContract(ctx context.Context, id int64) (*negotiation.Contract, error) {
	return c.contractRequest(ctx, contractPath(id, "terminate"))
}

func offerPath(id int64, action string) string {
	return "/api/offers/" + strconv.FormatInt(id, 10) + "/" + action
}

func contractPath(id int64, action string) string {
	return "/api/contracts/" + strconv.FormatInt(id, 10) + "/" + action
}

func (c *Client) offerRequest(ctx context.Context, method, path string, requestBody any) (*negotiation.Offer, error) {
	body, err := c.doRequest(ctx, method, path, nil, requestBody)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	var offer negotiation.Offer
	if err := json.Unmarshal(body, &offer); err != nil {
		return nil, fmt.Errorf("api: parse offer response: %w", err)
	}
	return &offer, nil
}

func (c *Client) contractRequest(ctx context.Context, path string) (*negotiation.Contract, error) {
	body, err := c.doRequest(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("api: POST %s: %w", path, err)
	}
	var contract negotiation.Contract
	if err := json.Unmarshal(body, &contract); err != nil {
		return nil, fmt.Errorf("api: parse contract response: %w", err)
	}
	return &contract, nil
}

// doRequest performs one API round-trip. On 2xx it returns the body; on
// anything else it returns a *RequestError decoded from the standard
// error shape.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.credential)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var reqErr RequestError
	if jsonErr := json.Unmarshal(responseBody, &reqErr); jsonErr != nil || reqErr.Reason == "" {
		reqErr.Reason = strings.TrimSpace(string(responseBody))
		if reqErr.Reason == "" {
			reqErr.Reason = http.StatusText(response.StatusCode)
		}
	}
	reqErr.StatusCode = response.StatusCode
	return nil, &reqErr
}
