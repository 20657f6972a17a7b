// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

// ErrUnauthenticated is returned when the server rejects the bearer token.
// Callers should trigger re-authentication instead of retrying blindly.
var ErrUnauthenticated = errors.New("calsync: unauthenticated")

// RemoteAPI is the remote document-store contract the coordinator needs.
// RemoteClient is the production implementation; tests substitute fakes.
type RemoteAPI interface {
	SubmitMessage(ctx context.Context, req *calserver.NewMessageRequest) (int, error)
	MessagesSince(ctx context.Context, since time.Time) ([]calserver.MessageDoc, error)
	MessagesByIDs(ctx context.Context, ids []string) ([]calserver.MessageDoc, error)
	FoodsForMessages(ctx context.Context, messageIDs []string) ([]calserver.FoodDoc, error)
	AckProcessed(ctx context.Context, ids []string) error
	GetProfile(ctx context.Context) (*calserver.ProfileDoc, error)
	Listen(ctx context.Context, topics []string) (<-chan calserver.ChangeEvent, error)
}

// RemoteClient talks to the sync backend over HTTP with JWT bearer auth.
type RemoteClient struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewRemoteClient creates a remote client. A nil http client falls back to a
// default with a conservative timeout.
func NewRemoteClient(baseURL string, token func(context.Context) (string, error), httpClient *http.Client, logger *slog.Logger) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    httpClient,
		logger:  logger,
	}
}

func (c *RemoteClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON performs the request and decodes a 200 response into out (which may
// be nil). 401 maps to ErrUnauthenticated, 404 to ErrNotFound.
func (c *RemoteClient) doJSON(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// SubmitMessage posts a new message and returns the raw HTTP status code.
// The status is the input to the message state machine; only transport-level
// failures are returned as errors.
func (c *RemoteClient) SubmitMessage(ctx context.Context, msg *calserver.NewMessageRequest) (int, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/messages", msg)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("submit failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// MessagesSince returns message documents with updated_at >= since.
func (c *RemoteClient) MessagesSince(ctx context.Context, since time.Time) ([]calserver.MessageDoc, error) {
	path := "/v1/messages"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var docs []calserver.MessageDoc
	if err := c.doJSON(req, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// MessagesByIDs fetches full message documents by id.
func (c *RemoteClient) MessagesByIDs(ctx context.Context, ids []string) ([]calserver.MessageDoc, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet,
		"/v1/messages/batch?ids="+url.QueryEscape(strings.Join(ids, ",")), nil)
	if err != nil {
		return nil, err
	}
	var docs []calserver.MessageDoc
	if err := c.doJSON(req, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// FoodsForMessages fetches food line items for up to maxIDBatch message ids
// per call; the coordinator chunks larger sets.
func (c *RemoteClient) FoodsForMessages(ctx context.Context, messageIDs []string) ([]calserver.FoodDoc, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet,
		"/v1/foods/batch?message_ids="+url.QueryEscape(strings.Join(messageIDs, ",")), nil)
	if err != nil {
		return nil, err
	}
	var foods []calserver.FoodDoc
	if err := c.doJSON(req, &foods); err != nil {
		return nil, err
	}
	return foods, nil
}

// AckProcessed removes exactly the given ids from the remote
// processed_message_ids list. Ids appended remotely after the caller's fetch
// are untouched.
func (c *RemoteClient) AckProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/pending/ack",
		&calserver.AckRequest{ProcessedMessageIDs: ids})
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// GetProfile fetches the user profile document.
func (c *RemoteClient) GetProfile(ctx context.Context) (*calserver.ProfileDoc, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/profile", nil)
	if err != nil {
		return nil, err
	}
	var doc calserver.ProfileDoc
	if err := c.doJSON(req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
