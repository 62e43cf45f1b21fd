// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/getaltair/altair-sync/altsync"
)

// sendUpload posts one batch of oplog entries.
func (c *Client) sendUpload(ctx context.Context, req *altsync.UploadRequest) (*altsync.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("failed to marshal upload request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/upload", bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp altsync.UploadResponse
	if err := c.doJSON(ctx, httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// sendPull fetches one page of the download stream.
func (c *Client) sendPull(ctx context.Context, after string, limit int, window string) (*altsync.PullResponse, error) {
	q := url.Values{}
	if after != "" {
		q.Set("after", after)
	}
	q.Set("limit", strconv.Itoa(limit))
	if window != "" {
		q.Set("window", window)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var resp altsync.PullResponse
	if err := c.doJSON(ctx, httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// sendSnapshot fetches one page of the full-state snapshot.
func (c *Client) sendSnapshot(ctx context.Context, afterKey string, limit int) (*altsync.PullResponse, error) {
	q := url.Values{}
	if afterKey != "" {
		q.Set("after_key", afterKey)
	}
	q.Set("limit", strconv.Itoa(limit))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sync/snapshot?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var resp altsync.PullResponse
	if err := c.doJSON(ctx, httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON executes the request with a bearer token and decodes the JSON
// response, classifying failures: transport and 5xx are NetworkError,
// 401/403 are AuthError, everything else unexpected is ProtocolError.
func (c *Client) doJSON(ctx context.Context, req *http.Request, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return &AuthError{Err: fmt.Errorf("failed to obtain token: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Err: fmt.Errorf("server returned status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &NetworkError{Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProtocolError{Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
