// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsqlite

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Subscribe keeps a push channel to the server open until the context is
// cancelled. Each change notification wakes the coordinator through the
// same channel a local mutation uses; the actual data still flows through
// the pull path. Reconnects with backoff on any failure.
func (c *Client) Subscribe(ctx context.Context) {
	backoff := c.config.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("Push subscription lost, reconnecting", "error", err, "backoff", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.config.BackoffMax {
			backoff = c.config.BackoffMax
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context) error {
	token, err := c.Token(ctx)
	if err != nil {
		return &AuthError{Err: err}
	}

	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/sync/subscribe?token=" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var note struct {
			Type       string `json:"type"`
			Checkpoint string `json:"checkpoint"`
		}
		if err := conn.ReadJSON(&note); err != nil {
			return &NetworkError{Err: err}
		}
		if note.Type == "changes_available" {
			c.signalChanged()
		}
	}
}
