// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

package altsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pushNotification tells a subscribed device that new changes are available
// for its user. It carries no records; the device runs a normal pull so the
// download path stays the single source of truth.
type pushNotification struct {
	Type       string `json:"type"` // "changes_available"
	Checkpoint string `json:"checkpoint"`
}

// broadcaster fans upload commits out to the user's subscribed devices.
type broadcaster struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]bool // userID -> active subscribers
}

type subscriber struct {
	deviceID string
	wake     chan struct{} // buffered(1), coalesces bursts
	done     chan struct{}
	once     sync.Once
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		logger: logger,
		subs:   make(map[string]map[*subscriber]bool),
	}
}

func (b *broadcaster) subscribe(userID, deviceID string) *subscriber {
	sub := &subscriber{
		deviceID: deviceID,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*subscriber]bool)
	}
	b.subs[userID][sub] = true
	b.mu.Unlock()
	return sub
}

func (b *broadcaster) unsubscribe(userID string, sub *subscriber) {
	b.mu.Lock()
	if set := b.subs[userID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, userID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// notify wakes every subscriber of the user. Never blocks the upload path.
func (b *broadcaster) notify(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[userID] {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, set := range b.subs {
		for sub := range set {
			sub.close()
		}
		delete(b.subs, userID)
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

const (
	subscribeWriteWait = 10 * time.Second
	subscribePingEvery = 30 * time.Second
)

// servePush pumps wake signals to one websocket connection until the peer
// disconnects or the service shuts down.
func (s *SyncService) servePush(conn *websocket.Conn, userID, deviceID string) {
	sub := s.broadcaster.subscribe(userID, deviceID)
	defer s.broadcaster.unsubscribe(userID, sub)

	s.logger.Debug("Push subscription opened", "user_id", userID, "device_id", deviceID)

	// Reader goroutine: drains control frames and detects disconnects.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(subscribePingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-sub.wake:
			note := pushNotification{
				Type:       "changes_available",
				Checkpoint: FormatCheckpoint(s.getUserHighestSeq(context.Background(), userID)),
			}
			conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
			if err := conn.WriteJSON(note); err != nil {
				s.logger.Debug("Push write failed", "user_id", userID, "device_id", deviceID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			return
		case <-readerDone:
			return
		}
	}
}
