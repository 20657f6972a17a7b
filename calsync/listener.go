// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
)

// listenBuffer is the size of the event channel handed to the consumer. When
// the consumer lags behind, the oldest buffered event is dropped; the server
// redelivers state on reconnect, so dropped events only delay convergence.
const listenBuffer = 64

// Listen opens a change-event stream for the given topics. The returned
// channel is closed when the connection drops or ctx is canceled; callers
// re-listen with backoff. Events may be redelivered, consumers must merge
// idempotently.
func (c *RemoteClient) Listen(ctx context.Context, topics []string) (<-chan calserver.ChangeEvent, error) {
	wsURL, err := c.listenURL(topics)
	if err != nil {
		return nil, err
	}
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	header := http.Header{"Authorization": {"Bearer " + token}}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to open listener: %w", err)
	}

	events := make(chan calserver.ChangeEvent, listenBuffer)
	go func() {
		defer close(events)
		defer conn.Close()
		// The watcher must not outlive this connection: done releases it when
		// the read loop exits first (server-side close).
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()
		for {
			var ev calserver.ChangeEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("listener connection closed", "error", err)
				}
				return
			}
			deliverCoalescing(events, ev)
		}
	}()
	return events, nil
}

// deliverCoalescing sends ev on the buffered channel, dropping the oldest
// buffered event instead of blocking when the consumer is slow.
func deliverCoalescing(events chan calserver.ChangeEvent, ev calserver.ChangeEvent) {
	for {
		select {
		case events <- ev:
			return
		default:
		}
		select {
		case <-events: // drop oldest
		default:
		}
	}
}

func (c *RemoteClient) listenURL(topics []string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/listen"
	q := u.Query()
	q.Set("topics", strings.Join(topics, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
