package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/gkeferstein/messaging-server/internal/identity"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound frame.
	maxMessageSize = 16384

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// authTimeout is how long a client has to present the handshake auth
	// frame after connecting.
	authTimeout = 30 * time.Second

	// readTimeout is the inbound idle deadline. The websocket ping/pong
	// keepalive refreshes it.
	readTimeout = 90 * time.Second

	// pingInterval drives the keepalive pings from the write pump.
	pingInterval = 30 * time.Second
)

// Client represents a single transport connection. Each client runs two
// goroutines (readPump and writePump) and communicates with the Hub via its
// send channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// done is closed to signal shutdown. The send channel itself is never
	// closed; writePump and enqueue select on done instead, avoiding
	// send-on-closed-channel races between unregister and dispatch.
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	id     identity.Identity
	authed bool

	// Rate limiting state, only touched from readPump.
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  logger,
	}
}

// closeSend signals the write loop to stop. Safe to call from multiple
// goroutines; only the first call has any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Identity returns the authenticated identity.
func (c *Client) Identity() identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// IsAuthenticated reports whether the handshake completed.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

func (c *Client) setIdentity(id identity.Identity) {
	c.mu.Lock()
	c.id = id
	c.authed = true
	c.mu.Unlock()
}

// readPump reads frames from the connection and routes them by event name.
// It runs in the goroutine that owns the connection and is responsible for
// unregistering when the read loop exits. Inbound handling is strictly FIFO
// per session.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	authTimer := time.AfterFunc(authTimeout, func() {
		if !c.IsAuthenticated() {
			c.log.Debug().Msg("Client did not authenticate in time")
			c.closeWithCode(CloseAuthTimeout, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		if !c.IsAuthenticated() {
			if frame.Event != EventAuth {
				c.closeWithCode(CloseAuthFailed, "authentication required")
				return
			}
			authTimer.Stop()
			var data AuthData
			if err := json.Unmarshal(frame.Data, &data); err != nil || data.Token == "" {
				c.closeWithCode(CloseAuthFailed, "token required")
				return
			}
			c.hub.handleAuth(c, data)
			continue
		}

		c.route(frame)
	}
}

// route handles one authenticated inbound frame. Unknown events are ignored
// with a warning.
func (c *Client) route(frame Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.RequestTimeout)
	defer cancel()

	switch frame.Event {
	case EventMessageSend:
		var data MessageSendData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("Invalid message:send payload")
			return
		}
		c.hub.handleMessageSend(ctx, c, data)
	case EventTypingStart, EventTypingStop:
		var data ConversationRefData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("Invalid typing payload")
			return
		}
		c.hub.handleTyping(ctx, c, data, frame.Event == EventTypingStart)
	case EventMessagesRead:
		var data ConversationRefData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("Invalid messages:read payload")
			return
		}
		c.hub.handleMessagesRead(ctx, c, data)
	case EventConversationJoin:
		var data ConversationRefData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("Invalid conversation:join payload")
			return
		}
		c.hub.handleConversationJoin(ctx, c, data)
	case EventConversationLeave:
		var data ConversationRefData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("Invalid conversation:leave payload")
			return
		}
		c.hub.handleConversationLeave(ctx, c, data)
	case EventPresenceGet:
		c.hub.handlePresenceGet(ctx, c)
	case EventAuth:
		// Already authenticated; nothing to do.
	default:
		c.log.Warn().Str("event", frame.Event).Msg("Ignoring unknown client event")
	}
}

// writePump writes frames from the send channel to the connection and keeps
// the connection alive with periodic pings. It exits when done is closed,
// draining any buffered frames first.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// sendEvent marshals and enqueues a frame addressed to this client only.
func (c *Client) sendEvent(event string, data any) {
	frame, err := NewFrame(event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("Failed to build frame")
		return
	}
	c.enqueue(frame)
}

// enqueue hands a frame to the write loop. Frames for a closed client are
// dropped; a full buffer closes the connection so backpressure cannot stall
// the hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a close frame with the given code and reason, then
// closes the connection.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited reports whether the client exceeded the per-connection event
// budget for the current fixed window; the count restarts once a full window
// has elapsed since the window began.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.WSRateLimitWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.WSRateLimitMax
}
