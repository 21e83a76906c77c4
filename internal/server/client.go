package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	handlerTimeout = 10 * time.Second
)

// SessionHandler is the protocol side a Client feeds decoded events into.
type SessionHandler interface {
	Join(ctx context.Context, connID, name, room string) error
	SendMessage(ctx context.Context, connID, text string) error
	PrivateMessage(ctx context.Context, connID, recipient, text string) error
	Typing(ctx context.Context, connID string) error
	Disconnect(ctx context.Context, connID string)
}

// Unregisterer drops a connection from the dispatcher.
type Unregisterer interface {
	Unregister(connID string)
}

// Client represents a WebSocket client connection in the chat system.
// It satisfies dispatch.Conn and dispatch.Runner: the hub queues frames with
// Deliver and runs the read and write pumps through Run.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	sessions       SessionHandler
	hub            Unregisterer
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         zerolog.Logger
}

// NewClient creates a Client for an upgraded connection. The send channel is
// buffered to cfg.SendBufferSize frames.
func NewClient(id string, conn *websocket.Conn, cfg Config, sessions SessionHandler, hub Unregisterer, addr string, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		done:           make(chan struct{}),
		sessions:       sessions,
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With().Str("conn", id).Str("remote", addr).Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Deliver queues frame without blocking. It reports false only when the send
// buffer is full; frames for a closing client are dropped and reported as
// accepted.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to send a close frame and drop the connection.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Run drives both pumps and returns once both have stopped.
func (c *Client) Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump()
	wg.Wait()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug().Err(err).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the reason the read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("Unexpected WebSocket error")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn().Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval).
			Msg("Rate limit exceeded; discarding message")
		return false
	}
	return true
}

// processMessage decodes one inbound frame and hands it to the session
// handler. It returns false when the frame was dropped.
func (c *Client) processMessage(raw []byte) bool {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Invalid frame")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch env.Event {
	case protocol.EventJoin:
		var req protocol.JoinRequest
		if err = protocol.DecodeData(env, &req); err == nil {
			err = c.sessions.Join(ctx, c.id, req.Name, req.Room)
		}
	case protocol.EventSendMessage:
		var text string
		if err = protocol.DecodeData(env, &text); err == nil {
			err = c.sessions.SendMessage(ctx, c.id, text)
		}
	case protocol.EventPrivateMessage:
		var req protocol.PrivateMessageRequest
		if err = protocol.DecodeData(env, &req); err == nil {
			err = c.sessions.PrivateMessage(ctx, c.id, req.RecipientName, req.Text)
		}
	case protocol.EventTyping:
		err = c.sessions.Typing(ctx, c.id)
	default:
		c.logger.Debug().Str("event", env.Event).Msg("Ignoring unknown event")
		return false
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("event", env.Event).Msg("Event dropped")
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer c.teardown()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

// teardown runs the disconnect sequence once the read side is gone. Presence
// goes first, then the dispatcher entry. The write pump closes the socket.
func (c *Client) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	c.sessions.Disconnect(ctx, c.id)
	c.hub.Unregister(c.id)
	_ = c.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-c.done:
		c.drainSend()
		return c.writeCloseMessage()
	case <-ticker.C:
		return c.handlePing()
	}
}

// drainSend flushes frames queued before Close, best effort.
func (c *Client) drainSend() {
	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				return
			}
		default:
			return
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("Error closing connection")
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("Error writing close message")
	}
	return false
}

// writeTextMessage writes one frame. Frames are never coalesced so every
// websocket message carries exactly one JSON envelope.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("Error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("Error writing ping message")
		return false
	}
	return true
}

// isExpectedCloseError reports errors that only mean the peer or the other
// pump already closed the socket.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
