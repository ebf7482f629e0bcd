package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// MessageFunc receives messages arriving on the client connection.
type MessageFunc func(msg *v1.Message)

// Client is the dialing side of the stream transport. Reconnecting after
// a drop is the caller's responsibility.
type Client struct {
	agentID string
	conn    *websocket.Conn
	onMsg   MessageFunc
	logger  *logger.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Dial connects to a stream endpoint and completes the auth handshake.
// url is the full websocket URL, e.g. ws://host:port/a2a/stream.
func Dial(ctx context.Context, url, token string, onMsg MessageFunc, log *logger.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.TransportError(fmt.Sprintf("failed to dial %s", url), err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&Frame{Type: FrameAuth, Token: token}); err != nil {
		conn.Close()
		return nil, errors.TransportError("failed to send auth frame", err)
	}

	conn.SetReadDeadline(time.Now().Add(authWait))
	var resp Frame
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, errors.TransportError("failed to read auth response", err)
	}
	if resp.Type != FrameAuthResponse || !resp.Authenticated {
		conn.Close()
		return nil, errors.AuthFailure("stream authentication rejected")
	}

	c := &Client{
		agentID: resp.AgentID,
		conn:    conn,
		onMsg:   onMsg,
		logger:  log.WithFields(zap.String("component", "stream_client")),
	}
	go c.readLoop()
	return c, nil
}

// AgentID returns the identity the server authenticated this client as.
func (c *Client) AgentID() string {
	return c.agentID
}

// Send delivers one message over the stream.
func (c *Client) Send(msg *v1.Message) error {
	return c.writeFrame(FrameMessage, msg)
}

// Broadcast asks the server to fan the message out to all live peers.
func (c *Client) Broadcast(msg *v1.Message) error {
	return c.writeFrame(FrameBroadcast, msg)
}

func (c *Client) writeFrame(frameType string, msg *v1.Message) error {
	frame, err := NewMessageFrame(frameType, msg)
	if err != nil {
		return errors.TransportError("failed to build frame", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.TransportError("failed to serialize frame", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.TransportError("stream write failed", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Time{})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("stream connection lost", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case FrameMessage, FrameBroadcast:
			msg, err := frame.Message()
			if err != nil {
				c.logger.Warn("malformed inbound frame", zap.Error(err))
				continue
			}
			if c.onMsg != nil {
				c.onMsg(msg)
			}
		case FrameMessageResponse:
			if frame.Status != StatusAccepted {
				c.logger.Warn("server rejected message",
					zap.String("message_id", frame.MessageID),
					zap.String("status", frame.Status))
			}
		case FrameError:
			c.logger.Warn("server reported error", zap.String("error", frame.Error))
		}
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
