package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

const (
	opcodeContinuation = 0x0
	opcodeText         = 0x1
	opcodeBinary       = 0x2
	opcodeClose        = 0x8
	opcodePing         = 0x9
	opcodePong         = 0xA

	closeNormalClosure       = 1000
	closeGoingAway           = 1001
	closeUnsupportedData     = 1003
	closePolicyViolation     = 1008
	closeInternalServerError = 1011
	closeTryAgainLater       = 1013
)

var errSendBufferFull = errors.New("send buffer full")

// Identity is the authenticated participant bound to a connection.
type Identity struct {
	UserID   types.UserID
	Username string
}

// Hooks are the session-layer callbacks wired into a connection's lifecycle.
// OnConnect runs after the upgrade with the pumps already started; returning
// an error closes the connection with a policy violation before any frames
// are consumed. OnFrame errors are frame-local: they are logged and the loop
// continues. OnDisconnect runs exactly once on every exit path after a
// successful OnConnect.
type Hooks struct {
	OnConnect    func(ctx context.Context, conn *Connection) error
	OnFrame      func(ctx context.Context, conn *Connection, frame Inbound) error
	OnDisconnect func(conn *Connection)
}

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

type outboundMessage struct {
	opcode  byte
	payload []byte
}

// Connection represents an upgraded WebSocket session bound to one
// participant in one conversation.
type Connection struct {
	conn         net.Conn
	identity     Identity
	kind         types.ConversationKind
	conversation types.ConversationID
	logger       zerolog.Logger
	send         chan outboundMessage
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	opts connectionOptions

	lastPong atomic.Int64
	onClose  func()
}

func newConnection(netConn net.Conn, id Identity, kind types.ConversationKind, conversation types.ConversationID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         netConn,
		identity:     id,
		kind:         kind,
		conversation: conversation,
		logger:       logger,
		send:         make(chan outboundMessage, opts.sendBufferSize),
		ctx:          ctx,
		cancel:       cancel,
		opts:         opts,
		onClose:      onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// ConversationID returns the bound conversation identifier.
func (c *Connection) ConversationID() types.ConversationID { return c.conversation }

// Kind returns the bound conversation kind.
func (c *Connection) Kind() types.ConversationKind { return c.kind }

// UserID returns the authenticated participant id.
func (c *Connection) UserID() types.UserID { return c.identity.UserID }

// Username returns the authenticated participant name.
func (c *Connection) Username() string { return c.identity.Username }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Send marshals the frame to JSON and enqueues it as a text frame for the
// writer goroutine. A full buffer closes the connection; a slow reader must
// not stall fan-out to its peers. Sending on a closed connection returns the
// lifecycle context error; the hub drops the peer on any error, so a
// disconnect racing a fan-out never fails the sender.
func (c *Connection) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	msg := outboundMessage{opcode: opcodeText, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(closeTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the read/write pumps, invokes the lifecycle hooks, and blocks
// until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Info().Err(err).Msg("connection rejected")
			c.closeWithFrame(closePolicyViolation, err.Error())
			c.Close()
			wg.Wait()
			return
		}
	}

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down exactly once. The send channel is never
// closed: the hub may still hold this peer in an in-flight fan-out snapshot,
// and a concurrent Send must fail cleanly rather than hit a closed channel.
// The write loop exits on the cancelled context instead.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		opcode, payload, err := readFrame(c.conn)
		if err != nil {
			return err
		}

		switch opcode {
		case opcodeText:
			c.handleText(payload, hooks)
		case opcodeBinary:
			c.closeWithFrame(closeUnsupportedData, "binary frames not supported")
			return fmt.Errorf("binary frames unsupported")
		case opcodeClose:
			c.closeWithFrame(closeNormalClosure, "bye")
			return nil
		case opcodePing:
			_ = c.enqueueControl(opcodePong, payload)
		case opcodePong:
			c.lastPong.Store(time.Now().UnixNano())
		case opcodeContinuation:
			return fmt.Errorf("fragmented frames not supported")
		default:
			return fmt.Errorf("unsupported opcode %d", opcode)
		}
	}
}

// handleText processes one inbound frame. Failures here are frame-local:
// malformed frames and handler errors are reported back to the sender and
// the loop keeps running. Only transport errors end the session.
func (c *Connection) handleText(payload []byte, hooks Hooks) {
	frame, err := DecodeInbound(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("rejected inbound frame")
		_ = c.Send(Error(err.Error()))
		return
	}

	if hooks.OnFrame == nil {
		return
	}
	if err := hooks.OnFrame(c.ctx, c, frame); err != nil {
		c.logger.Warn().Err(err).Str("frame", frame.Type).Msg("frame processing failed")
		_ = c.Send(Error(err.Error()))
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			if err := writeFrame(c.conn, msg.opcode, msg.payload, c.opts.writeTimeout); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.closeWithFrame(closeInternalServerError, "write error")
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.enqueueControl(opcodePing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.closeWithFrame(closeGoingAway, "ping failed")
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(closeGoingAway, "missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	payload := encodeClosePayload(code, reason)
	_ = c.enqueueControl(opcodeClose, payload)
}

func (c *Connection) enqueueControl(opcode byte, payload []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	msg := outboundMessage{opcode: opcode, payload: payload}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return errSendBufferFull
	}
}

func encodeClosePayload(code int, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], []byte(reason))
	return payload
}
