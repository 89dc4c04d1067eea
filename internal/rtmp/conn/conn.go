// Package conn provides the TCP connection lifecycle integration glue that
// sits above the handshake layer and drives a session.ServerSession: after
// net.Listener.Accept() and a successful RTMP handshake, bytes read from the
// socket are fed into the session and the resulting Actions are dispatched
// — outbound packets written back, events handed to the embedder's
// EventHandler.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftloop/rtmp-go/internal/logger"
	"github.com/driftloop/rtmp-go/internal/rtmp/handshake"
	"github.com/driftloop/rtmp-go/internal/rtmp/session"
)

// EventHandler reacts to events a Connection's session raises. Implementations
// typically call back into Connection.AcceptRequest/RejectRequest from
// within the ConnectionRequested/PublishStreamRequested/PlayStreamRequested
// cases.
type EventHandler func(c *Connection, evt session.Event)

// Connection represents an accepted RTMP connection driving a
// session.ServerSession over net.Conn.
type Connection struct {
	id                string
	netConn           net.Conn
	remoteAddr        net.Addr
	acceptedAt        time.Time
	handshakeDuration time.Duration
	log               *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	srv     *session.ServerSession
	onEvent EventHandler
}

// ID returns the logical connection id.
func (c *Connection) ID() string { return c.id }

// NetConn exposes the underlying net.Conn (read-only usage expected by higher layers).
func (c *Connection) NetConn() net.Conn { return c.netConn }

// HandshakeDuration returns how long the RTMP handshake took.
func (c *Connection) HandshakeDuration() time.Duration { return c.handshakeDuration }

// Close closes the underlying connection and waits for the read loop to exit.
func (c *Connection) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.netConn.Close()
	c.wg.Wait()
	return nil
}

// SetEventHandler installs the callback invoked for every session.Event
// raised while processing inbound data. MUST be called before Start().
func (c *Connection) SetEventHandler(fn EventHandler) { c.onEvent = fn }

// Start begins the read loop. MUST be called after SetEventHandler() to avoid
// a race between connection and handler setup.
func (c *Connection) Start() {
	c.wg.Add(1)
	go c.readLoop()
}

// AcceptRequest resolves a pending connect/publish/play request favorably,
// writing whatever response packets the session produces.
func (c *Connection) AcceptRequest(requestID uint32) error {
	c.mu.Lock()
	actions, err := c.srv.AcceptRequest(requestID)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatch(actions)
}

// RejectRequest resolves a pending request unfavorably.
func (c *Connection) RejectRequest(requestID uint32, description string) error {
	c.mu.Lock()
	actions, err := c.srv.RejectRequest(requestID, description)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatch(actions)
}

// SendMetadata, SendAudioData, SendVideoData forward media to a playing
// stream, writing the resulting packet synchronously.
func (c *Connection) SendMetadata(streamID uint32, metadata map[string]interface{}) error {
	c.mu.Lock()
	actions, err := c.srv.SendMetadata(streamID, metadata)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatch(actions)
}

func (c *Connection) SendAudioData(streamID uint32, data []byte, ts uint32, canBeDropped bool) error {
	c.mu.Lock()
	actions, err := c.srv.SendAudioData(streamID, data, ts, canBeDropped)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatch(actions)
}

func (c *Connection) SendVideoData(streamID uint32, data []byte, ts uint32, canBeDropped bool) error {
	c.mu.Lock()
	actions, err := c.srv.SendVideoData(streamID, data, ts, canBeDropped)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatch(actions)
}

// dispatch writes OutboundPacket bytes and forwards RaisedEvent actions to
// onEvent, in the order the session returned them (§5 ordering guarantee).
// UnhandleableMessageReceived actions are only logged at debug level.
func (c *Connection) dispatch(actions []session.Action) error {
	for _, a := range actions {
		switch v := a.(type) {
		case session.OutboundPacket:
			if err := c.writeFull(v.Packet.Bytes); err != nil {
				return err
			}
		case session.RaisedEvent:
			if c.onEvent != nil {
				c.onEvent(c, v.Event)
			}
		case session.UnhandleableMessageReceived:
			c.log.Debug("unhandleable message received", "type_id", v.Payload.TypeID)
		}
	}
	return nil
}

func (c *Connection) writeFull(b []byte) error {
	_, err := c.netConn.Write(b)
	return err
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			actions, handleErr := c.srv.HandleInput(buf[:n])
			c.mu.Unlock()
			if dispatchErr := c.dispatch(actions); dispatchErr != nil {
				c.log.Error("readLoop write failed", "error", dispatchErr)
				return
			}
			if handleErr != nil {
				c.log.Error("readLoop protocol error", "error", handleErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, io.EOF) {
				c.log.Debug("readLoop closed", "error", err)
			} else {
				c.log.Error("readLoop error", "error", err)
			}
			return
		}
	}
}

// nextID generates a globally unique connection identifier.
func nextID() string { return uuid.NewString() }

// Accept performs a blocking Accept() on the provided listener, runs the
// server-side RTMP handshake, constructs a session.ServerSession, and
// returns a *Connection with the session's mandated initial control burst
// already written.
func Accept(l net.Listener, cfg session.ServerConfig) (*Connection, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listener")
	}
	raw, err := l.Accept()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := handshake.ServerHandshake(raw); err != nil {
		_ = raw.Close()
		logger.Logger().Error("Handshake failed", "error", err, "remote", raw.RemoteAddr().String())
		return nil, err
	}
	dur := time.Since(start)

	id := nextID()
	lgr := logger.WithConn(logger.Logger(), id, raw.RemoteAddr().String())
	lgr.Info("Connection accepted", "handshake_ms", dur.Milliseconds())

	srv, initActions, err := session.NewServerSession(cfg)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("new server session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:                id,
		netConn:           raw,
		remoteAddr:        raw.RemoteAddr(),
		acceptedAt:        start,
		handshakeDuration: dur,
		log:               lgr,
		ctx:               ctx,
		cancel:            cancel,
		srv:               srv,
	}

	if err := c.dispatch(initActions); err != nil {
		c.log.Error("initial control burst failed", "error", err)
		_ = c.Close()
		return nil, fmt.Errorf("control burst: %w", err)
	}

	return c, nil
}
