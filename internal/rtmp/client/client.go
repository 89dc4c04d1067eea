package client

// Minimal RTMP test client
// ------------------------
// Drives session.ClientSession over a TCP connection, the same way
// conn.Connection drives session.ServerSession on the server side: bytes
// off the wire are fed into the session, resulting OutboundPackets are
// written back, and RaisedEvents are delivered to whichever call is
// currently waiting on a response (connect/createStream/publish/play all
// block synchronously on the corresponding accepted/rejected event).
//
// Scope: used by integration tests and relay.RTMPClientFactory to drive the
// server implementation. AudioDataReceived/VideoDataReceived events that
// arrive during Play are passed to the callback installed with
// SetMediaHandler; without one they are dropped.

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftloop/rtmp-go/internal/rtmp/handshake"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/session"
)

// MediaHandler receives audio/video frames delivered while Playing.
type MediaHandler func(typeID uint8, ts uint32, data []byte)

// DialTimeout used for TCP connections.
const DialTimeout = 5 * time.Second

// responseTimeout bounds how long Connect/Publish/Play wait for the
// server's _result/_error/onStatus reply.
const responseTimeout = 5 * time.Second

// Client represents a minimal RTMP client instance.
type Client struct {
	conn net.Conn
	sess *session.ClientSession

	url       *url.URL
	app       string
	streamKey string

	wg           sync.WaitGroup
	events       chan session.Event
	readErr      chan error
	closeOnce    sync.Once
	mediaHandler MediaHandler
}

// SetMediaHandler installs the callback invoked for every audio/video frame
// received while Playing. Must be called before Play() to avoid a race with
// the read loop.
func (c *Client) SetMediaHandler(fn MediaHandler) { c.mediaHandler = fn }

// New creates a new Client (not yet connected).
func New(rawurl string) (*Client, error) {
	if !strings.HasPrefix(rawurl, "rtmp://") {
		return nil, fmt.Errorf("url must start with rtmp://")
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	// Path expected: /app/streamName
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("rtmp url must be rtmp://host/app/stream")
	}
	app := parts[0]
	stream := strings.Join(parts[1:], "/")
	c := &Client{url: u, app: app, streamKey: stream}
	return c, nil
}

// Connect performs TCP dial, RTMP simple handshake, constructs the client
// session, and issues the connect command.
func (c *Client) Connect() error {
	if c.conn != nil {
		return nil
	}
	host := c.url.Host
	if !strings.Contains(host, ":") {
		host = host + ":1935"
	}
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.Dial("tcp", host)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.conn = conn

	if err := handshake.ClientHandshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	sess, initActions := session.NewClientSession(session.DefaultClientConfig())
	c.sess = sess
	c.events = make(chan session.Event, 32)
	c.readErr = make(chan error, 1)

	if err := c.dispatch(initActions); err != nil {
		_ = conn.Close()
		return err
	}

	c.wg.Add(1)
	go c.readLoop()

	actions, err := c.sess.RequestConnection(c.app)
	if err != nil {
		return fmt.Errorf("request connection: %w", err)
	}
	if err := c.dispatch(actions); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	return c.waitFor(func(evt session.Event) (bool, error) {
		switch e := evt.(type) {
		case session.ConnectionRequestAccepted:
			return true, nil
		case session.ConnectionRequestRejected:
			return true, fmt.Errorf("connect rejected: %s", e.Description)
		default:
			return false, nil
		}
	})
}

// Publish issues createStream followed by publish for the URL's stream name.
func (c *Client) Publish() error {
	if c.sess == nil {
		return fmt.Errorf("client not connected")
	}
	actions, err := c.sess.RequestPublishing(c.streamKey, "live")
	if err != nil {
		return fmt.Errorf("request publishing: %w", err)
	}
	if err := c.dispatch(actions); err != nil {
		return fmt.Errorf("write publish: %w", err)
	}
	return c.waitFor(func(evt session.Event) (bool, error) {
		switch e := evt.(type) {
		case session.PublishRequestAccepted:
			return true, nil
		case session.PublishRequestRejected:
			return true, fmt.Errorf("publish rejected: %s", e.Description)
		default:
			return false, nil
		}
	})
}

// Play issues createStream followed by play for the URL's stream name.
func (c *Client) Play() error {
	if c.sess == nil {
		return fmt.Errorf("client not connected")
	}
	actions, err := c.sess.RequestPlayback(c.streamKey)
	if err != nil {
		return fmt.Errorf("request playback: %w", err)
	}
	if err := c.dispatch(actions); err != nil {
		return fmt.Errorf("write play: %w", err)
	}
	return c.waitFor(func(evt session.Event) (bool, error) {
		switch e := evt.(type) {
		case session.PlaybackRequestAccepted:
			return true, nil
		case session.PlaybackRequestRejected:
			return true, fmt.Errorf("play rejected: %s", e.Description)
		default:
			return false, nil
		}
	})
}

// SendAudio sends a raw audio payload on the active stream.
func (c *Client) SendAudio(ts uint32, data []byte) error {
	if c.sess == nil {
		return fmt.Errorf("client not connected")
	}
	if len(data) == 0 {
		return fmt.Errorf("empty audio payload")
	}
	actions, err := c.sess.PublishAudioData(data, ts, true)
	if err != nil {
		return fmt.Errorf("publish audio data: %w", err)
	}
	return c.dispatch(actions)
}

// SendVideo sends a raw video payload on the active stream.
func (c *Client) SendVideo(ts uint32, data []byte) error {
	if c.sess == nil {
		return fmt.Errorf("client not connected")
	}
	if len(data) == 0 {
		return fmt.Errorf("empty video payload")
	}
	actions, err := c.sess.PublishVideoData(data, ts, true)
	if err != nil {
		return fmt.Errorf("publish video data: %w", err)
	}
	return c.dispatch(actions)
}

// Close terminates the underlying TCP connection and waits for the read
// loop to exit.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// dispatch writes outbound packets and forwards raised events to the
// events channel for waitFor to consume.
func (c *Client) dispatch(actions []session.Action) error {
	for _, a := range actions {
		switch v := a.(type) {
		case session.OutboundPacket:
			if _, err := c.conn.Write(v.Packet.Bytes); err != nil {
				return err
			}
		case session.RaisedEvent:
			if c.mediaHandler != nil {
				switch e := v.Event.(type) {
				case session.AudioDataReceived:
					c.mediaHandler(message.TypeAudioData, e.Timestamp, e.Data)
					continue
				case session.VideoDataReceived:
					c.mediaHandler(message.TypeVideoData, e.Timestamp, e.Data)
					continue
				}
			}
			select {
			case c.events <- v.Event:
			default:
				// Slow consumer (e.g. nobody draining media events while
				// not awaiting a specific response) — drop rather than block.
			}
		}
	}
	return nil
}

// waitFor blocks until match returns true for a received event, a read
// error occurs, or responseTimeout elapses.
func (c *Client) waitFor(match func(session.Event) (bool, error)) error {
	deadline := time.After(responseTimeout)
	for {
		select {
		case evt := <-c.events:
			done, err := match(evt)
			if done {
				return err
			}
		case err := <-c.readErr:
			return fmt.Errorf("connection error: %w", err)
		case <-deadline:
			return fmt.Errorf("timeout waiting for server response")
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			actions, handleErr := c.sess.HandleInput(buf[:n])
			if dispatchErr := c.dispatch(actions); dispatchErr != nil {
				c.readErr <- dispatchErr
				return
			}
			if handleErr != nil {
				c.readErr <- handleErr
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.readErr <- err
			}
			return
		}
	}
}

// RunCLI executes a simplified publish / play action based on args.
// Usage examples:
//
//	rtmp-client publish rtmp://host/app/stream
//	rtmp-client play rtmp://host/app/stream
//
// File muxing is out of scope; publish mode simulates a single source by
// sending one dummy AAC sequence header.
func RunCLI(args []string, stdout io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stdout, "usage: rtmp-client <publish|play> rtmp://host/app/stream")
		return 2
	}
	mode := args[0]
	rawurl := args[1]
	c, err := New(rawurl)
	if err != nil {
		fmt.Fprintln(stdout, "error:", err)
		return 1
	}
	if err := c.Connect(); err != nil {
		fmt.Fprintln(stdout, "connect error:", err)
		return 1
	}
	switch mode {
	case "publish":
		if err := c.Publish(); err != nil {
			fmt.Fprintln(stdout, "publish error:", err)
			return 1
		}
		_ = c.SendAudio(0, []byte{0xAF, 0x00})
		fmt.Fprintln(stdout, "published", c.streamKey)
	case "play":
		if err := c.Play(); err != nil {
			fmt.Fprintln(stdout, "play error:", err)
			return 1
		}
		fmt.Fprintln(stdout, "play requested", c.streamKey)
	default:
		fmt.Fprintln(stdout, "unknown mode", mode)
		return 2
	}
	_ = c.Close()
	return 0
}
