// Package client speaks the hub's websocket protocol. It is used by nhctl
// and by end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cognitivecities/neuralhub/internal/core"
)

// ErrClosed is returned once the connection is gone
var ErrClosed = errors.New("client closed")

// HubError is an error frame sent back by the hub
type HubError struct {
	Code      string
	Message   string
	RoutingID string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options for Dial
type Options struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	InboxSize        int // routed messages buffered before reads block, default 256
	WriteTimeout     time.Duration
}

// Client is one websocket connection to the hub. Requests that expect a
// reply (Register, Send) are serialized; routed messages are read with Next.
type Client struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex
	reqMu   sync.Mutex

	inbox   chan core.Envelope
	replies chan core.Frame

	done      chan struct{}
	closeOnce sync.Once
	readErr   error

	mu           sync.RWMutex
	connectionID string
	address      string
}

// Dial connects to url (ws:// or wss://, usually ending in /ws)
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:      ws,
		opts:    opts,
		inbox:   make(chan core.Envelope, opts.InboxSize),
		replies: make(chan core.Frame, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown(nil)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var head struct {
			Type core.FrameType `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			continue
		}

		switch head.Type {
		case core.FrameMessage:
			var env core.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			select {
			case c.inbox <- env:
			case <-c.done:
				return
			}

		default:
			var frame core.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			select {
			case c.replies <- frame:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.done)
		c.ws.Close()
	})
}

// Close sends a close frame and releases the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while open or after Close
func (c *Client) Err() error {
	select {
	case <-c.done:
		var closeErr *websocket.CloseError
		if errors.As(c.readErr, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
			return nil
		}
		return c.readErr
	default:
		return nil
	}
}

// ConnectionID is the id the hub assigned at registration
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// Address is participant or participant/district once registered
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

func (c *Client) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// request writes v and waits for the next control frame. The hub answers
// every request exactly once and in order, so giving up on a reply ends the
// connection.
func (c *Client) request(ctx context.Context, v interface{}) (core.Frame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.write(v); err != nil {
		return core.Frame{}, err
	}

	select {
	case frame := <-c.replies:
		if frame.Type == core.FrameError {
			return frame, &HubError{Code: frame.Code, Message: frame.Message, RoutingID: frame.RoutingID}
		}
		return frame, nil
	case <-c.done:
		return core.Frame{}, ErrClosed
	case <-ctx.Done():
		// A late reply would otherwise answer the next request
		c.shutdown(ctx.Err())
		return core.Frame{}, ctx.Err()
	}
}

// Register announces the participant and returns the connection id
func (c *Client) Register(ctx context.Context, participantID, districtID string, capabilities []string) (string, error) {
	frame, err := c.request(ctx, core.Frame{
		Type:          core.FrameRegistration,
		ParticipantID: participantID,
		DistrictID:    districtID,
		Capabilities:  capabilities,
	})
	if err != nil {
		return "", err
	}
	if frame.Type != core.FrameRegistered {
		return "", fmt.Errorf("unexpected reply %q to registration", frame.Type)
	}

	address := participantID
	if districtID != "" {
		address += "/" + districtID
	}
	c.mu.Lock()
	c.connectionID = frame.ConnectionID
	c.address = address
	c.mu.Unlock()
	return frame.ConnectionID, nil
}

// Heartbeat refreshes liveness. The hub does not reply.
func (c *Client) Heartbeat() error {
	if c.ConnectionID() == "" {
		return errors.New("heartbeat before registration")
	}
	return c.write(core.Frame{Type: core.FrameHeartbeat})
}

// KeepAlive sends heartbeats every interval until ctx is done or the
// connection ends
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return c.Err()
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

// SendEnvelope sends a prepared envelope and returns the routing id the hub
// assigned. Source defaults to the registered address.
func (c *Client) SendEnvelope(ctx context.Context, env core.Envelope) (string, error) {
	env.Type = core.FrameMessage
	if env.Source == "" {
		env.Source = c.Address()
	}
	if env.Timestamp == 0 {
		env.Timestamp = core.UnixMillis(time.Now())
	}
	if env.Targets == nil {
		env.Targets = []string{}
	}

	frame, err := c.request(ctx, env)
	if err != nil {
		return "", err
	}
	if frame.Type != core.FrameAccepted {
		return "", fmt.Errorf("unexpected reply %q to message", frame.Type)
	}
	return frame.RoutingID, nil
}

// Send marshals payload and sends it as a message
func (c *Client) Send(ctx context.Context, protocol core.Protocol, action string, targets []string, payload interface{}) (string, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}

	return c.SendEnvelope(ctx, core.Envelope{
		Protocol: protocol,
		Action:   action,
		Targets:  targets,
		Payload:  raw,
	})
}

// Sync submits a knowledge item to the hub and the given targets
func (c *Client) Sync(ctx context.Context, item core.KnowledgeItem, targets []string) (string, error) {
	return c.Send(ctx, core.ProtocolKnowledgeSync, core.ActionSync, targets, item)
}

// Next returns the next routed message
func (c *Client) Next(ctx context.Context) (core.Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	case <-ctx.Done():
		return core.Envelope{}, ctx.Err()
	case <-c.done:
		// Drain anything read before the close
		select {
		case env := <-c.inbox:
			return env, nil
		default:
		}
		return core.Envelope{}, ErrClosed
	}
}
