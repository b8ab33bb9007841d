// Package client is the Go counterpart of the dashboard's realtime
// connection: a reconnecting, post-connect-authenticating websocket wrapper
// that degrades to REST polling when the socket layer stays down. Consumers
// read synthesized and live events from the same buffer either way.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the externally visible transport state.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReconnecting   State = "reconnecting"
	StatePolling        State = "polling"
	StateClosed         State = "closed"
)

// closeAuthFailure is the server's dedicated auth-failure close code. It is
// terminal: the credential is bad, not the network.
const closeAuthFailure = 4401

// TokenSource supplies a fresh bearer token for each authentication attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config controls the client transport.
type Config struct {
	// URL is the websocket endpoint, with no credential in it.
	URL string
	// Tokens supplies bearer tokens for the post-connect handshake and for
	// polling requests.
	Tokens TokenSource
	// Jobs is the authoritative REST fallback consulted while polling.
	Jobs JobLister
	// MaxReconnects bounds reconnect attempts after abnormal closes before
	// the client degrades to polling.
	MaxReconnects int
	// ReconnectDelay is the fixed wait before each reconnect attempt.
	ReconnectDelay time.Duration
	// PollInterval spaces REST polls in the fallback mode.
	PollInterval time.Duration
	// BufferSize caps the inbound message buffer; oldest entries are
	// evicted first when it is full.
	BufferSize int
	// Dialer overrides the websocket dialer, primarily for tests.
	Dialer *websocket.Dialer
	// OnState, when set, observes every state transition.
	OnState func(State)

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Client is a single-owner transport instance. Construct one, Connect it,
// and Close it on teardown; it is not a process-wide singleton.
type Client struct {
	cfg Config

	mu         sync.Mutex
	state      State
	desired    map[string]struct{}
	buffer     [][]byte
	reconnects int
	conn       *websocket.Conn
	cancel     context.CancelFunc
	running    bool
	closed     bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("client: token source is required")
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		state:   StateIdle,
		desired: make(map[string]struct{}),
	}, nil
}

// Connect starts the connection timeline. Calling it while the client is in
// the polling fallback cancels the poller and gives the socket a fresh
// reconnect budget; the two modes never run together.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client: closed")
	}
	prevCancel := c.cancel
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		c.wg.Wait()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return errors.New("client: closed")
	}
	c.cancel = cancel
	c.running = true
	c.reconnects = 0
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
	return nil
}

// Close tears the client down: it cancels any reconnect timer or polling
// loop, closes the socket with a normal close code so server-side cleanup
// runs promptly, and waits for the timeline to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.setState(StateClosed)
	return nil
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe records the channel in the desired membership set and, when
// authenticated, sends the wire message immediately. The desired set is
// replayed wholesale after every successful authentication, so a request
// issued in any state lands server-side exactly once per connection.
func (c *Client) Subscribe(channel string) {
	c.mu.Lock()
	c.desired[channel] = struct{}{}
	conn, authed := c.conn, c.state == StateAuthenticated
	c.mu.Unlock()
	if authed {
		c.writeFrame(conn, map[string]string{"type": "subscribe", "channel": channel})
	}
}

// Unsubscribe removes the channel from the desired set and notifies the
// server when authenticated.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.desired, channel)
	conn, authed := c.conn, c.state == StateAuthenticated
	c.mu.Unlock()
	if authed {
		c.writeFrame(conn, map[string]string{"type": "unsubscribe", "channel": channel})
	}
}

// Messages returns a copy of the buffered inbound events, oldest first.
func (c *Client) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// ClearMessages drains the buffer and returns what it held.
func (c *Client) ClearMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buffer
	c.buffer = nil
	return out
}

// ReconnectAttempts reports how many reconnects the current timeline has
// spent.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// run is the single logical timeline: there is never more than one connect
// attempt or polling loop in flight.
func (c *Client) run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if first {
			c.setState(StateConnecting)
		}
		first = false

		outcome := c.connectOnce(ctx)
		switch outcome {
		case outcomeNormal, outcomeAuthFailed:
			// Normal close, or a bad credential. Neither is retried; the
			// caller decides what happens next.
			if ctx.Err() == nil {
				c.setState(StateClosed)
			}
			return
		case outcomeCanceled:
			return
		case outcomeTransient:
		}

		c.mu.Lock()
		c.reconnects++
		attempts := c.reconnects
		max := c.cfg.MaxReconnects
		c.mu.Unlock()

		if attempts > max {
			c.cfg.Logger.Warn("reconnect budget exhausted, degrading to polling",
				zap.Int("attempts", max),
			)
			c.poll(ctx)
			return
		}

		c.setState(StateReconnecting)
		c.cfg.Logger.Info("reconnecting",
			zap.Int("attempt", attempts),
			zap.Int("max", max),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

type outcome int

const (
	outcomeNormal outcome = iota
	outcomeTransient
	outcomeAuthFailed
	outcomeCanceled
)

// connectOnce runs one dial-authenticate-read cycle and classifies how it
// ended.
func (c *Client) connectOnce(ctx context.Context) outcome {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCanceled
		}
		c.cfg.Logger.Warn("fetch token failed", zap.Error(err))
		return outcomeTransient
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCanceled
		}
		c.cfg.Logger.Warn("dial failed", zap.Error(err))
		return outcomeTransient
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return outcomeCanceled
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Close the socket when the context ends so the read loop unblocks.
	dialDone := make(chan struct{})
	defer close(dialDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-dialDone:
		}
	}()

	c.setState(StateAuthenticating)
	if err := c.writeFrame(conn, map[string]string{"action": "authenticate", "token": token}); err != nil {
		if ctx.Err() != nil {
			return outcomeCanceled
		}
		return outcomeTransient
	}

	return c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) outcome {
	authErrorSeen := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return outcomeCanceled
			}
			if authErrorSeen || websocket.IsCloseError(err, closeAuthFailure) {
				return outcomeAuthFailed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return outcomeNormal
			}
			c.cfg.Logger.Warn("socket closed abnormally", zap.Error(err))
			return outcomeTransient
		}

		var frame struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.cfg.Logger.Debug("unparseable frame dropped", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "auth_success":
			c.onAuthenticated(conn)
		case "auth_error":
			// The close frame with the dedicated code follows; remember the
			// cause so the close is not misread as transient.
			authErrorSeen = true
			c.cfg.Logger.Error("authentication rejected", zap.String("message", frame.Message))
		case "pong", "error":
			c.cfg.Logger.Debug("control frame", zap.String("type", frame.Type), zap.String("message", frame.Message))
		default:
			c.bufferMessage(data)
		}
	}
}

// onAuthenticated resets the reconnect budget and replays the full desired
// channel set. Replaying the set rather than per-message deltas means a
// reconnect never double-subscribes and never loses a request issued while
// the socket was down.
func (c *Client) onAuthenticated(conn *websocket.Conn) {
	c.mu.Lock()
	c.reconnects = 0
	channels := make([]string, 0, len(c.desired))
	for ch := range c.desired {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	c.setState(StateAuthenticated)
	for _, ch := range channels {
		if err := c.writeFrame(conn, map[string]string{"type": "subscribe", "channel": ch}); err != nil {
			c.cfg.Logger.Warn("replay subscription failed",
				zap.String("channel", ch),
				zap.Error(err),
			)
			return
		}
	}
}

func (c *Client) bufferMessage(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) >= c.cfg.BufferSize {
		drop := len(c.buffer) - c.cfg.BufferSize + 1
		c.buffer = append(c.buffer[:0], c.buffer[drop:]...)
	}
	c.buffer = append(c.buffer, data)
}

func (c *Client) writeFrame(conn *websocket.Conn, frame map[string]string) error {
	if conn == nil {
		return errors.New("client: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.closed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	onState := c.cfg.OnState
	c.mu.Unlock()
	if onState != nil {
		onState(s)
	}
}
