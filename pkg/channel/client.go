// Package channel implements the change channel client: one shared,
// authenticated, persistent push subscription per session, with
// reference-counted room membership and automatic reconnection.
//
// Delivery is at-least-once and FIFO per room. Malformed frames are
// dropped and logged at this boundary; they never reach the reconciler.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

// Handler receives validated envelopes in arrival order.
type Handler func(env *Envelope)

// DefaultReconnectBudget bounds how long a single reconnection episode
// may keep retrying before the failure is surfaced through OnDown.
const DefaultReconnectBudget = 5 * time.Minute

var errClientClosed = errors.New("channel client is closed")

// Client maintains the push subscription.
//
// Connect is idempotent. Room membership is reference-counted so that
// one caller leaving a room does not evict another caller still
// requiring it. On connection loss all memberships are invalidated
// server-side; the client replays a join for every room that still has a
// live reference once the connection is re-established.
type Client struct {
	url             string
	dialer          Dialer
	handler         Handler
	presenceHandler Handler
	onDown          func(error)
	log             logger.Logger
	reconnectBudget time.Duration

	mu         sync.Mutex
	state      State
	conn       Transport
	rooms      map[string]int
	credential string

	closeCh        chan struct{}
	reconnCh       chan struct{}
	monitorDone    chan struct{}
	monitorStarted bool
	once           sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the transport dialer. Tests use this to run the
// client over an in-memory pipe.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHandler sets the mutation-event handler.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithPresenceHandler sets the handler for presence envelopes.
func WithPresenceHandler(h Handler) Option {
	return func(c *Client) { c.presenceHandler = h }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithOnDown registers a callback invoked when a reconnection episode
// exhausts its budget. This is the only point at which a channel failure
// is surfaced to the user.
func WithOnDown(f func(error)) Option {
	return func(c *Client) { c.onDown = f }
}

// WithReconnectBudget overrides DefaultReconnectBudget.
func WithReconnectBudget(d time.Duration) Option {
	return func(c *Client) { c.reconnectBudget = d }
}

// NewClient builds a channel client for the given WebSocket URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:             url,
		dialer:          GorillaDialer,
		log:             logger.Nop(),
		reconnectBudget: DefaultReconnectBudget,
		state:           StateDisconnected,
		rooms:           make(map[string]int),
		closeCh:         make(chan struct{}),
		reconnCh:        make(chan struct{}, 1),
		monitorDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHandler replaces the mutation-event handler. It must be called
// before Connect.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// SetPresenceHandler replaces the presence handler. It must be called
// before Connect.
func (c *Client) SetPresenceHandler(h Handler) {
	c.presenceHandler = h
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the client has been closed for good.
func (c *Client) IsClosed() bool {
	return c.State() == StateClosed
}

func (c *Client) transitionTo(newState State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}
	c.state = newState
	c.log.Debug("channel state transitioned", "new_state", newState)
	return nil
}

// Connect establishes the push subscription with the given credential.
// Calling Connect while already connected is a no-op. The credential is
// retained for re-authentication on reconnect.
func (c *Client) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return &api.ChannelError{Reason: "client is closed"}
	}
	c.credential = credential
	c.mu.Unlock()

	if err := checkCredential(credential); err != nil {
		return err
	}
	return c.establish(ctx)
}

// establish dials, authenticates, replays room membership, and starts
// the reader. Used by both Connect and the reconnection loop.
func (c *Client) establish(ctx context.Context) error {
	if err := c.transitionTo(StateConnecting); err != nil {
		return &api.ChannelError{Reason: "connect not possible", Err: err}
	}

	c.mu.Lock()
	credential := c.credential
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, err := c.dialer(ctx, c.url, header)
	if err != nil {
		if stateErr := c.transitionTo(StateDisconnected); stateErr != nil {
			c.log.Error("BUG: channel failed to transition to disconnected state", "error", stateErr)
		}
		return &api.ChannelError{Reason: "dial failed", Err: err}
	}

	if err := writeControl(conn, controlFrame{Action: "connect", Token: credential}); err != nil {
		_ = conn.Close()
		if stateErr := c.transitionTo(StateDisconnected); stateErr != nil {
			c.log.Error("BUG: channel failed to transition to disconnected state", "error", stateErr)
		}
		return &api.ChannelError{Reason: "authentication frame failed", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.transitionTo(StateConnected); err != nil {
		return &api.ChannelError{Reason: "connect not possible", Err: err}
	}

	c.replayRooms(conn)

	go c.readLoop(conn)

	c.once.Do(func() {
		c.mu.Lock()
		c.monitorStarted = true
		c.mu.Unlock()
		go c.monitor()
	})

	return nil
}

// replayRooms re-joins every room that still has a live reference.
func (c *Client) replayRooms(conn Transport) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room, refs := range c.rooms {
		if refs > 0 {
			rooms = append(rooms, room)
		}
	}
	c.mu.Unlock()

	for _, room := range rooms {
		c.log.Debug("channel replaying room join", "room", room)
		if err := writeControl(conn, controlFrame{Action: "join", Room: room}); err != nil {
			c.log.Warn("channel failed to replay room join", "room", room, "error", err)
		}
	}
}

// Join adds a reference to the room, subscribing on the 0 to 1
// transition. Membership survives disconnects: it is replayed once the
// connection is back.
func (c *Client) Join(room string) {
	c.mu.Lock()
	c.rooms[room]++
	first := c.rooms[room] == 1
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if first && connected && conn != nil {
		if err := writeControl(conn, controlFrame{Action: "join", Room: room}); err != nil {
			c.log.Warn("channel join frame failed, membership will replay on reconnect", "room", room, "error", err)
		}
	}
}

// Leave drops one reference to the room, unsubscribing on the 1 to 0
// transition. Leaving a room with no references is a no-op.
func (c *Client) Leave(room string) {
	c.mu.Lock()
	refs, ok := c.rooms[room]
	if !ok {
		c.mu.Unlock()
		return
	}
	last := refs == 1
	if last {
		delete(c.rooms, room)
	} else {
		c.rooms[room] = refs - 1
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if last && connected && conn != nil {
		if err := writeControl(conn, controlFrame{Action: "leave", Room: room}); err != nil {
			c.log.Warn("channel leave frame failed", "room", room, "error", err)
		}
	}
}

// RefCount returns the number of live references to a room.
func (c *Client) RefCount(room string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room]
}

// readLoop reads and dispatches frames until the connection errors.
// A single reader dispatching synchronously preserves per-room FIFO
// ordering.
func (c *Client) readLoop(conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.state == StateClosing || c.state == StateClosed
			c.mu.Unlock()
			if closing {
				return
			}

			c.log.Warn("channel connection lost", "error", err)
			if stateErr := c.transitionTo(StateDisconnected); stateErr != nil {
				c.log.Error("BUG: channel failed to transition to disconnected state", "error", stateErr)
			}
			select {
			case c.reconnCh <- struct{}{}:
			default:
			}
			return
		}

		env, perr := ParseEnvelope(data)
		if perr != nil {
			c.log.Warn("channel dropped malformed envelope", "error", perr)
			continue
		}

		if env.Type == EventPresence {
			if c.presenceHandler != nil {
				c.presenceHandler(env)
			}
			continue
		}
		if c.handler != nil {
			c.handler(env)
		}
	}
}

// monitor waits for loss signals and runs reconnection episodes with
// exponential backoff. It exits when the client is closed.
func (c *Client) monitor() {
	defer close(c.monitorDone)

	for {
		select {
		case <-c.closeCh:
			return
		case <-c.reconnCh:
		}

		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = c.reconnectBudget

		err := backoff.Retry(func() error {
			select {
			case <-c.closeCh:
				return backoff.Permanent(errClientClosed)
			default:
			}
			if err := checkCredential(c.currentCredential()); err != nil {
				return backoff.Permanent(err)
			}
			c.log.Info("channel attempting to reconnect")
			return c.establish(context.Background())
		}, policy)

		if err != nil {
			if errors.Is(err, errClientClosed) {
				return
			}
			c.log.Error("channel reconnection failed", "error", err)
			if c.onDown != nil {
				c.onDown(err)
			}
		}
	}
}

func (c *Client) currentCredential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

// Close stops the reconnection loop and tears down the connection. Once
// closed, the client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	if err := c.transitionTo(StateClosing); err != nil {
		return fmt.Errorf("channel client is already closing or closed: %w", err)
	}
	defer func() {
		if err := c.transitionTo(StateClosed); err != nil {
			c.log.Error("BUG: channel failed to transition to closed state", "error", err)
		}
	}()

	close(c.closeCh)

	c.mu.Lock()
	started := c.monitorStarted
	conn := c.conn
	c.mu.Unlock()

	if started {
		<-c.monitorDone
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// controlFrame is the outbound wire format for connect/join/leave.
type controlFrame struct {
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
	Token  string `json:"token,omitempty"`
}

func writeControl(conn Transport, frame controlFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// checkCredential rejects credentials that are demonstrably unusable
// before any dial happens. Opaque (non-JWT) tokens pass through; only a
// JWT with an expiry in the past is rejected.
func checkCredential(token string) error {
	if token == "" {
		return &api.ChannelError{Reason: "missing credential"}
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return &api.ChannelError{Reason: "credential expired"}
	}
	return nil
}
