// Package uplink mirrors snapshots to remote relay targets. Each target
// runs an independent connect/auth/push loop over websocket; a target
// only ever receives the local operator's view, filtered to the projects
// it was configured to include.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-observatory/daemon/internal/config"
	"github.com/session-observatory/daemon/internal/dashboard"
	"github.com/session-observatory/daemon/internal/logutil"
)

const (
	backoffBase       = 2 * time.Second
	backoffMax        = 10 * time.Second
	writeTimeout      = 10 * time.Second
	authReplyTimeout  = 15 * time.Second
	heartbeatInterval = 30 * time.Second
)

// State is the connection lifecycle of one target.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// clientMessage is every client→relay frame: auth, state_update, heartbeat.
type clientMessage struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	PylonID string          `json:"pylonId,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

// serverMessage is every relay→client frame.
type serverMessage struct {
	Type       string `json:"type"`
	OperatorID string `json:"operatorId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TargetStatus is the REST view of one uplink connection.
type TargetStatus struct {
	PylonID    string   `json:"pylonId"`
	PylonName  string   `json:"pylonName,omitempty"`
	WSURL      string   `json:"wsUrl"`
	State      State    `json:"state"`
	OperatorID string   `json:"operatorId,omitempty"`
	LastError  string   `json:"lastError,omitempty"`
	Projects   []string `json:"projects,omitempty"`
}

// Client drives one relay target. Push is called from the tick goroutine
// and never blocks; the connection loop picks up the latest snapshot when
// it is ready to send.
type Client struct {
	target  config.RelayTarget
	limiter *logutil.Limiter

	// kick coalesces Push calls; the loop re-reads latest on each wake.
	kick chan struct{}

	mu         sync.Mutex
	latest     *dashboard.Snapshot
	state      State
	operatorID string
	lastErr    string

	// lastSent is the serialized filtered view last written on the
	// current connection. Only the Run goroutine touches it.
	lastSent []byte
}

func NewClient(target config.RelayTarget) *Client {
	return &Client{
		target:  target,
		limiter: logutil.NewLimiter(time.Minute),
		kick:    make(chan struct{}, 1),
		state:   StateConnecting,
	}
}

// Push stores the newest snapshot and wakes the connection loop. It
// satisfies the fan-out sink contract: never blocks the tick.
func (c *Client) Push(snap *dashboard.Snapshot) {
	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Status reports the target's current connection state.
func (c *Client) Status() TargetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TargetStatus{
		PylonID:    c.target.PylonID,
		PylonName:  c.target.PylonName,
		WSURL:      c.target.WSURL,
		State:      c.state,
		OperatorID: c.operatorID,
		LastError:  c.lastErr,
		Projects:   c.target.Projects,
	}
}

// Run dials, authenticates, and serves the connection until the context
// is cancelled, reconnecting with exponential backoff. The backoff resets
// whenever the relay is heard from; an auth_ok counts.
func (c *Client) Run(ctx context.Context) {
	delay := backoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, "", "")

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.target.WSURL, nil)
		if err != nil {
			c.setState(StateDisconnected, "", err.Error())
			c.limiter.Printf("dial:"+c.target.PylonID, "[uplink] dial %s failed: %v (retry in %v)", c.target.WSURL, err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = bump(delay)
			continue
		}

		operatorID, err := c.authenticate(conn)
		if err != nil {
			conn.Close()
			c.setState(StateDisconnected, "", err.Error())
			c.limiter.Printf("auth:"+c.target.PylonID, "[uplink] auth with %s failed: %v (retry in %v)", c.target.WSURL, err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = bump(delay)
			continue
		}

		delay = backoffBase
		c.setState(StateConnected, operatorID, "")
		c.lastSent = nil

		err = c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "", "shutdown")
			return
		}
		c.setState(StateDisconnected, "", err.Error())
		c.limiter.Printf("drop:"+c.target.PylonID, "[uplink] connection to %s dropped: %v (retry in %v)", c.target.WSURL, err, delay)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = bump(delay)
	}
}

// authenticate performs the auth handshake. The connection is not shared
// yet, so no write serialization is needed here.
func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	auth := clientMessage{Type: "auth", Token: c.target.Token, PylonID: c.target.PylonID}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authReplyTimeout))
	defer conn.SetReadDeadline(time.Time{})
	var reply serverMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read auth reply: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return reply.OperatorID, nil
	case "auth_error":
		return "", fmt.Errorf("auth rejected: %s", reply.Reason)
	default:
		return "", fmt.Errorf("unexpected %q reply to auth", reply.Type)
	}
}

// serve owns an authenticated connection: it forwards the filtered view
// whenever it changes and heartbeats on a fixed interval. The relay is
// not required to respond between heartbeats, so no read deadline is
// armed; a dead peer surfaces as a heartbeat write failure.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			// Frames after auth are acks; draining them keeps the
			// connection's control-frame handling alive.
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	// The relay starts from nothing after a (re)connect, so the newest
	// known state goes out immediately.
	if err := c.pushLatest(conn); err != nil {
		return err
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			if err := c.write(conn, clientMessage{Type: "heartbeat"}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-c.kick:
			if err := c.pushLatest(conn); err != nil {
				return err
			}
		}
	}
}

// pushLatest sends a state_update only when the filtered serialization
// differs from what this connection already has.
func (c *Client) pushLatest(conn *websocket.Conn) error {
	c.mu.Lock()
	snap := c.latest
	c.mu.Unlock()
	if snap == nil {
		return nil
	}

	view := FilterView(snap, c.target.Projects)
	data, err := json.Marshal(view)
	if err != nil {
		c.limiter.Printf("marshal:"+c.target.PylonID, "[uplink] view marshal failed: %v", err)
		return nil
	}
	if bytes.Equal(data, c.lastSent) {
		return nil
	}
	if err := c.write(conn, clientMessage{Type: "state_update", State: data}); err != nil {
		return fmt.Errorf("state_update: %w", err)
	}
	c.lastSent = data
	return nil
}

func (c *Client) write(conn *websocket.Conn, msg clientMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) setState(s State, operatorID, lastErr string) {
	c.mu.Lock()
	c.state = s
	c.operatorID = operatorID
	c.lastErr = lastErr
	c.mu.Unlock()
}

// sleepCtx waits for d, returning false if the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func bump(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
