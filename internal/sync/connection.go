package sync

import (
	"sync"

	"github.com/njoerd114/apptsync/internal/model"
)

// ConnState is the state of the provider connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Connection is the connection state machine:
//
//	Disconnected --authorize--> Connected --disconnect--> Disconnected
//	Connected --auth rejected--> Disconnected (reconnect required)
//
// Once the provider has rejected the authorization, only a fresh
// authorization or an explicit disconnect leaves the reconnect-required
// state. It is safe for concurrent use.
type Connection struct {
	mu                sync.Mutex
	state             ConnState
	email             string
	reconnectRequired bool
}

// Authorized records a completed consent flow.
func (c *Connection) Authorized(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Connected
	c.email = email
	c.reconnectRequired = false
}

// Observed records that a stored token exists. It does not override a
// reconnect-required state.
func (c *Connection) Observed(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectRequired {
		return
	}
	c.state = Connected
	c.email = email
}

// Expired downgrades the connection after the provider rejected the token.
// It reports whether the state changed.
func (c *Connection) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !c.reconnectRequired
	c.state = Disconnected
	c.reconnectRequired = true
	return changed
}

// Cleared records that no token is stored, either after a disconnect or
// because none was ever issued.
func (c *Connection) Cleared() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Disconnected
	c.email = ""
	c.reconnectRequired = false
}

// State returns the current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectRequired reports whether the user must authorize again.
func (c *Connection) ReconnectRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectRequired
}

// Snapshot returns the state as a status value.
func (c *Connection) Snapshot() model.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.ConnectionStatus{
		Connected:         c.state == Connected,
		ReconnectRequired: c.reconnectRequired,
	}
	if st.Connected {
		st.AccountEmail = c.email
	}
	return st
}
