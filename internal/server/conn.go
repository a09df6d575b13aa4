package server

import (
	"context"
	"errors"

	"github.com/coder/websocket"

	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/registry"
)

// connState tracks one connection's position in its lifecycle.
type connState int

const (
	// stateConnecting: upgraded, waiting for the device's first
	// sync_request to learn its identity.
	stateConnecting connState = iota
	// stateOpen: registered and exchanging messages.
	stateOpen
	// stateClosing: tear-down in progress.
	stateClosing
	// stateClosed: fully released.
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is the per-connection state machine, driven by transport events
// and dispatched by message type. One goroutine runs each conn.
type conn struct {
	server    *Server
	ws        *websocket.Conn
	transport *wsTransport
	userID    string

	state    connState
	deviceID string
}

func newConn(s *Server, ws *websocket.Conn, userID string) *conn {
	return &conn{
		server:    s,
		ws:        ws,
		transport: newWSTransport(ws),
		userID:    userID,
		state:     stateConnecting,
	}
}

// run reads messages until the connection breaks or the server stops,
// then releases the device registration.
func (c *conn) run(ctx context.Context) {
	defer c.close()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.state == stateOpen && !errors.Is(err, context.Canceled) {
				status := websocket.CloseStatus(err)
				c.server.logger.Printf("Device %s connection closed (status %d)", c.deviceID, status)
			}
			return
		}
		c.dispatch(ctx, data)
	}
}

// dispatch decodes one inbound message and advances the state machine.
// A protocol error is answered on the same connection, which stays open.
func (c *conn) dispatch(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.server.logger.Printf("Protocol error from %s: %v", c.describe(), err)
		c.sendProtocolError(ctx)
		return
	}

	switch m := msg.(type) {
	case protocol.SyncRequest:
		if c.state == stateConnecting {
			c.deviceID = m.DeviceID
			c.state = stateOpen
			c.server.coordinator.HandleConnect(ctx, &registry.Device{
				DeviceID:  m.DeviceID,
				UserID:    c.userID,
				Platform:  m.Platform,
				Transport: c.transport,
				Prefs:     registry.Preferences{Sound: true, Position: "topRight", DurationMs: 4000},
			}, m.LastSyncTimestamp)
			return
		}
		c.server.coordinator.HandleSyncRequest(ctx, c.deviceID, m.LastSyncTimestamp)

	case protocol.SyncUpdate:
		if c.state != stateOpen {
			c.server.logger.Printf("sync_update before sync_request from %s ignored", c.describe())
			return
		}
		c.server.coordinator.HandleSyncUpdate(ctx, c.deviceID, m.Changes)

	case protocol.UpdatePreferences:
		if c.state != stateOpen {
			c.server.logger.Printf("update_preferences before sync_request from %s ignored", c.describe())
			return
		}
		c.server.coordinator.UpdatePreferences(ctx, c.deviceID, m.Preferences)
	}
}

// sendProtocolError answers a malformed message with a generic
// destructive-styled sync notification on the same connection.
func (c *conn) sendProtocolError(ctx context.Context) {
	payload := notify.Payload{
		Type:    notify.EventSync,
		Title:   "Sync error",
		Message: "The server could not understand the last message",
		Style: notify.Style{
			Variant: "destructive", Duration: 4000,
			Icon: "refresh", Position: "bottomRight",
		},
	}
	data, err := payload.Encode()
	if err != nil {
		return
	}
	_ = c.transport.Send(ctx, data)
}

// close releases the device registration exactly once. Passing the
// connection's own transport keeps cleanup of a superseded connection
// from deregistering a reconnect that reused the device id.
func (c *conn) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosing
	if c.deviceID != "" {
		c.server.coordinator.HandleDisconnect(c.deviceID, c.transport)
	}
	_ = c.transport.Close()
	c.state = stateClosed
}

func (c *conn) describe() string {
	if c.deviceID != "" {
		return c.deviceID
	}
	return "unidentified device (" + c.state.String() + ")"
}
