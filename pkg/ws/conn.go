package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// socket is the write side of a websocket connection. Satisfied by
// *websocket.Conn; tests substitute fakes.
type socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is one tracked client connection.
type Conn struct {
	ID   string
	sock socket

	writeTimeout time.Duration

	mu            sync.Mutex
	role          models.Role
	deviceID      string
	userID        string
	zone          string
	groups        map[string]struct{}
	authenticated bool
}

func newConn(id string, sock socket, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           id,
		sock:         sock,
		writeTimeout: writeTimeout,
		groups:       make(map[string]struct{}),
	}
}

// Send writes one JSON message with the configured write timeout.
func (c *Conn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

// SendBinary writes one binary frame, used for downstream agent audio.
func (c *Conn) SendBinary(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageBinary, data)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.sock.Close(code, reason)
}

// Role returns the authenticated role, empty until authentication.
func (c *Conn) Role() models.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// DeviceID returns the device this connection represents or observes.
func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Zone returns the zone assigned at authentication.
func (c *Conn) Zone() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zone
}

// Authenticated reports whether authentication completed.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Group returns the wearer's subscribed group, empty when none.
func (c *Conn) Group() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for g := range c.groups {
		return g
	}
	return ""
}

func (c *Conn) inGroup(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[groupID]
	return ok
}
