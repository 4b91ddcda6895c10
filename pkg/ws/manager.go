// Package ws is the connection plane: it tracks every client socket,
// routes inbound messages, and fans events out to devices, caregivers,
// groups, and dashboards.
package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// Manager owns every tracked connection and the lookup indexes over
// them. All index mutation happens under one RWMutex; fan-out walks a
// snapshot so a slow socket never blocks the indexes.
type Manager struct {
	writeTimeout time.Duration
	authTimeout  time.Duration

	mu         sync.RWMutex
	conns      map[string]*Conn            // conn id -> conn
	devices    map[string]*Conn            // device id -> device/watch conn
	caregivers map[string]*Conn            // paired device id -> caregiver conn
	dashboards map[string]*Conn            // conn id -> dashboard conn
	groups     map[string]map[string]*Conn // group id -> conn id -> conn
	authTimers map[string]*time.Timer

	onDeviceDisconnect []func(deviceID string)
}

// NewManager builds an empty connection manager.
func NewManager(writeTimeout, authTimeout time.Duration) *Manager {
	return &Manager{
		writeTimeout: writeTimeout,
		authTimeout:  authTimeout,
		conns:        make(map[string]*Conn),
		devices:      make(map[string]*Conn),
		caregivers:   make(map[string]*Conn),
		dashboards:   make(map[string]*Conn),
		groups:       make(map[string]map[string]*Conn),
		authTimers:   make(map[string]*time.Timer),
	}
}

// OnDeviceDisconnect registers a callback fired after a device
// connection is fully removed from the indexes.
func (m *Manager) OnDeviceDisconnect(fn func(deviceID string)) {
	m.mu.Lock()
	m.onDeviceDisconnect = append(m.onDeviceDisconnect, fn)
	m.mu.Unlock()
}

// Track registers a freshly accepted socket as pending. The connection
// must authenticate within the auth timeout or it is closed with 4001.
func (m *Manager) Track(sock socket) *Conn {
	c := newConn(uuid.New().String(), sock, m.writeTimeout)

	m.mu.Lock()
	m.conns[c.ID] = c
	m.authTimers[c.ID] = time.AfterFunc(m.authTimeout, func() {
		if !c.Authenticated() {
			slog.Debug("Authentication timeout", "conn_id", c.ID)
			c.close(models.CloseAuthTimeout, "authentication timeout")
			m.Disconnect(c)
		}
	})
	m.mu.Unlock()
	return c
}

// AuthenticateDevice marks a connection as the live socket for a
// device. An existing socket for the same device is superseded and
// closed; the newest connection always wins.
func (m *Manager) AuthenticateDevice(c *Conn, role models.Role, deviceID, userID, zone string) {
	m.mu.Lock()
	old := m.devices[deviceID]
	m.devices[deviceID] = c
	m.stopAuthTimerLocked(c.ID)
	m.mu.Unlock()

	c.mu.Lock()
	c.role = role
	c.deviceID = deviceID
	c.userID = userID
	c.zone = zone
	c.authenticated = true
	c.mu.Unlock()

	if old != nil && old.ID != c.ID {
		slog.Info("Superseding device connection", "device_id", deviceID, "old_conn", old.ID)
		old.close(websocket.StatusNormalClosure, "superseded by newer connection")
		m.removeConn(old, false)
	}

	slog.Info("Device authenticated", "device_id", deviceID, "zone", zone, "role", role)
	m.BroadcastToDashboards(map[string]any{
		"type":      "device_connected",
		"device_id": deviceID,
		"zone":      zone,
	})
}

// AuthenticateCaregiver marks a connection as the caregiver paired to
// a device.
func (m *Manager) AuthenticateCaregiver(c *Conn, userID, pairedDeviceID string) {
	m.mu.Lock()
	m.caregivers[pairedDeviceID] = c
	m.stopAuthTimerLocked(c.ID)
	m.mu.Unlock()

	c.mu.Lock()
	c.role = models.RoleCaregiver
	c.userID = userID
	c.deviceID = pairedDeviceID
	c.authenticated = true
	c.mu.Unlock()

	slog.Info("Caregiver authenticated", "user_id", userID, "paired_device", pairedDeviceID)
}

// AuthenticateDashboard marks a connection as a dashboard observer.
func (m *Manager) AuthenticateDashboard(c *Conn, userID string) {
	m.mu.Lock()
	m.dashboards[c.ID] = c
	m.stopAuthTimerLocked(c.ID)
	m.mu.Unlock()

	c.mu.Lock()
	c.role = models.RoleDashboard
	c.userID = userID
	c.authenticated = true
	c.mu.Unlock()
}

// AuthenticateObserver covers the remaining roles (mobile, relay) that
// are tracked but carry no dedicated index.
func (m *Manager) AuthenticateObserver(c *Conn, role models.Role, userID string) {
	m.mu.Lock()
	m.stopAuthTimerLocked(c.ID)
	m.mu.Unlock()

	c.mu.Lock()
	c.role = role
	c.userID = userID
	c.authenticated = true
	c.mu.Unlock()
}

// SubscribeGroup adds a connection to a group. Subscribing twice is a
// no-op.
func (m *Manager) SubscribeGroup(c *Conn, groupID string) {
	c.mu.Lock()
	c.groups[groupID] = struct{}{}
	c.mu.Unlock()

	m.mu.Lock()
	members, ok := m.groups[groupID]
	if !ok {
		members = make(map[string]*Conn)
		m.groups[groupID] = members
	}
	members[c.ID] = c
	m.mu.Unlock()
}

// SendToDevice delivers one message to a device's live socket.
func (m *Manager) SendToDevice(deviceID string, msg any) error {
	m.mu.RLock()
	c, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %s not connected", deviceID)
	}
	if err := c.Send(msg); err != nil {
		m.dropFailed(c, err)
		return fmt.Errorf("failed to send to device %s: %w", deviceID, err)
	}
	return nil
}

// SendBinaryToDevice delivers one binary frame to a device, used for
// agent audio playback on the watch.
func (m *Manager) SendBinaryToDevice(deviceID string, data []byte) error {
	m.mu.RLock()
	c, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %s not connected", deviceID)
	}
	if err := c.SendBinary(data); err != nil {
		m.dropFailed(c, err)
		return fmt.Errorf("failed to send binary to device %s: %w", deviceID, err)
	}
	return nil
}

// SendToPairedCaregiver delivers a message to the caregiver paired with
// a device, reporting whether one was connected.
func (m *Manager) SendToPairedCaregiver(deviceID string, msg any) bool {
	m.mu.RLock()
	c, ok := m.caregivers[deviceID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.Send(msg); err != nil {
		m.dropFailed(c, err)
		return false
	}
	return true
}

// BroadcastToZone fans a message out to every device in a zone.
// Best-effort: failing sockets are dropped, the rest still receive.
func (m *Manager) BroadcastToZone(zone string, msg any) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.devices))
	for _, c := range m.devices {
		if c.Zone() == zone {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()
	m.fanOut(targets, msg)
}

// BroadcastToGroup fans a message out to every group subscriber.
func (m *Manager) BroadcastToGroup(groupID string, msg any) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.groups[groupID]))
	for _, c := range m.groups[groupID] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	m.fanOut(targets, msg)
}

// BroadcastToDashboards fans a message out to every dashboard.
func (m *Manager) BroadcastToDashboards(msg any) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.dashboards))
	for _, c := range m.dashboards {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	m.fanOut(targets, msg)
}

// CloseDevice closes a device's socket with an application code, used
// when its pairing is cancelled.
func (m *Manager) CloseDevice(deviceID string, code websocket.StatusCode, reason string) {
	m.mu.RLock()
	c, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.close(code, reason)
	m.Disconnect(c)
}

// Disconnect removes a connection from every index. Device removals
// notify dashboards and fire the disconnect callbacks.
func (m *Manager) Disconnect(c *Conn) {
	m.removeConn(c, true)
}

// DeviceConnected reports whether a device has a live socket.
func (m *Manager) DeviceConnected(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.devices[deviceID]
	return ok
}

// ConnectedDevices returns the ids of every connected device.
func (m *Manager) ConnectedDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.devices))
	for id := range m.devices {
		out = append(out, id)
	}
	return out
}

// Status summarizes the connection plane for dashboard subscribers.
func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"devices":    len(m.devices),
		"caregivers": len(m.caregivers),
		"dashboards": len(m.dashboards),
		"groups":     len(m.groups),
	}
}

func (m *Manager) fanOut(targets []*Conn, msg any) {
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			m.dropFailed(c, err)
		}
	}
}

// dropFailed lazily removes a socket whose write failed.
func (m *Manager) dropFailed(c *Conn, err error) {
	slog.Debug("Dropping failed connection", "conn_id", c.ID, "error", err)
	m.removeConn(c, true)
}

func (m *Manager) removeConn(c *Conn, notify bool) {
	c.mu.Lock()
	deviceID := c.deviceID
	role := c.role
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	m.mu.Lock()
	if _, tracked := m.conns[c.ID]; !tracked {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.ID)
	m.stopAuthTimerLocked(c.ID)
	delete(m.dashboards, c.ID)
	for _, g := range groups {
		if members := m.groups[g]; members != nil {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(m.groups, g)
			}
		}
	}
	isDevice := false
	switch role {
	case models.RoleDevice, models.RoleWatch:
		if m.devices[deviceID] == c {
			delete(m.devices, deviceID)
			isDevice = true
		}
	case models.RoleCaregiver:
		if m.caregivers[deviceID] == c {
			delete(m.caregivers, deviceID)
		}
	}
	callbacks := m.onDeviceDisconnect
	m.mu.Unlock()

	if isDevice && notify {
		slog.Info("Device disconnected", "device_id", deviceID)
		m.BroadcastToDashboards(map[string]any{
			"type":      "device_disconnected",
			"device_id": deviceID,
		})
		for _, fn := range callbacks {
			fn(deviceID)
		}
	}
}

func (m *Manager) stopAuthTimerLocked(connID string) {
	if t, ok := m.authTimers[connID]; ok {
		t.Stop()
		delete(m.authTimers, connID)
	}
}
