package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsera-health/pulsera/pkg/models"
)

type fakeSock struct {
	mu        sync.Mutex
	text      []map[string]any
	binary    [][]byte
	failWrite bool
	closed    bool
	closeCode websocket.StatusCode
}

func (f *fakeSock) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	if typ == websocket.MessageBinary {
		buf := make([]byte, len(p))
		copy(buf, p)
		f.binary = append(f.binary, buf)
		return nil
	}
	var msg map[string]any
	if err := json.Unmarshal(p, &msg); err != nil {
		return err
	}
	f.text = append(f.text, msg)
	return nil
}

func (f *fakeSock) Close(code websocket.StatusCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeSock) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.text))
	copy(out, f.text)
	return out
}

func (f *fakeSock) types() []string {
	var out []string
	for _, m := range f.messages() {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

func (f *fakeSock) isClosed() (bool, websocket.StatusCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func newTestManager() *Manager {
	return NewManager(time.Second, time.Minute)
}

func TestAuthTimeoutCloses4001(t *testing.T) {
	m := NewManager(time.Second, 30*time.Millisecond)
	sock := &fakeSock{}
	m.Track(sock)

	require.Eventually(t, func() bool {
		closed, _ := sock.isClosed()
		return closed
	}, time.Second, 5*time.Millisecond)
	_, code := sock.isClosed()
	assert.Equal(t, websocket.StatusCode(models.CloseAuthTimeout), code)
}

func TestAuthenticatedConnSurvivesTimeout(t *testing.T) {
	m := NewManager(time.Second, 30*time.Millisecond)
	sock := &fakeSock{}
	c := m.Track(sock)
	m.AuthenticateDevice(c, models.RoleDevice, "w-1", "maria", "atrium")

	time.Sleep(80 * time.Millisecond)
	closed, _ := sock.isClosed()
	assert.False(t, closed)
	assert.True(t, m.DeviceConnected("w-1"))
}

func TestSupersedeOlderDeviceConn(t *testing.T) {
	m := newTestManager()
	oldSock := &fakeSock{}
	oldConn := m.Track(oldSock)
	m.AuthenticateDevice(oldConn, models.RoleDevice, "w-1", "", "atrium")

	newSock := &fakeSock{}
	newConn := m.Track(newSock)
	m.AuthenticateDevice(newConn, models.RoleDevice, "w-1", "", "atrium")

	closed, _ := oldSock.isClosed()
	assert.True(t, closed, "old socket must be closed")

	require.NoError(t, m.SendToDevice("w-1", map[string]any{"type": "x"}))
	assert.Contains(t, newSock.types(), "x")
	assert.NotContains(t, oldSock.types(), "x")
}

func TestFanOutIsolation(t *testing.T) {
	m := newTestManager()

	good := &fakeSock{}
	bad := &fakeSock{failWrite: true}
	c1 := m.Track(good)
	c2 := m.Track(bad)
	m.AuthenticateDevice(c1, models.RoleDevice, "w-1", "", "atrium")
	m.AuthenticateDevice(c2, models.RoleDevice, "w-2", "", "atrium")

	m.BroadcastToZone("atrium", map[string]any{"type": "zone_alert"})

	assert.Contains(t, good.types(), "zone_alert")
	// the failing socket is lazily dropped
	assert.False(t, m.DeviceConnected("w-2"))
	assert.True(t, m.DeviceConnected("w-1"))
}

func TestSubscribeGroupIdempotent(t *testing.T) {
	m := newTestManager()
	sock := &fakeSock{}
	c := m.Track(sock)
	m.AuthenticateDevice(c, models.RoleDevice, "w-1", "", "atrium")

	m.SubscribeGroup(c, "family-9")
	m.SubscribeGroup(c, "family-9")

	m.BroadcastToGroup("family-9", map[string]any{"type": "group-health-update"})
	count := 0
	for _, typ := range sock.types() {
		if typ == "group-health-update" {
			count++
		}
	}
	assert.Equal(t, 1, count, "duplicate subscription must not duplicate delivery")
}

func TestSendToPairedCaregiver(t *testing.T) {
	m := newTestManager()
	cg := &fakeSock{}
	c := m.Track(cg)
	m.AuthenticateCaregiver(c, "caregiver-7", "w-1")

	assert.True(t, m.SendToPairedCaregiver("w-1", map[string]any{"type": "ring-episode-alert"}))
	assert.Contains(t, cg.types(), "ring-episode-alert")
	assert.False(t, m.SendToPairedCaregiver("w-2", map[string]any{"type": "x"}))
}

func TestDisconnectRemovesAllIndexes(t *testing.T) {
	m := newTestManager()
	var gone []string
	m.OnDeviceDisconnect(func(id string) { gone = append(gone, id) })

	dash := &fakeSock{}
	dc := m.Track(dash)
	m.AuthenticateDashboard(dc, "admin")

	sock := &fakeSock{}
	c := m.Track(sock)
	m.AuthenticateDevice(c, models.RoleDevice, "w-1", "", "atrium")
	m.SubscribeGroup(c, "family-9")

	m.Disconnect(c)

	assert.False(t, m.DeviceConnected("w-1"))
	assert.Equal(t, []string{"w-1"}, gone)
	assert.Contains(t, dash.types(), "device_disconnected")

	// second disconnect is a no-op
	m.Disconnect(c)
	assert.Equal(t, []string{"w-1"}, gone)
}

func TestSendBinaryToDevice(t *testing.T) {
	m := newTestManager()
	sock := &fakeSock{}
	c := m.Track(sock)
	m.AuthenticateDevice(c, models.RoleWatch, "w-1", "", "")

	require.NoError(t, m.SendBinaryToDevice("w-1", []byte{1, 2, 3}))
	sock.mu.Lock()
	defer sock.mu.Unlock()
	require.Len(t, sock.binary, 1)
	assert.Equal(t, []byte{1, 2, 3}, sock.binary[0])
}

func TestDeviceConnectedBroadcast(t *testing.T) {
	m := newTestManager()
	dash := &fakeSock{}
	dc := m.Track(dash)
	m.AuthenticateDashboard(dc, "admin")

	sock := &fakeSock{}
	c := m.Track(sock)
	m.AuthenticateDevice(c, models.RoleDevice, "w-1", "", "atrium")

	assert.Contains(t, dash.types(), "device_connected")
}
