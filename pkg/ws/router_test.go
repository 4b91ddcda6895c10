package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsera-health/pulsera/pkg/aggregate"
	"github.com/pulsera-health/pulsera/pkg/alerts"
	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/database"
	"github.com/pulsera-health/pulsera/pkg/episode"
	"github.com/pulsera-health/pulsera/pkg/eventlog"
	"github.com/pulsera-health/pulsera/pkg/fusionai"
	"github.com/pulsera-health/pulsera/pkg/health"
	"github.com/pulsera-health/pulsera/pkg/inference"
	"github.com/pulsera-health/pulsera/pkg/models"
)

type fakeSessions struct {
	mu         sync.Mutex
	commands   []string
	events     []string
	audio      int
	disconnect []string
}

func (f *fakeSessions) HandleCommand(deviceID, command string, _ map[string]any) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
}

func (f *fakeSessions) HandleCaregiverEvent(deviceID, event string, _ map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeSessions) HandleCaregiverCallStart(string) {}
func (f *fakeSessions) HandleCaregiverCallEnd(string)   {}
func (f *fakeSessions) HandleMediaEvent(string, string, map[string]any) {
}
func (f *fakeSessions) HandleDeadmanCancel(string, string)  {}
func (f *fakeSessions) HandleTTSPlaybackComplete(string)    {}
func (f *fakeSessions) HandleUpstreamAudio(string, []byte) {
	f.mu.Lock()
	f.audio++
	f.mu.Unlock()
}

func (f *fakeSessions) HandleWatchDisconnect(deviceID string) {
	f.mu.Lock()
	f.disconnect = append(f.disconnect, deviceID)
	f.mu.Unlock()
}

type routerFixture struct {
	router   *Router
	manager  *Manager
	sessions *fakeSessions
	inferSrv *httptest.Server
}

// newRouterFixture wires a full router against a stub inference server
// that scores every window as anomalous.
func newRouterFixture(t *testing.T, anomalous bool) *routerFixture {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		score := 0.2
		if anomalous {
			score = 0.9
		}
		json.NewEncoder(w).Encode(map[string]any{
			"overall_score": score,
			"max_score":     score,
			"is_anomaly":    anomalous,
		})
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	manager := NewManager(time.Second, time.Minute)
	buffer := health.NewBuffer()
	registry := health.NewRegistry()
	inf := inference.NewClient(config.InferenceConfig{ServiceURL: srv.URL, Workers: 2, Timeout: 2 * time.Second})
	agg := aggregate.NewEngine(registry, cfg.Detection)
	alertSvc := alerts.NewService(manager)
	episodes := episode.NewEngine(manager, disabledFuserStub{})
	sessions := &fakeSessions{}
	events := eventlog.NewService(database.NewMemoryStore())

	return &routerFixture{
		router:   NewRouter(manager, buffer, registry, inf, agg, alertSvc, episodes, sessions, events, cfg),
		manager:  manager,
		sessions: sessions,
		inferSrv: srv,
	}
}

type disabledFuserStub struct{}

func (disabledFuserStub) Fuse(context.Context, fusionai.Request) (models.FusionResult, error) {
	return models.FusionResult{}, fusionai.ErrDisabled
}

func (f *routerFixture) route(c *Conn, msg string) {
	f.router.Route(context.Background(), c, websocket.MessageText, []byte(msg))
}

func (f *routerFixture) authDevice(t *testing.T, deviceID, zone string) (*Conn, *fakeSock) {
	t.Helper()
	sock := &fakeSock{}
	c := f.manager.Track(sock)
	f.route(c, `{"type":"authenticate","role":"device","device_id":"`+deviceID+`","zone":"`+zone+`"}`)
	require.Contains(t, sock.types(), "authenticated")
	return c, sock
}

func TestUnauthenticatedMessagesRejected(t *testing.T) {
	f := newRouterFixture(t, false)
	sock := &fakeSock{}
	c := f.manager.Track(sock)

	f.route(c, `{"type":"subscribe-group","groupId":"g"}`)
	require.NotEmpty(t, sock.messages())
	assert.Equal(t, "error", sock.types()[0])
}

func TestPingAllowedBeforeAuth(t *testing.T) {
	f := newRouterFixture(t, false)
	sock := &fakeSock{}
	c := f.manager.Track(sock)

	f.route(c, `{"type":"ping"}`)
	assert.Equal(t, []string{"pong"}, sock.types())
}

func TestMalformedJSONGetsError(t *testing.T) {
	f := newRouterFixture(t, false)
	sock := &fakeSock{}
	c := f.manager.Track(sock)

	f.route(c, `{not json`)
	assert.Equal(t, []string{"error"}, sock.types())
}

func TestUnknownTypeDropped(t *testing.T) {
	f := newRouterFixture(t, false)
	c, sock := f.authDevice(t, "w-1", "atrium")

	before := len(sock.messages())
	f.route(c, `{"type":"warp-drive"}`)
	assert.Len(t, sock.messages(), before, "unknown types are dropped silently")
}

func TestAuthUnknownRole(t *testing.T) {
	f := newRouterFixture(t, false)
	sock := &fakeSock{}
	c := f.manager.Track(sock)

	f.route(c, `{"type":"authenticate","role":"toaster"}`)
	assert.Contains(t, sock.types(), "auth_error")
}

func TestHealthDataProducesAnomalyResult(t *testing.T) {
	f := newRouterFixture(t, true)
	c, sock := f.authDevice(t, "w-1", "atrium")

	f.route(c, `{"type":"health_data","device_id":"w-1","heart_rate":140,"hrv":15}`)

	require.Eventually(t, func() bool {
		for _, m := range sock.messages() {
			if m["type"] == "anomaly_result" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	var result map[string]any
	for _, m := range sock.messages() {
		if m["type"] == "anomaly_result" {
			result = m
		}
	}
	assert.Equal(t, "critical", result["status"])
	assert.Equal(t, true, result["is_anomaly"])
}

func TestHealthDataCamelCaseAlias(t *testing.T) {
	f := newRouterFixture(t, false)
	c, sock := f.authDevice(t, "w-1", "atrium")

	f.route(c, `{"type":"health-update","device_id":"w-1","heartRate":82,"hrv":40}`)

	require.Eventually(t, func() bool {
		for _, m := range sock.messages() {
			if m["type"] == "anomaly_result" {
				return m["status"] == "normal"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGroupHealthUpdateFanOut(t *testing.T) {
	f := newRouterFixture(t, false)
	c, _ := f.authDevice(t, "w-1", "atrium")
	f.route(c, `{"type":"subscribe-group","groupId":"family-9"}`)

	cgSock := &fakeSock{}
	cg := f.manager.Track(cgSock)
	f.route(cg, `{"type":"authenticate","role":"caregiver","user_id":"caregiver-7","paired_device_id":"w-1"}`)
	f.route(cg, `{"type":"subscribe-group","groupId":"family-9"}`)

	f.route(c, `{"type":"health_data","device_id":"w-1","heart_rate":80,"hrv":45}`)

	require.Eventually(t, func() bool {
		for _, m := range cgSock.messages() {
			if m["type"] == "group-health-update" {
				return m["groupId"] == "family-9" && m["heartRate"] == 80.0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEpisodeFlowOverWire(t *testing.T) {
	f := newRouterFixture(t, false)
	c, sock := f.authDevice(t, "w-1", "atrium")

	f.route(c, `{"type":"episode-start","anomaly_score":0.72,"vitals":{"heart_rate":140,"hrv":12}}`)
	assert.Contains(t, sock.types(), "episode-started")

	f.route(c, `{"type":"episode-calming-done","vitals":{"heart_rate":92,"hrv":40}}`)
	var instruction string
	for _, m := range sock.messages() {
		if m["type"] == "episode-phase-update" {
			instruction, _ = m["instruction"].(string)
		}
	}
	assert.Equal(t, "calming_resolved", instruction)
}

func TestCommandAndCaregiverEventDispatch(t *testing.T) {
	f := newRouterFixture(t, false)
	c, _ := f.authDevice(t, "w-1", "atrium")

	f.route(c, `{"type":"command","command":"start_call"}`)
	f.route(c, `{"type":"caregiver-event","event":"check_in","payload":{"message":"hi"}}`)

	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	assert.Equal(t, []string{"start_call"}, f.sessions.commands)
	assert.Equal(t, []string{"check_in"}, f.sessions.events)
}

func TestBinaryFramesRouteToSessions(t *testing.T) {
	f := newRouterFixture(t, false)
	c, _ := f.authDevice(t, "w-1", "atrium")

	f.router.Route(context.Background(), c, websocket.MessageBinary, []byte{0, 1, 2, 3})
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	assert.Equal(t, 1, f.sessions.audio)
}

func TestPulseCheckinRingsCaregiver(t *testing.T) {
	f := newRouterFixture(t, false)
	cgSock := &fakeSock{}
	cg := f.manager.Track(cgSock)
	f.route(cg, `{"type":"authenticate","role":"caregiver","user_id":"caregiver-7","paired_device_id":"w-1"}`)

	c, _ := f.authDevice(t, "w-1", "atrium")
	f.route(c, `{"type":"pulse-checkin"}`)

	assert.Contains(t, cgSock.types(), "ring-pulse-checkin")
}

func TestCancelPairingCloses4003(t *testing.T) {
	f := newRouterFixture(t, false)
	c, sock := f.authDevice(t, "w-1", "atrium")

	f.route(c, `{"type":"cancel-pairing","pairingCode":"ABC123"}`)

	assert.Contains(t, sock.types(), "pairing-cancelled")
	closed, code := sock.isClosed()
	assert.True(t, closed)
	assert.Equal(t, websocket.StatusCode(models.ClosePairingCancelled), code)
	assert.False(t, f.manager.DeviceConnected("w-1"))
}

func TestReconnectRequestApprovedForWatch(t *testing.T) {
	f := newRouterFixture(t, false)
	c, sock := f.authDevice(t, "w-1", "atrium")

	f.route(c, `{"type":"reconnect-request"}`)
	assert.Contains(t, sock.types(), "reconnect-approved")
}

func TestReconnectRequestRejectedForCaregiver(t *testing.T) {
	f := newRouterFixture(t, false)
	sock := &fakeSock{}
	c := f.manager.Track(sock)
	f.route(c, `{"type":"authenticate","role":"caregiver","user_id":"caregiver-7","paired_device_id":"w-1"}`)

	f.route(c, `{"type":"reconnect-request"}`)
	assert.Contains(t, sock.types(), "error")
	assert.NotContains(t, sock.types(), "reconnect-approved")
}

func TestReconnectDecisionForwardsToDevice(t *testing.T) {
	f := newRouterFixture(t, false)
	_, devSock := f.authDevice(t, "w-1", "atrium")

	cgSock := &fakeSock{}
	cg := f.manager.Track(cgSock)
	f.route(cg, `{"type":"authenticate","role":"caregiver","user_id":"caregiver-7","paired_device_id":"w-1"}`)

	f.route(cg, `{"type":"reconnect-approve","deviceId":"w-1"}`)
	assert.Contains(t, devSock.types(), "reconnect-approved")

	f.route(cg, `{"type":"reconnect-reject","deviceId":"w-1"}`)
	assert.Contains(t, devSock.types(), "reconnect-rejected")
}

func TestReconnectDecisionRequiresCaregiverAndDevice(t *testing.T) {
	f := newRouterFixture(t, false)
	c, sock := f.authDevice(t, "w-1", "atrium")

	// watches cannot approve reconnections
	f.route(c, `{"type":"reconnect-approve","deviceId":"w-1"}`)
	assert.Contains(t, sock.types(), "error")

	cgSock := &fakeSock{}
	cg := f.manager.Track(cgSock)
	f.route(cg, `{"type":"authenticate","role":"caregiver","user_id":"caregiver-7","paired_device_id":"w-1"}`)

	f.route(cg, `{"type":"reconnect-approve"}`)
	assert.Contains(t, cgSock.types(), "error")
}

func TestDashboardSubscribe(t *testing.T) {
	f := newRouterFixture(t, false)
	sock := &fakeSock{}
	c := f.manager.Track(sock)
	f.route(c, `{"type":"authenticate","role":"dashboard","user_id":"admin"}`)
	f.route(c, `{"type":"dashboard_subscribe"}`)

	assert.Contains(t, sock.types(), "dashboard_subscribed")
}

func TestAnomalousDevicesUsesConfiguredThreshold(t *testing.T) {
	snap := models.Snapshot{DeviceScores: map[string]float64{"a": 0.45, "b": 0.72}}
	assert.ElementsMatch(t, []string{"b"}, anomalousDevices(snap, 0.5))
	assert.ElementsMatch(t, []string{"a", "b"}, anomalousDevices(snap, 0.4))
}

func TestDisconnectCleansHealthState(t *testing.T) {
	f := newRouterFixture(t, false)
	c, _ := f.authDevice(t, "w-1", "atrium")
	f.route(c, `{"type":"health_data","device_id":"w-1","heart_rate":80,"hrv":45}`)

	f.router.HandleDisconnect(c)
	f.sessions.mu.Lock()
	assert.Equal(t, []string{"w-1"}, f.sessions.disconnect)
	f.sessions.mu.Unlock()
	assert.False(t, f.manager.DeviceConnected("w-1"))
}
