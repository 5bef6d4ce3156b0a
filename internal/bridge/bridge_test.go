package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/emergance/emergance/internal/crypto"
	"github.com/emergance/emergance/internal/dispatch"
	"github.com/emergance/emergance/internal/keystore"
	"github.com/emergance/emergance/internal/location"
	"github.com/emergance/emergance/internal/metrics"
	"github.com/emergance/emergance/internal/protocol"
	"github.com/emergance/emergance/internal/reliability"
	"github.com/emergance/emergance/internal/store"
	"github.com/emergance/emergance/internal/transport"
)

func newTestBridge(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	db, err := store.NewDB(filepath.Join(dir, "node.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	keys, err := keystore.LoadOrInit(filepath.Join(dir, "mission.json"), protocol.RoleDispatch, crypto.DefaultNetworkKey())
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	svc := dispatch.New(dispatch.Deps{
		Log:      zap.NewNop(),
		DB:       db,
		Keys:     keys,
		Queue:    reliability.NewQueue(db),
		Network:  transport.NewManager(zap.NewNop()),
		Location: location.NewStatic(14.5995, 120.9842, 10),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Role:     protocol.RoleDispatch,
		Name:     "desk-1",
	})

	bridge := NewServer(svc, zap.NewNop())
	ts := httptest.NewServer(bridge.Handler())
	t.Cleanup(ts.Close)
	return bridge, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSnapshotEndpoint(t *testing.T) {
	_, ts := newTestBridge(t)

	resp, err := http.Get(ts.URL + "/api/snapshot")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var snap dispatch.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.DeviceID == "" || snap.Role != string(protocol.RoleDispatch) {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestTriggerSOSAndStatusLifecycle(t *testing.T) {
	_, ts := newTestBridge(t)

	resp := postJSON(t, ts.URL+"/api/sos", map[string]string{
		"category": "MEDICAL", "notes": "chest pain",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sos status = %d", resp.StatusCode)
	}
	var inc store.Incident
	if err := json.NewDecoder(resp.Body).Decode(&inc); err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	if inc.Status != protocol.IncidentPendingNetwork {
		t.Fatalf("incident status = %s", inc.Status)
	}

	// Unknown status is rejected before touching the service.
	resp = postJSON(t, ts.URL+"/api/incidents/"+inc.ID+"/status", map[string]string{"status": "LOST"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status code = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/incidents/"+inc.ID+"/status", map[string]string{
		"status": string(protocol.IncidentResolved), "reason": "handled on scene",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}

	// Terminal incidents refuse further updates.
	resp = postJSON(t, ts.URL+"/api/incidents/"+inc.ID+"/status", map[string]string{
		"status": string(protocol.IncidentReceived),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reopen status = %d, want 409", resp.StatusCode)
	}
}

func TestReassignUnknownIncident(t *testing.T) {
	_, ts := newTestBridge(t)
	resp := postJSON(t, ts.URL+"/api/incidents/nope/reassign", map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestOfferRespondWithoutOffer(t *testing.T) {
	_, ts := newTestBridge(t)
	resp := postJSON(t, ts.URL+"/api/offers/asg-1/respond", map[string]any{"accept": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOriginPingBounds(t *testing.T) {
	_, ts := newTestBridge(t)

	// Manila: inside the service area.
	resp := postJSON(t, ts.URL+"/api/origin-pings", map[string]any{"lat": 14.5995, "lng": 120.9842})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("inside ping status = %d", resp.StatusCode)
	}
	// Tokyo: outside.
	resp = postJSON(t, ts.URL+"/api/origin-pings", map[string]any{"lat": 35.6762, "lng": 139.6503})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("outside ping status = %d, want 400", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/api/origin-pings")
	if err != nil {
		t.Fatalf("GET pings: %v", err)
	}
	defer listResp.Body.Close()
	var pings []OriginPing
	if err := json.NewDecoder(listResp.Body).Decode(&pings); err != nil {
		t.Fatalf("decode pings: %v", err)
	}
	if len(pings) != 1 {
		t.Fatalf("ping count = %d, want 1", len(pings))
	}
}

func TestOriginPingsCapAndExpiry(t *testing.T) {
	nowMs := int64(1_000_000_000_000)
	o := newOriginPings(func() time.Time { return time.UnixMilli(nowMs) })

	for i := 0; i < maxOriginPings+10; i++ {
		if err := o.add(OriginPing{Lat: 14.6, Lng: 121.0}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := len(o.list()); got != maxOriginPings {
		t.Fatalf("ping count = %d, want cap %d", got, maxOriginPings)
	}

	nowMs += originPingTTL.Milliseconds() + 1
	if got := len(o.list()); got != 0 {
		t.Fatalf("ping count = %d after TTL, want 0", got)
	}
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	_, ts := newTestBridge(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Kind != "snapshot" || first.Snapshot == nil {
		t.Fatalf("first message = %+v, want snapshot", first)
	}

	// A state change pushes an event to the stream.
	postJSON(t, ts.URL+"/api/sos", map[string]string{"category": "FIRE"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var second streamMessage
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if second.Kind != "event" || second.Event == nil || second.Event.Kind != dispatch.EventIncident {
		t.Fatalf("second message = %+v, want incident event", second)
	}
}

func TestDriverStateEndpointOnDispatchNode(t *testing.T) {
	_, ts := newTestBridge(t)
	resp := postJSON(t, ts.URL+"/api/driver/state", map[string]any{"onDuty": true, "batteryPct": 55})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
