package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overlay-wan/pkg/auth"
	"overlay-wan/pkg/failover"
	"overlay-wan/pkg/health"
	"overlay-wan/pkg/model"
	"overlay-wan/pkg/monitor"
	"overlay-wan/pkg/routing"
	"overlay-wan/pkg/store"
)

const testToken = "tok"

type testEnv struct {
	srv    *httptest.Server
	mon    *monitor.Monitor
	hub    *EventHub
	signer *auth.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	hub := NewEventHub(zap.NewNop())
	sel, err := routing.NewSelector(nil, routing.Preference{}, nil)
	require.NoError(t, err)
	st := store.NewMemoryStore()
	mon, err := monitor.New(monitor.Options{
		Store:    st,
		Engine:   failover.NewEngine(clock.New(), zap.NewNop()),
		Selector: sel,
		Paths: []model.Path{
			{ID: 1, Name: "mpls", BandwidthMbps: 100, MTU: 1500, Cost: 10},
			{ID: 2, Name: "lte", BandwidthMbps: 50, MTU: 1420, Cost: 1},
		},
		Metrics: monitor.NewMetrics(reg),
		OnEvent: hub.Publish,
	})
	require.NoError(t, err)
	signer, err := auth.NewSigner("jwt-secret")
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, RegisterRoutes(mux, Deps{
		Monitor:  mon,
		Store:    st,
		Hub:      hub,
		Token:    testToken,
		Signer:   signer,
		Gatherer: reg,
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		mon.Close()
		hub.Close()
	})
	return &testEnv{srv: srv, mon: mon, hub: hub, signer: signer}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func testPolicy() failover.Policy {
	return failover.Policy{
		ID:                "hq",
		Name:              "hq-uplink",
		PrimaryPathID:     1,
		BackupPathIDs:     []model.PathID{2},
		FailoverThreshold: 50,
		FailbackThreshold: 80,
		FailbackDelaySecs: 30,
		Enabled:           true,
	}
}

func TestAPI_Auth(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/v1/policies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/policies", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/policies", testToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// only the static token can mint JWTs
	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/token", testToken,
		tokenRequest{Subject: "noc", Role: auth.RoleViewer})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	viewer := out["token"]
	require.NotEmpty(t, viewer)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/auth/token", viewer, tokenRequest{Subject: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/policies", viewer, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/policies", viewer, testPolicy())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	operator, err := e.signer.Generate("ops", auth.RoleOperator, time.Hour)
	require.NoError(t, err)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/policies", operator, testPolicy())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// unauthenticated endpoints
	resp, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "overlay_wan_policy_using_primary")
}

func TestAPI_PolicyLifecycle(t *testing.T) {
	e := newTestEnv(t)

	bad := testPolicy()
	bad.FailoverThreshold = 90
	resp, _ := e.do(t, http.MethodPost, "/api/v1/policies", testToken, bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/v1/policies", testToken, testPolicy())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var saved failover.Policy
	require.NoError(t, json.Unmarshal(body, &saved))
	assert.Equal(t, testPolicy(), saved)

	resp, body = e.do(t, http.MethodGet, "/api/v1/policies", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []monitor.PolicyStatus
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hq", list[0].Policy.ID)

	resp, body = e.do(t, http.MethodGet, "/api/v1/policies/hq", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st monitor.PolicyStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, model.PathID(1), st.State.ActivePathID)

	resp, body = e.do(t, http.MethodPost, "/api/v1/policies/disable", testToken, enableRequest{PolicyID: "hq"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ev model.FailoverEvent
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, model.EventPolicyDisabled, ev.EventType)
	assert.NotZero(t, ev.EventID)

	resp, _ = e.do(t, http.MethodPost, "/api/v1/policies/disable", testToken, enableRequest{PolicyID: "hq"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/v1/policies/enable", testToken, enableRequest{PolicyID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/v1/events?policy_id=hq", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []model.FailoverEvent
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 2)
	assert.Equal(t, model.EventPolicyEnabled, events[0].EventType)
	assert.Equal(t, model.EventPolicyDisabled, events[1].EventType)

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/policies/hq", testToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/v1/policies/hq", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/policies/hq", testToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ProbesDriveFailover(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.mon.UpsertPolicy(testPolicy())
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodPost, "/api/v1/probes", testToken, model.ProbeReport{
		Agent: "site-a",
		Results: []model.PathProbe{
			{PathID: 1, ProbeResult: model.LostProbe(5, time.Second)},
			{PathID: 2, ProbeResult: model.ProbeResult{LatencyMs: 30, JitterMs: 2, ProbesSent: 5, ProbesReceived: 5}},
			{PathID: 3, ProbeResult: model.ProbeResult{LatencyMs: -1}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var pr model.ProbeResponse
	require.NoError(t, json.Unmarshal(body, &pr))
	require.Len(t, pr.Accepted, 2)
	assert.Equal(t, "down", pr.Accepted[0].Status)
	assert.Equal(t, 100.0, pr.Accepted[1].Score)
	assert.Contains(t, pr.Rejected, "3")

	resp, _ = e.do(t, http.MethodPost, "/api/v1/probes", testToken, model.ProbeReport{
		Results: []model.PathProbe{{PathID: 3, ProbeResult: model.ProbeResult{PacketLossPct: 140}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/v1/paths", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var paths []health.PathHealth
	require.NoError(t, json.Unmarshal(body, &paths))
	require.Len(t, paths, 2)
	assert.Equal(t, health.StatusDown, paths[0].Status)
	assert.Equal(t, health.StatusUp, paths[1].Status)

	ev, err := e.mon.EvaluatePolicy(context.Background(), "hq")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.EventTriggered, ev.EventType)

	resp, body = e.do(t, http.MethodGet, "/api/v1/policies/active?policy_id=hq", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active activePath
	require.NoError(t, json.Unmarshal(body, &active))
	assert.Equal(t, model.PathID(2), active.ActivePathID)
	assert.False(t, active.UsingPrimary)

	resp, body = e.do(t, http.MethodGet, "/api/v1/paths/history?path_id=2&since=1h", testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []model.PathMetrics
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, 1420, hist[0].MTU)

	resp, _ = e.do(t, http.MethodGet, "/api/v1/paths/history", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/v1/events?limit=0", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Steer(t *testing.T) {
	e := newTestEnv(t)

	flow := map[string]interface{}{"src_ip": "10.0.0.1", "dst_ip": "10.20.1.1", "protocol": "UDP", "dst_port": 5060}

	resp, _ := e.do(t, http.MethodPost, "/api/v1/steer", testToken, flow)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "nothing measured yet")

	_, err := e.mon.RecordProbe(1, model.ProbeResult{LatencyMs: 40, ProbesSent: 5, ProbesReceived: 5})
	require.NoError(t, err)
	_, err = e.mon.RecordProbe(2, model.ProbeResult{LatencyMs: 15, ProbesSent: 5, ProbesReceived: 5})
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodPost, "/api/v1/steer", testToken, flow)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var d routing.Decision
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, model.PathID(2), d.PathID)
	assert.Equal(t, routing.LowestLatency, d.Preference.Kind)

	flow["protocol"] = "sctp"
	resp, _ = e.do(t, http.MethodPost, "/api/v1/steer", testToken, flow)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_EventStream(t *testing.T) {
	e := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/ws/events?policy_id=hq&token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	other := testPolicy()
	other.ID = "branch"
	_, err = e.mon.UpsertPolicy(other)
	require.NoError(t, err)
	_, err = e.mon.UpsertPolicy(testPolicy())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string              `json:"type"`
		Payload model.FailoverEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageFailoverEvent, msg.Type)
	assert.Equal(t, "hq", msg.Payload.PolicyID, "filtered to one policy")
	assert.Equal(t, model.EventPolicyEnabled, msg.Payload.EventType)

	conn.Close()
	require.Eventually(t, func() bool { return e.hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)

	resp, _ := e.do(t, http.MethodGet, "/api/v1/ws/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
