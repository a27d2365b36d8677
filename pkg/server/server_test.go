package server

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/sunwaysbridge/pkg/configflow"
	"github.com/raterudder/sunwaysbridge/pkg/entity"
	"github.com/raterudder/sunwaysbridge/pkg/integration"
	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/storage"
	"github.com/raterudder/sunwaysbridge/pkg/sunways"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// portal is a fake Sunways API with the given stations.
type portal struct {
	stations  []map[string]any
	password  atomic.Value
	logins    atomic.Int32
	overviews atomic.Int32
}

func newPortal(stations ...map[string]any) *portal {
	p := &portal{stations: stations}
	p.password.Store("secret")
	return p
}

func encodePassword(password string) string {
	hash := md5.Sum([]byte(password))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(hash[:])))
}

func (p *portal) write(w http.ResponseWriter, v map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (p *portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/monitor/auth/login":
		p.logins.Add(1)
		var body struct {
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Password != encodePassword(p.password.Load().(string)) {
			p.write(w, map[string]any{"code": "auth_0001", "msg": "wrong password"})
			return
		}
		w.Header().Set("token", "tok")
		p.write(w, map[string]any{"code": "1000000"})
	case "/monitor/core/power/station/monitoring/getPage":
		p.write(w, map[string]any{"code": "1000000", "data": map[string]any{"records": p.stations}})
	case "/monitor/core/power/station/overview/getSingleStationOverview":
		p.overviews.Add(1)
		p.write(w, map[string]any{"code": "1000000", "data": map[string]any{
			"id":      r.URL.Query().Get("id"),
			"pac":     2500,
			"pacUnit": "W",
		}})
	default:
		http.NotFound(w, r)
	}
}

const testSecret = "test-secret"

type harness struct {
	portal  *portal
	db      *storage.MemoryProvider
	manager *integration.Manager
	srv     *Server
	handler http.Handler
}

func newHarness(t *testing.T, p *portal) *harness {
	t.Helper()
	ts := httptest.NewServer(p)
	t.Cleanup(ts.Close)

	api := sunways.Options{BaseURL: ts.URL, HTTPClient: ts.Client()}
	collector := entity.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	h := &harness{
		portal: p,
		db:     storage.NewMemoryProvider(),
	}
	h.manager = integration.NewManager(h.db, collector, nil, integration.Options{
		API:           api,
		ScanInterval:  time.Hour,
		UpdateTimeout: time.Second,
	})
	t.Cleanup(func() {
		for _, rt := range h.manager.Runtimes() {
			h.manager.Unload(context.Background(), rt.Entry.ID)
		}
	})
	h.srv = New(h.manager, h.db, configflow.NewClientFactory(api), registry)
	h.srv.apiSecret = testSecret
	h.handler = h.srv.setupHandler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.doAuth(t, method, path, body, "Bearer "+testSecret)
}

// doAuth sends the request with the given Authorization header, none if
// empty.
func (h *harness) doAuth(t *testing.T, method, path string, body any, auth string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, strings.NewReader(string(b)))
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, newPortal())
	w := h.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "sunwaysbridge", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "same-origin", w.Header().Get("Cross-Origin-Resource-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestFlowSingleStation(t *testing.T) {
	h := newHarness(t, newPortal(map[string]any{"name": "Roof", "id": 1001}))

	w := h.do(t, "POST", "/api/flow/user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, "form", res["type"])
	assert.Equal(t, "user", res["stepID"])

	w = h.do(t, "POST", "/api/flow/user", map[string]string{"email": "user@example.com", "password": "wrong"})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode(t, w)
	assert.Equal(t, "form", res["type"])
	assert.Equal(t, map[string]any{"base": "invalid_auth"}, res["errors"])

	w = h.do(t, "POST", "/api/flow/user", map[string]string{"email": "user@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode(t, w)
	assert.Equal(t, "create_entry", res["type"])
	assert.Equal(t, "Roof", res["title"])
	assert.Equal(t, "1001", res["entryID"])
	assert.Empty(t, res["setupError"])

	_, ok := h.manager.Runtime("1001")
	assert.True(t, ok)
	entry, err := h.db.GetEntry(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, "secret", entry.Password)

	// the same station again
	w = h.do(t, "POST", "/api/flow/user", map[string]string{"email": "user@example.com", "password": "secret"})
	res = decode(t, w)
	assert.Equal(t, "abort", res["type"])
	assert.Equal(t, "already_configured", res["reason"])
}

func TestFlowMultipleStations(t *testing.T) {
	h := newHarness(t, newPortal(
		map[string]any{"name": "Roof", "id": 1001},
		map[string]any{"name": "Garage", "id": 1002},
	))

	w := h.do(t, "POST", "/api/flow/station", map[string]string{"station_id": "1002"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, "POST", "/api/flow/user", map[string]string{"email": "user@example.com", "password": "secret"})
	res := decode(t, w)
	assert.Equal(t, "form", res["type"])
	assert.Equal(t, "station_id", res["stepID"])

	w = h.do(t, "POST", "/api/flow/station", map[string]string{"station_id": "1002"})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode(t, w)
	assert.Equal(t, "create_entry", res["type"])
	assert.Equal(t, "Garage", res["title"])

	// the flow ended
	w = h.do(t, "POST", "/api/flow/station", map[string]string{"station_id": "1001"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFlowReauth(t *testing.T) {
	p := newPortal(map[string]any{"name": "Roof", "id": 1001})
	h := newHarness(t, p)
	require.NoError(t, h.db.SaveEntry(context.Background(), types.Entry{
		ID:          "1001",
		Title:       "Roof",
		StationID:   "1001",
		Email:       "user@example.com",
		Password:    "old",
		NeedsReauth: true,
	}))
	p.password.Store("new")

	w := h.do(t, "POST", "/api/flow/reauth", map[string]any{"input": map[string]string{"password": "new"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, "POST", "/api/flow/reauth", map[string]any{"entryID": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "POST", "/api/flow/reauth", map[string]any{"entryID": "1001"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, "reauth_confirm", res["stepID"])

	w = h.do(t, "POST", "/api/flow/reauth", map[string]any{"entryID": "1001", "input": map[string]string{"password": "new"}})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode(t, w)
	assert.Equal(t, "abort", res["type"])
	assert.Equal(t, "reauth_successful", res["reason"])

	entry, err := h.db.GetEntry(context.Background(), "1001")
	require.NoError(t, err)
	assert.False(t, entry.NeedsReauth)
	assert.Equal(t, "new", entry.Password)
	_, ok := h.manager.Runtime("1001")
	assert.True(t, ok)
}

func TestStateAndRefresh(t *testing.T) {
	h := newHarness(t, newPortal())
	ctx := context.Background()
	require.NoError(t, h.manager.AddEntry(ctx, types.Entry{
		ID:        "1001",
		Title:     "Roof",
		StationID: "1001",
		Email:     "user@example.com",
		Password:  "secret",
	}))
	require.NoError(t, h.db.SaveEntry(ctx, types.Entry{
		ID:          "1002",
		Title:       "Garage",
		StationID:   "1002",
		Email:       "user@example.com",
		Password:    "old",
		NeedsReauth: true,
	}))

	w := h.do(t, "GET", "/api/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	var state struct {
		Entries []entryState `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	require.Len(t, state.Entries, 2)

	roof := state.Entries[0]
	assert.Equal(t, "1001", roof.ID)
	assert.True(t, roof.Loaded)
	assert.True(t, roof.LastUpdateSuccess)
	require.Len(t, roof.Sensors, len(types.SensorKeys))
	assert.Equal(t, types.SensorSolarPower, roof.Sensors[0].Key)
	assert.Equal(t, "1001-solar_power", roof.Sensors[0].UniqueID)
	require.NotNil(t, roof.Sensors[0].Value)
	assert.Equal(t, 2.5, *roof.Sensors[0].Value)

	garage := state.Entries[1]
	assert.False(t, garage.Loaded)
	assert.True(t, garage.NeedsReauth)
	assert.Empty(t, garage.Sensors)

	before := h.portal.overviews.Load()
	w = h.do(t, "POST", "/api/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"results": map[string]any{"1001": "ok"}}, decode(t, w))
	assert.Equal(t, before+1, h.portal.overviews.Load())

	w = h.do(t, "POST", "/api/refresh", map[string]string{"entryID": "1002"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, newPortal())
	require.NoError(t, h.manager.AddEntry(context.Background(), types.Entry{
		ID:        "1001",
		Title:     "Roof",
		StationID: "1001",
		Email:     "user@example.com",
		Password:  "secret",
	}))

	w := h.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `sunways_solar_power{station_id="1001"} 2.5`)
	assert.Contains(t, w.Body.String(), `sunways_update_success{station_id="1001"} 1`)
}

func TestDeleteEntry(t *testing.T) {
	h := newHarness(t, newPortal())
	ctx := context.Background()
	require.NoError(t, h.manager.AddEntry(ctx, types.Entry{
		ID:        "1001",
		Title:     "Roof",
		StationID: "1001",
		Email:     "user@example.com",
		Password:  "secret",
	}))

	w := h.do(t, "DELETE", "/api/entries/1001", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok := h.manager.Runtime("1001")
	assert.False(t, ok)
	_, err := h.db.GetEntry(ctx, "1001")
	assert.ErrorIs(t, err, storage.ErrEntryNotFound)

	w = h.do(t, "DELETE", "/api/entries/1001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidBody(t *testing.T) {
	h := newHarness(t, newPortal())
	req := httptest.NewRequest("POST", "/api/flow/user", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, map[string]any{"error": "invalid request body"}, decode(t, w))
}

func TestAuthSecret(t *testing.T) {
	h := newHarness(t, newPortal(map[string]any{"name": "Roof", "id": 1001}))
	require.NoError(t, h.db.SaveEntry(context.Background(), types.Entry{
		ID: "1001", Title: "Roof", StationID: "1001", Email: "user@example.com", Password: "secret",
	}))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		auth   string
	}{
		{"FlowMissing", "POST", "/api/flow/user", map[string]any{"email": "user@example.com", "password": "secret"}, ""},
		{"FlowWrong", "POST", "/api/flow/user", map[string]any{"email": "user@example.com", "password": "secret"}, "Bearer nope"},
		{"DeleteMissing", "DELETE", "/api/entries/1001", nil, ""},
		{"DeleteNotBearer", "DELETE", "/api/entries/1001", nil, "Basic " + testSecret},
		{"RefreshMissing", "POST", "/api/refresh", nil, ""},
		{"StateMissing", "GET", "/api/state", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.doAuth(t, tt.method, tt.path, tt.body, tt.auth)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	// nothing was created or removed
	assert.Equal(t, int32(0), h.portal.logins.Load())
	_, err := h.db.GetEntry(context.Background(), "1001")
	assert.NoError(t, err)

	// the open endpoints need no token
	assert.Equal(t, http.StatusOK, h.doAuth(t, "GET", "/healthz", nil, "").Code)
	assert.Equal(t, http.StatusOK, h.doAuth(t, "GET", "/metrics", nil, "").Code)
}

func TestAuthLocalOnly(t *testing.T) {
	h := newHarness(t, newPortal())
	h.srv.apiSecret = ""
	h.handler = h.srv.setupHandler()

	// httptest requests come from 192.0.2.1
	w := h.doAuth(t, "GET", "/api/state", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = h.doAuth(t, "DELETE", "/api/entries/1001", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	for _, addr := range []string{"127.0.0.1:5000", "[::1]:5000"} {
		req := httptest.NewRequest("GET", "/api/state", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, addr)
	}
}

func TestAuthIDToken(t *testing.T) {
	h := newHarness(t, newPortal())
	h.srv.apiSecret = ""
	h.srv.adminEmails = []string{"owner@example.com"}
	h.srv.verifyToken = func(ctx context.Context, raw string) (string, error) {
		switch raw {
		case "owner-token":
			return "owner@example.com", nil
		case "other-token":
			return "other@example.com", nil
		}
		return "", errors.New("bad signature")
	}
	h.handler = h.srv.setupHandler()

	assert.Equal(t, http.StatusOK, h.doAuth(t, "GET", "/api/state", nil, "Bearer owner-token").Code)
	assert.Equal(t, http.StatusForbidden, h.doAuth(t, "GET", "/api/state", nil, "Bearer other-token").Code)
	assert.Equal(t, http.StatusUnauthorized, h.doAuth(t, "GET", "/api/state", nil, "Bearer forged").Code)
	assert.Equal(t, http.StatusUnauthorized, h.doAuth(t, "GET", "/api/state", nil, "").Code)
	// the secret is not accepted when none is configured
	assert.Equal(t, http.StatusUnauthorized, h.doAuth(t, "GET", "/api/state", nil, "Bearer "+testSecret).Code)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:80"))
	assert.True(t, isLoopback("[::1]:80"))
	assert.True(t, isLoopback("127.0.0.1"))
	assert.False(t, isLoopback("192.0.2.1:1234"))
	assert.False(t, isLoopback(""))
}
