package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"wotscan/internal/config"
	"wotscan/internal/discovery"
)

const lampTD = `{
	"@context": "https://www.w3.org/2022/wot/td/v1.1",
	"id": "urn:dev:lamp",
	"title": "Lamp",
	"description": "Ceiling lamp",
	"securityDefinitions": {"nosec_sc": {"scheme": "nosec"}},
	"security": "nosec_sc",
	"properties": {"on": {"type": "boolean", "forms": [{"href": "http://lamp.local/on"}]}}
}`

const testConfig = `
network:
  retries: 0
  retryDelay: 1ms
  timeout: 5s
  batchDelay: 5ms
`

func newTestService(t *testing.T, doc string, opts ...Option) (*Service, *httptest.Server) {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	svc, err := NewService(cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	api := httptest.NewServer(svc.Handler())
	t.Cleanup(api.Close)
	return svc, api
}

// thingServer serves lampTD at the well-known path and at /lamp, plus a
// non-object body at /broken.
func thingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, body)
		}
	}
	mux.HandleFunc(discovery.WellKnownPath, serve(lampTD))
	mux.HandleFunc("/lamp", serve(lampTD))
	mux.HandleFunc("/broken", serve(`"just a string"`))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, api := newTestService(t, testConfig)

	var body map[string]any
	code := doJSON(t, http.MethodGet, api.URL+"/health", "", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestDiscover(t *testing.T) {
	_, api := newTestService(t, testConfig)
	things := thingServer(t)

	var res discovery.Result
	code := doJSON(t, http.MethodPost, api.URL+"/api/discover",
		fmt.Sprintf(`{"urls": [%q]}`, things.URL), &res)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, res.Discovered, 1)
	assert.Equal(t, "urn:dev:lamp", res.Discovered[0].ID)
	assert.Equal(t, discovery.StatusValid, res.Discovered[0].ValidationStatus)
	assert.Empty(t, res.Errors)
	assert.Equal(t, discovery.PhaseCompleted, res.Progress.Status)

	var eps struct {
		Endpoints []discovery.Endpoint `json:"endpoints"`
	}
	code = doJSON(t, http.MethodGet, api.URL+"/api/endpoints", "", &eps)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, eps.Endpoints, 1)
	assert.Equal(t, things.URL, eps.Endpoints[0].URL)
	assert.Equal(t, 1, eps.Endpoints[0].ThingsFound)
}

func TestDiscoverBadRequest(t *testing.T) {
	_, api := newTestService(t, testConfig)

	tests := map[string]string{
		"empty urls":   `{"urls": []}`,
		"missing urls": `{}`,
		"not json":     `urls=a`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var out map[string]string
			code := doJSON(t, http.MethodPost, api.URL+"/api/discover", body, &out)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestThing(t *testing.T) {
	_, api := newTestService(t, testConfig)
	things := thingServer(t)

	var th discovery.Thing
	code := doJSON(t, http.MethodGet, api.URL+"/api/things?url="+things.URL+"/lamp", "", &th)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Lamp", th.Title)
	assert.Equal(t, discovery.MethodDirectURL, th.Method)
	assert.Equal(t, discovery.StatusValid, th.ValidationStatus)

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing", "", http.StatusBadRequest},
		{"relative", "/lamp", http.StatusBadRequest},
		{"not found", things.URL + "/nothing", http.StatusNotFound},
		{"not an object", things.URL + "/broken", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]string
			code := doJSON(t, http.MethodGet, api.URL+"/api/things?url="+tt.url, "", &out)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestStatsAndCache(t *testing.T) {
	_, api := newTestService(t, testConfig)
	things := thingServer(t)

	for i := 0; i < 2; i++ {
		code := doJSON(t, http.MethodGet, api.URL+"/api/things?url="+things.URL+"/lamp", "", nil)
		require.Equal(t, http.StatusOK, code)
	}

	var st statsResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, api.URL+"/api/stats", "", &st))
	assert.Equal(t, uint64(2), st.TotalRequests)
	assert.Equal(t, uint64(1), st.CacheHits)
	assert.Equal(t, uint64(1), st.CacheMisses)
	assert.InDelta(t, 0.5, st.HitRatio, 0.001)
	assert.Equal(t, 1, st.CacheEntries)

	var cleared map[string]int
	code := doJSON(t, http.MethodDelete, api.URL+"/api/cache?prefix="+discovery.CacheThingPrefix, "", &cleared)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, cleared["removed"])

	require.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, api.URL+"/api/stats", "", nil))
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, api.URL+"/api/stats", "", &st))
	assert.Zero(t, st.TotalRequests)
	assert.Zero(t, st.CacheEntries)
}

func TestCancel(t *testing.T) {
	_, api := newTestService(t, testConfig)

	var out map[string]string
	code := doJSON(t, http.MethodPost, api.URL+"/api/discover/cancel", "", &out)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "cancelled", out["status"])
}

type listlessRegistry struct{}

func (listlessRegistry) AddEndpoint(context.Context, string, int) error { return nil }

func TestEndpointsNotListable(t *testing.T) {
	_, api := newTestService(t, testConfig, WithRegistry(listlessRegistry{}))

	var out map[string]string
	code := doJSON(t, http.MethodGet, api.URL+"/api/endpoints", "", &out)
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestMetrics(t *testing.T) {
	_, api := newTestService(t, testConfig)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, api.URL+"/health", "", nil))

	resp, err := http.Get(api.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wotscan_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestServicesHaveIndependentMetrics(t *testing.T) {
	newTestService(t, testConfig)
	newTestService(t, testConfig)
}

func dialWS(t *testing.T, api *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+api.URL[len("http"):]+"/api/discover/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func TestDiscoverWebSocket(t *testing.T) {
	_, api := newTestService(t, testConfig)
	things := thingServer(t)
	conn := dialWS(t, api)

	require.NoError(t, conn.WriteJSON(wsRequest{URLs: []string{things.URL}}))

	var phases []discovery.Phase
	var final wsMessage
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != "progress" {
			final = msg
			break
		}
		require.NotNil(t, msg.Progress)
		phases = append(phases, msg.Progress.Status)
	}

	require.Equal(t, "result", final.Type, final.Error)
	require.NotNil(t, final.Result)
	require.Len(t, final.Result.Discovered, 1)
	assert.Equal(t, "Lamp", final.Result.Discovered[0].Title)
	require.NotEmpty(t, phases)
	assert.Equal(t, discovery.PhaseScanning, phases[0])
	assert.Equal(t, discovery.PhaseCompleted, phases[len(phases)-1])
}

func TestDiscoverWebSocketEmpty(t *testing.T) {
	_, api := newTestService(t, testConfig)
	conn := dialWS(t, api)

	require.NoError(t, conn.WriteJSON(wsRequest{}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "urls")
}

func TestRediscoverLoop(t *testing.T) {
	things := thingServer(t)
	reg := discovery.NewMemoryRegistry()
	doc := testConfig + fmt.Sprintf("discovery:\n  endpoints: [%q]\n  rediscoverEvery: 20ms\n", things.URL)
	svc, _ := newTestService(t, doc, WithRegistry(reg))

	require.Eventually(t, func() bool {
		eps, err := reg.List(context.Background())
		return err == nil && len(eps) == 1 && eps[0].ThingsFound == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := svc.Optimizer().Cache().Peek(discovery.CacheDiscoveryPrefix + things.URL + discovery.WellKnownPath)
	assert.True(t, ok)
}

func TestLogStats(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	core, logs := observer.New(zap.InfoLevel)
	svc, err := NewService(cfg, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	svc.logStats()
	entries := logs.FilterMessage("stats").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 0, fields["cache_entries"])
	assert.Equal(t, "0b", fields["disk_usage"])
	assert.Contains(t, fields["network"], "requests=0")
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	svc, err := NewService(cfg, nil)
	require.NoError(t, err)
	svc.Close()
	svc.Close()
}
