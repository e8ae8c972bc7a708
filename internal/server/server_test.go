package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/streamplot/internal/metrics"
	"github.com/shaunagostinho/streamplot/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/streamplot.yaml"
	cfg.Logging.Path = t.TempDir()
	web := fstest.MapFS{"index.html": {Data: []byte("<html>streamplot</html>")}}
	s := New(cfg, web, metrics.New())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestOpenWithBadRegexIs400(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/api/session/open",
		`{"transport":{"mode":"demo"},"decoder":{"useRegex":true,"pattern":"[unclosed"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "can't compile regexp")
}

func TestOpenUnreachableSerialIs503(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := post(t, ts.URL+"/api/session/open",
		`{"transport":{"mode":"serial","serial":{"port":"/dev/streamplot-missing"}}}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDemoSessionOverHTTP(t *testing.T) {
	s, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/api/session/open", `{"transport":{"mode":"demo","demo":{"intervalMs":5,"readTimeoutMs":20}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["open"])
	assert.Equal(t, string(transport.ModeDemo), body["mode"])

	resp, _ = post(t, ts.URL+"/api/session/open", `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/api/command", `{"line":"hello","ending":"lf"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/api/command", `{"line":"hello","ending":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool {
		s.pipeline.Poll()
		info := s.pipeline.Info()
		return s.pipeline.Snapshot().Lines > 0 && info.Stats != nil && info.Stats.CommandsSent == 1
	}, 2*time.Second, 10*time.Millisecond)

	getResp, err := http.Get(ts.URL + "/api/session")
	require.NoError(t, err)
	var info SessionInfo
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&info))
	getResp.Body.Close()
	assert.True(t, info.Open)
	require.NotNil(t, info.Stats)
	assert.Equal(t, int64(1), info.Stats.CommandsSent)

	resp, body = post(t, ts.URL+"/api/session/close", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])

	resp, _ = post(t, ts.URL+"/api/session/close", ``)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCommandWithoutSessionIs409(t *testing.T) {
	_, ts := newTestServer(t)
	resp, _ := post(t, ts.URL+"/api/command", `{"line":"x"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/api/parameter", `{"template":"P {}","value":2}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/api/parameter", `{"name":"missing","value":2}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlotControls(t *testing.T) {
	s, ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/api/plot/xy", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["xyMode"])
	assert.True(t, s.pipeline.Snapshot().XY)

	resp, body = post(t, ts.URL+"/api/plot/pause", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["paused"])
	_, body = post(t, ts.URL+"/api/plot/pause", ``)
	assert.Equal(t, false, body["paused"])

	resp, _ = post(t, ts.URL+"/api/plot/clear", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/plot/clear")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)
}

func TestConfigAPI(t *testing.T) {
	s, ts := newTestServer(t)

	resp, _ := post(t, ts.URL+"/api/config", `{"plot":{"maxPoints":7}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, s.pipeline.Snapshot().MaxPoints)

	resp, _ = post(t, ts.URL+"/api/config", `{"decoder":{"useRegex":true,"pattern":"("}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer getResp.Body.Close()
	var cfg map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&cfg))
	assert.Equal(t, 7.0, cfg["plot"].(map[string]interface{})["maxPoints"])
}

func TestMetricsAndStatic(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketReceivesStateAndEvents(t *testing.T) {
	s, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Event {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	first := read()
	require.NotNil(t, first.Session)
	assert.False(t, first.Session.Open)
	second := read()
	require.NotNil(t, second.Plot)

	// The client is registered after the initial frames are queued.
	require.Eventually(t, func() bool {
		s.clientsMu.RLock()
		defer s.clientsMu.RUnlock()
		return len(s.clients) == 1
	}, time.Second, 5*time.Millisecond)

	s.pipeline.SetXYMode(true)
	ev := read()
	require.NotNil(t, ev.Plot)
	assert.True(t, ev.Plot.XY)
}
