package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crispchan "github.com/nextlevelbuilder/crisprelay/internal/channels/crisp"
	"github.com/nextlevelbuilder/crisprelay/internal/config"
	"github.com/nextlevelbuilder/crisprelay/internal/crisp"
	httpapi "github.com/nextlevelbuilder/crisprelay/internal/http"
)

type fixedPending int

func (p fixedPending) PendingSessions() int { return int(p) }

type staticStatus map[string]interface{}

func (s staticStatus) GetStatus() map[string]interface{} { return s }

type acceptAll struct{}

func (acceptAll) Ingest(context.Context, []byte) (crispchan.IngestResult, error) {
	return crispchan.IngestAccepted, nil
}

type noopSender struct{}

func (noopSender) SendMessage(context.Context, string, string, crisp.MessageData) error { return nil }

func newTestServer() *Server {
	s := NewServer(config.GatewayConfig{Host: "127.0.0.1"}, "1.2.3", fixedPending(2),
		httpapi.NewCrispHandler(acceptAll{}, noopSender{}, "", nil))
	s.SetStatusProvider(staticStatus{"crisp": map[string]interface{}{"running": true}})
	return s
}

func get(t *testing.T, h http.Handler, method, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(`{}`)))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestServer_Root(t *testing.T) {
	code, body := get(t, newTestServer().BuildMux(), http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, body["message"])
}

func TestServer_Health(t *testing.T) {
	code, body := get(t, newTestServer().BuildMux(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["pending_sessions"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Contains(t, body["channels"], "crisp")
}

func TestServer_NotFound(t *testing.T) {
	mux := newTestServer().BuildMux()

	code, body := get(t, mux, http.MethodGet, "/api/crisp/conversation/metadata?websiteId=w")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Route not found", body["error"])
	assert.Equal(t, "/api/crisp/conversation/metadata?websiteId=w", body["path"])

	code, _ = get(t, mux, http.MethodPost, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_MountsCrispRoutes(t *testing.T) {
	code, body := get(t, newTestServer().BuildMux(), http.MethodPost, "/api/crisp/rtm")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["accepted"])
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	s := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
