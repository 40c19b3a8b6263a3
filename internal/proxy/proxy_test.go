package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esante/api-gateway/internal/config"
)

// staticResolver always answers the same target, standing in for the
// balancer.
type staticResolver struct {
	url string
}

func (s staticResolver) ResolveURL(context.Context, config.RouteDescriptor) string {
	return s.url
}

type recordedRequest struct {
	method string
	path   string
	query  string
	body   string
	host   string
}

func recordingBackend(t *testing.T, status int, respBody string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*rec = recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(body),
			host:   r.Host,
		}
		w.Header().Set("X-Backend", "rdv-service")
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func appointmentsDesc() config.RouteDescriptor {
	return config.RouteDescriptor{
		Key:         "appointments",
		ServiceName: "rdv-service",
		PathPrefix:  "/api/v1/appointments",
		FallbackURL: "http://127.0.0.1:3003",
	}
}

func TestHandlerForwardsVerbatim(t *testing.T) {
	backend, recorded := recordingBackend(t, http.StatusCreated, `{"id":"42"}`)
	p := New(staticResolver{url: backend.URL})

	gw := httptest.NewServer(p.Handler(appointmentsDesc()))
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/api/v1/appointments/42?expand=doctor", "application/json", strings.NewReader(`{"slot":"am"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	// The backend's answer is relayed with no interpretation.
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "rdv-service", resp.Header.Get("X-Backend"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"id":"42"}`, string(body))

	// The full original path, query and body reach the backend.
	assert.Equal(t, http.MethodPost, recorded.method)
	assert.Equal(t, "/api/v1/appointments/42", recorded.path)
	assert.Equal(t, "expand=doctor", recorded.query)
	assert.Equal(t, `{"slot":"am"}`, recorded.body)
}

func TestHandlerRewritesHostHeader(t *testing.T) {
	backend, recorded := recordingBackend(t, http.StatusOK, "ok")
	p := New(staticResolver{url: backend.URL})

	gw := httptest.NewServer(p.Handler(appointmentsDesc()))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/v1/appointments")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), recorded.host)
}

func TestHandlerMapsDialFailureTo502(t *testing.T) {
	errors := 0
	p := New(staticResolver{url: "http://127.0.0.1:1"})
	p.OnError = func(serviceKey string) {
		assert.Equal(t, "appointments", serviceKey)
		errors++
	}

	gw := httptest.NewServer(p.Handler(appointmentsDesc()))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/v1/appointments/42")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "SERVICE_UNAVAILABLE")
	assert.Equal(t, 1, errors)
}

func TestBackendErrorStatusRelayedVerbatim(t *testing.T) {
	backend, _ := recordingBackend(t, http.StatusConflict, `{"message":"slot taken"}`)
	p := New(staticResolver{url: backend.URL})

	gw := httptest.NewServer(p.Handler(appointmentsDesc()))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/v1/appointments/42")
	require.NoError(t, err)
	defer resp.Body.Close()

	// A valid HTTP response from the backend is never rewritten,
	// even when it is an error.
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"message":"slot taken"}`, string(body))
}

func TestSocketHandlerStripsMountPrefix(t *testing.T) {
	backend, recorded := recordingBackend(t, http.StatusOK, "ok")
	p := New(staticResolver{url: backend.URL})

	route := config.SocketRoute{PathPrefix: "/messaging", ServiceKey: "messages", Strip: "/messaging"}
	desc := config.RouteDescriptor{Key: "messages", ServiceName: "messaging-service", FallbackURL: "http://127.0.0.1:3006"}

	gw := httptest.NewServer(p.SocketHandler(route, desc))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/messaging/socket.io/?EIO=4&transport=polling")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "/socket.io/", recorded.path)
	assert.Equal(t, "EIO=4&transport=polling", recorded.query)
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "/socket.io", stripPrefix("/messaging/socket.io", "/messaging"))
	assert.Equal(t, "/user-socket", stripPrefix("/admin/user-socket", "/admin"))
	assert.Equal(t, "/", stripPrefix("/messaging", "/messaging"))
}
