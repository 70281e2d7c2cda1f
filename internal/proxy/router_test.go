package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/juliankiedaisch/iserv-remote-desktop-sub001/internal/models"
)

func newTestRouter(t *testing.T, status StatusFunc, onActivity func(string)) (*Router, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := NewRouter(Options{
		TargetHost: "127.0.0.1",
		Scheme:     "http",
		Status:     status,
		OnActivity: onActivity,
	})

	engine := gin.New()
	engine.Any("/desktops/:token/*path", router.Handle)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)
	return router, server
}

func backendPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestRouter_ForwardsHTTP(t *testing.T) {
	var gotPath, gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("desktop says hi"))
	}))
	defer backend.Close()

	var touched []string
	router, server := newTestRouter(t, nil, func(token string) { touched = append(touched, token) })
	router.Register("tok123", backendPort(t, backend))

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/desktops/tok123/vnc/index.html", nil)
	req.Header.Set("X-Custom", "preserved")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/vnc/index.html", gotPath)
	require.Equal(t, "preserved", gotHeader)
	require.Equal(t, []string{"tok123"}, touched, "forwarded request must record activity")
}

func TestRouter_WebSocketPassthrough(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	router, server := newTestRouter(t, nil, nil)
	router.Register("wstok", backendPort(t, backend))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/desktops/wstok/websockify"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "upgrade handshake must pass through the proxy")
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	payload := []byte("RFB 003.008")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, payload, echoed, "bytes must relay unmodified in both directions")
}

func TestRouter_MissStatusMapping(t *testing.T) {
	statuses := map[string]string{
		"starting-tok": models.SessionStatusCreating,
		"stopped-tok":  models.SessionStatusStopped,
		"failed-tok":   models.SessionStatusFailed,
	}
	status := func(ctx context.Context, token string) (string, bool) {
		s, ok := statuses[token]
		return s, ok
	}
	_, server := newTestRouter(t, status, nil)

	cases := []struct {
		token    string
		wantCode int
	}{
		{"never-seen", http.StatusNotFound},
		{"starting-tok", http.StatusServiceUnavailable},
		{"stopped-tok", http.StatusGone},
		{"failed-tok", http.StatusGone},
	}
	for _, tc := range cases {
		resp, err := http.Get(server.URL + "/desktops/" + tc.token + "/")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equalf(t, tc.wantCode, resp.StatusCode, "token %s", tc.token)
	}
}

func TestRouter_DeregisterTurnsRouteIntoMiss(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	status := func(ctx context.Context, token string) (string, bool) {
		return models.SessionStatusStopped, token == "gone-tok"
	}
	router, server := newTestRouter(t, status, nil)
	router.Register("gone-tok", backendPort(t, backend))

	resp, err := http.Get(server.URL + "/desktops/gone-tok/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	router.Deregister("gone-tok")
	router.Deregister("gone-tok") // idempotent

	resp, err = http.Get(server.URL + "/desktops/gone-tok/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode,
		"stopped session must answer terminated, not unknown")
}
