package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/strangercam/matchmaker/internal/config"
)

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, mount ...func(*http.ServeMux)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, m := range mount {
		m(srv.Mux())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, req *http.Request, wantStatus int, out any) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status=%d, want %d (body %q)", req.Method, req.URL.Path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func newRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())

	var health map[string]any
	resp := getJSON(t, newRequest(t, http.MethodGet, baseURL+"/healthz"), http.StatusOK, &health)
	if health["ok"] != true {
		t.Fatalf("healthz body=%v", health)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID response header")
	}

	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/readyz"), http.StatusOK, nil)

	var build BuildInfo
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/version"), http.StatusOK, &build)
	if want := (BuildInfo{Commit: "abc", BuildTime: "time"}); build != want {
		t.Fatalf("version=%+v, want %+v", build, want)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	baseURL := startTestServer(t, baseConfig())

	req := newRequest(t, http.MethodGet, baseURL+"/healthz")
	req.Header.Set("X-Request-ID", "req-1")
	resp := getJSON(t, req, http.StatusOK, nil)
	if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("X-Request-ID=%q, want req-1", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("MATCHMAKER_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/readyz"), http.StatusServiceUnavailable, nil)
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/webrtc/ice"), http.StatusServiceUnavailable, nil)
}

func TestICEEndpoint(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	resp := getJSON(t, newRequest(t, http.MethodGet, baseURL+"/webrtc/ice"), http.StatusOK, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%v", payload.ICEServers)
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls on first server: %#v", payload.ICEServers[0])
	}
	if payload.ICEServers[1]["username"] != "user" || payload.ICEServers[1]["credential"] != "pass" {
		t.Fatalf("turn server=%#v", payload.ICEServers[1])
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q", got)
	}
}

func TestICEEndpoint_MintsTURNRESTCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "secret", TTLSeconds: 600, UsernamePrefix: "sc"}
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	baseURL := startTestServer(t, cfg)

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	getJSON(t, newRequest(t, http.MethodGet, baseURL+"/webrtc/ice"), http.StatusOK, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%v", payload.ICEServers)
	}
	if _, ok := payload.ICEServers[0]["username"]; ok {
		t.Fatalf("stun server should not get credentials: %#v", payload.ICEServers[0])
	}
	username, _ := payload.ICEServers[1]["username"].(string)
	if parts := strings.Split(username, ":"); len(parts) != 3 || parts[1] != "sc" {
		t.Fatalf("username=%q", username)
	}
	if cred, _ := payload.ICEServers[1]["credential"].(string); cred == "" {
		t.Fatalf("missing minted credential: %#v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_OriginPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg)

	req := newRequest(t, http.MethodGet, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://evil.example.com")
	getJSON(t, req, http.StatusForbidden, nil)

	req = newRequest(t, http.MethodGet, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://app.example.com")
	resp := getJSON(t, req, http.StatusOK, nil)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	req = newRequest(t, http.MethodOptions, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp = getJSON(t, req, http.StatusNoContent, nil)
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatalf("preflight missing Access-Control-Allow-Methods")
	}
}

func TestICEEndpoint_SameHostByDefault(t *testing.T) {
	cfg := baseConfig()
	baseURL := startTestServer(t, cfg)

	req := newRequest(t, http.MethodGet, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", baseURL)
	getJSON(t, req, http.StatusOK, nil)

	req = newRequest(t, http.MethodGet, baseURL+"/webrtc/ice")
	req.Header.Set("Origin", "http://other.example.com")
	getJSON(t, req, http.StatusForbidden, nil)
}

func TestMiddlewareKeepsWebSocketUpgradeWorking(t *testing.T) {
	upgrader := websocket.Upgrader{}
	baseURL := startTestServer(t, baseConfig(), func(mux *http.ServeMux) {
		mux.HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer ws.Close()
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			_ = ws.WriteMessage(mt, data)
		})
	})

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil || string(data) != "hi" {
		t.Fatalf("read=%q err=%v", data, err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), func(mux *http.ServeMux) {
		mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})
	})
	resp, err := http.Get(baseURL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}
