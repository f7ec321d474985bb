package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twpayne/go-geom"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/zonechat/internal/metrics"
	"github.com/christopherjohns/zonechat/internal/ratelimit"
	"github.com/christopherjohns/zonechat/internal/room"
	"github.com/christopherjohns/zonechat/internal/ws"
	"github.com/christopherjohns/zonechat/internal/zone"
)

func librarySet(t *testing.T) *zone.Set {
	t.Helper()
	lib, err := zone.New("LIBRARY", "W.A.C. Bennett Library",
		geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}))
	if err != nil {
		t.Fatal(err)
	}
	set, err := zone.NewSet(lib)
	if err != nil {
		t.Fatal(err)
	}
	return set
}

func newTestServer(t *testing.T, set *zone.Set, opts ...Option) *Server {
	t.Helper()
	registry := room.NewRegistry(room.Definitions(set, []string{"coffee", "study"})...)
	return New(":0", zone.NewResolver(set), ws.NewHub(registry), opts...)
}

func get(srv *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, librarySet(t))

	w := get(srv, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestListRooms(t *testing.T) {
	srv := newTestServer(t, librarySet(t))
	srv.hub.Registry().Join("alice", "study")

	w := get(srv, "/api/rooms")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var rooms []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&rooms); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(rooms))
	}
	if rooms[0]["id"] != "study" || rooms[0]["active_users"] != float64(1) {
		t.Errorf("expected busiest room first, got %v", rooms[0])
	}
}

func TestListZones(t *testing.T) {
	srv := newTestServer(t, librarySet(t))

	w := get(srv, "/api/zones")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var zones []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&zones); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(zones) != 1 || zones[0]["id"] != "LIBRARY" {
		t.Fatalf("unexpected zones %v", zones)
	}
	if zones[0]["geometry"] == nil {
		t.Error("expected zone geometry in listing")
	}
}

func TestListZonesEmpty(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(srv, "/api/zones")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestResolveInsideAndOutside(t *testing.T) {
	srv := newTestServer(t, librarySet(t))

	tests := []struct {
		query  string
		inside bool
	}{
		{"lon=5&lat=5", true},
		{"lon=50&lat=50", false},
		{"lon=5&lat=5&accuracy=12.5", true},
	}
	for _, tt := range tests {
		w := get(srv, "/locations?"+tt.query)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d (%s)", tt.query, w.Code, w.Body.String())
		}
		var res struct {
			Inside   bool                   `json:"inside"`
			ZoneID   string                 `json:"zoneId"`
			Distance float64                `json:"distance"`
			Zone     map[string]interface{} `json:"zone"`
		}
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if res.Inside != tt.inside || res.ZoneID != "LIBRARY" {
			t.Errorf("%s: got inside=%v zoneId=%q", tt.query, res.Inside, res.ZoneID)
		}
		if res.Zone["id"] != "LIBRARY" {
			t.Errorf("%s: expected full zone record, got %v", tt.query, res.Zone)
		}
	}
}

func TestResolveInvalidInput(t *testing.T) {
	srv := newTestServer(t, librarySet(t))

	for _, query := range []string{
		"",
		"lon=5",
		"lat=5",
		"lon=abc&lat=5",
		"lon=5&lat=xyz",
		"lon=NaN&lat=5",
		"lon=5&lat=Inf",
		"lon=5&lat=5&accuracy=-1",
	} {
		w := get(srv, "/locations?"+query)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected status 400, got %d", query, w.Code)
			continue
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body["error"] == "" {
			t.Errorf("%q: expected error message", query)
		}
	}
}

func TestResolveNoZonesLoaded(t *testing.T) {
	srv := newTestServer(t, nil)

	w := get(srv, "/locations?lon=5&lat=5")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}

func TestResolveRateLimited(t *testing.T) {
	srv := newTestServer(t, librarySet(t), WithLimiter(ratelimit.NewIPLimiter(2, time.Minute)))

	for i := 0; i < 2; i++ {
		if w := get(srv, "/locations?lon=5&lat=5"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
	if w := get(srv, "/locations?lon=5&lat=5"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t, librarySet(t))

	w := get(srv, "/api/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var stats ws.ConnStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Active != 0 {
		t.Errorf("expected no active connections, got %d", stats.Active)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, librarySet(t), WithMetrics(collector))

	get(srv, "/locations?lon=5&lat=5")
	get(srv, "/locations?lon=50&lat=50")

	w := get(srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`zonechat_resolves_total{result="inside"} 1`,
		`zonechat_resolves_total{result="nearest"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t, librarySet(t), WithAllowedOrigins([]string{"https://app.example.com"}))

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin header, got %q", got)
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	srv := newTestServer(t, librarySet(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"joinRoom","payload":{"userId":"alice","roomId":"LIBRARY"}}`)); err != nil {
		t.Fatalf("write error: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(string(data), `"joinedRoom"`) {
		t.Errorf("expected joinedRoom ack, got %s", data)
	}

	w := get(srv, "/api/connections")
	var conns []ws.ConnInfo
	if err := json.NewDecoder(w.Body).Decode(&conns); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(conns) != 1 || len(conns[0].Rooms) != 1 || conns[0].Rooms[0] != "LIBRARY" {
		t.Errorf("unexpected connections %+v", conns)
	}
}

func TestShutdownClosesWebSockets(t *testing.T) {
	srv := newTestServer(t, librarySet(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ConnMgr().Count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected StatusGoingAway, got %v", err)
	}
}
