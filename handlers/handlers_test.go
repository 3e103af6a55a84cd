package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nirmalramchandani/barcode/services"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeLookup answers from a fixed table of upstream payloads.
type fakeLookup struct {
	mu       sync.Mutex
	payloads map[string]string
	err      error
	calls    []string
}

func (f *fakeLookup) Lookup(ctx context.Context, barcode string) services.LookupOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, barcode)
	f.mu.Unlock()

	if f.err != nil {
		return services.LookupOutcome{Kind: services.OutcomeUpstreamError, Err: f.err}
	}
	payload, ok := f.payloads[barcode]
	if !ok {
		payload = `{"status": 0}`
	}
	return services.ProjectProduct(barcode, []byte(payload))
}

func (f *fakeLookup) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRouter(products ProductLookup) *gin.Engine {
	return newStreamRouter(products, StreamConfig{})
}

func newStreamRouter(products ProductLookup, stream StreamConfig) *gin.Engine {
	cfg := CORSConfig{AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"}}
	log := zap.NewNop()

	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/health", NewHealthHandler(AppInfoConfig{Name: "barcode-relay", Version: "test"}).Status)
	r.GET("/scan/:barcode", NewScanHandler(products, log).Scan)
	r.GET("/ws/scan", NewScanStreamHandler(products, cfg.AllowedOrigins, stream, log).Stream)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestScanSuccess(t *testing.T) {
	products := &fakeLookup{payloads: map[string]string{
		"3017620422003": `{"product": {"product_name": "Nutella", "brands": "Ferrero", "nutriscore_grade": "e"}}`,
	}}
	r := newTestRouter(products)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scan/3017620422003", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := map[string]any{
		"status":      "success",
		"barcode":     "3017620422003",
		"name":        "Nutella",
		"brand":       "Ferrero",
		"ingredients": nil,
		"nutrients":   nil,
		"allergens":   nil,
		"nutriscore":  "e",
		"nova_group":  nil,
		"image":       nil,
	}
	if diff := cmp.Diff(want, decodeBody(t, w)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"3017620422003"}, products.Calls()); diff != "" {
		t.Errorf("lookup calls mismatch (-want +got):\n%s", diff)
	}
}

func TestScanNotFound(t *testing.T) {
	r := newTestRouter(&fakeLookup{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scan/000000000000", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := map[string]any{"status": "error", "message": "Product not found"}
	if diff := cmp.Diff(want, decodeBody(t, w)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestScanUpstreamError(t *testing.T) {
	r := newTestRouter(&fakeLookup{err: errors.New("dial tcp: connection refused")})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scan/123", nil))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "upstream_error" {
		t.Errorf("status field = %v", body["status"])
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("transport detail leaked to caller: %s", w.Body.String())
	}
}

func TestScanPassesBarcodeVerbatim(t *testing.T) {
	products := &fakeLookup{}
	r := newTestRouter(products)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scan/abc%20123", nil))

	if diff := cmp.Diff([]string{"abc 123"}, products.Calls()); diff != "" {
		t.Errorf("lookup calls mismatch (-want +got):\n%s", diff)
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakeLookup{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := map[string]any{"status": "ok", "service": "barcode-relay", "version": "test"}
	if diff := cmp.Diff(want, decodeBody(t, w)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	r := newTestRouter(&fakeLookup{})

	req := httptest.NewRequest(http.MethodGet, "/scan/123", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(&fakeLookup{})

	req := httptest.NewRequest(http.MethodOptions, "/scan/123", nil)
	req.Header.Set("Origin", "http://127.0.0.1:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodGet) {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestCORSPreflightEchoesRequestedHeaders(t *testing.T) {
	r := newTestRouter(&fakeLookup{})

	req := httptest.NewRequest(http.MethodOptions, "/scan/123", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "x-client-version, content-type")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "x-client-version, content-type" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
	if got := w.Header().Values("Vary"); !strings.Contains(strings.Join(got, ","), "Access-Control-Request-Headers") {
		t.Errorf("Vary = %q, want Access-Control-Request-Headers", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/scan/123", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "x-client-version")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "" {
		t.Errorf("unlisted origin: Access-Control-Allow-Headers = %q, want none", got)
	}
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	r := newTestRouter(&fakeLookup{})

	for _, method := range []string{http.MethodGet, http.MethodOptions} {
		req := httptest.NewRequest(method, "/scan/123", nil)
		req.Header.Set("Origin", "http://evil.example")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("%s: Access-Control-Allow-Origin = %q, want none", method, got)
		}
		if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Errorf("%s: Access-Control-Allow-Credentials = %q, want none", method, got)
		}
	}
}

func dialStream(t *testing.T, r *gin.Engine, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/scan", header)
}

func TestScanStream(t *testing.T) {
	products := &fakeLookup{payloads: map[string]string{
		"3017620422003": `{"product": {"product_name": "Nutella", "brands": "Ferrero", "nutriscore_grade": "e"}}`,
	}}
	conn, _, err := dialStream(t, newTestRouter(products), "http://localhost:5173")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	exchange := func(msg string) map[string]any {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		var reply map[string]any
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read: %v", err)
		}
		return reply
	}

	reply := exchange(`{"type":"scan","data":{"barcode":"3017620422003"}}`)
	if reply["type"] != "scan_result" {
		t.Fatalf("type = %v", reply["type"])
	}
	if id, _ := reply["id"].(string); id == "" {
		t.Errorf("missing reply id")
	}
	data, _ := reply["data"].(map[string]any)
	if data["status"] != "success" || data["name"] != "Nutella" || data["barcode"] != "3017620422003" {
		t.Errorf("unexpected data: %v", data)
	}
	if _, ok := data["image"]; !ok {
		t.Errorf("image key missing from result: %v", data)
	}

	reply = exchange(`{"type":"scan","data":{"barcode":"000000000000"}}`)
	want := map[string]any{"status": "error", "message": "Product not found"}
	if diff := cmp.Diff(want, reply["data"]); diff != "" {
		t.Errorf("not found data mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{`not json`, `{"type":"scan"}`, `{"type":"scan","data":{"barcode":"  "}}`, `{"type":"history"}`} {
		reply = exchange(bad)
		if reply["type"] != "error" {
			t.Errorf("%s: type = %v, want error", bad, reply["type"])
		}
		if msg, _ := reply["message"].(string); msg == "" {
			t.Errorf("%s: missing error message", bad)
		}
	}

	if diff := cmp.Diff([]string{"3017620422003", "000000000000"}, products.Calls()); diff != "" {
		t.Errorf("lookup calls mismatch (-want +got):\n%s", diff)
	}
}

func TestScanStreamRejectsUnlistedOrigin(t *testing.T) {
	_, resp, err := dialStream(t, newTestRouter(&fakeLookup{}), "http://evil.example")
	if err == nil {
		t.Fatal("expected dial to fail for an unlisted origin")
	}
	if resp != nil && resp.StatusCode == http.StatusSwitchingProtocols {
		t.Errorf("connection upgraded for an unlisted origin")
	}
}

func TestScanStreamClosesOnOversizedMessage(t *testing.T) {
	products := &fakeLookup{}
	conn, _, err := dialStream(t, newStreamRouter(products, StreamConfig{MaxMessageBytes: 256}), "http://localhost:5173")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := `{"type":"scan","data":{"barcode":"` + strings.Repeat("1", 1024) + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected the connection to close, got message %s", payload)
	}
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("read error = %v, want close %d", err, websocket.CloseMessageTooBig)
	}
	if calls := products.Calls(); len(calls) != 0 {
		t.Errorf("oversized message reached the lookup: %v", calls)
	}
}

func TestScanStreamAnswersWithinMessageLimit(t *testing.T) {
	conn, _, err := dialStream(t, newStreamRouter(&fakeLookup{}, StreamConfig{MaxMessageBytes: 256}), "http://localhost:5173")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"scan","data":{"barcode":"000000000000"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply["type"] != "scan_result" {
		t.Errorf("type = %v, want scan_result", reply["type"])
	}
}

func TestScanStreamPingsIdleClient(t *testing.T) {
	stream := StreamConfig{IdleTimeout: 2 * time.Second, PingInterval: 50 * time.Millisecond}
	conn, _, err := dialStream(t, newStreamRouter(&fakeLookup{}, stream), "http://localhost:5173")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pings := make(chan string, 1)
	conn.SetPingHandler(func(appData string) error {
		select {
		case pings <- appData:
		default:
		}
		return nil
	})

	// The ping handler only runs while a read is in progress.
	go conn.ReadMessage()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received from the server")
	}
}
