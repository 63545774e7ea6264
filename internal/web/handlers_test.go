package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindatnh/scopestand/internal/catalog"
	"github.com/mindatnh/scopestand/internal/logic/position"
	"github.com/mindatnh/scopestand/internal/logic/stand"
)

type fakeStatus struct {
	calls atomic.Int64
}

func (f *fakeStatus) Status() stand.Status {
	n := f.calls.Add(1)
	return stand.Status{
		Mode:     "manual",
		Homing:   "homed",
		Specimen: 3,
		Axes: map[string]position.AxisState{
			"tray": {Current: 11000 + int(n), Homed: true},
		},
	}
}

func newTestServer(t *testing.T, push time.Duration) (*httptest.Server, *fakeStatus, *StatusBroadcaster) {
	t.Helper()
	src := &fakeStatus{}
	b := NewStatusBroadcaster()
	cat := catalog.New(catalog.Default(3))
	s := NewServer("", b, src, cat, push)
	srv := httptest.NewServer(s.Mux())
	t.Cleanup(srv.Close)
	return srv, src, b
}

func TestHandleStatus(t *testing.T) {
	src := &fakeStatus{}
	h := NewHandlers(NewStatusBroadcaster(), src, nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got stand.Status
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Mode != "manual" || got.Specimen != 3 {
		t.Errorf("status = %+v", got)
	}
	if tray := got.Axes["tray"]; tray.Current != 11001 || !tray.Homed {
		t.Errorf("tray = %+v", tray)
	}
}

func TestHandleSpecimen(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second)

	tests := []struct {
		path string
		want int
	}{
		{"/specimens/3", http.StatusOK},
		{"/specimens/4", http.StatusNotFound},
		{"/specimens/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
		if tt.want == http.StatusOK {
			var doc catalog.Specimen
			if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if doc.DisplayNumber != 3 || doc.Name != "Specimen 3" {
				t.Errorf("specimen = %+v", doc)
			}
		}
		resp.Body.Close()
	}
}

func TestHandleSpecimen_NoCatalog(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), &fakeStatus{}, nil, 0)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /specimens/{id}", h.HandleSpecimen)
	req := httptest.NewRequest(http.MethodGet, "/specimens/1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMux_ReadOnly(t *testing.T) {
	srv, _, _ := newTestServer(t, time.Second)
	for _, path := range []string{"/status", "/specimens/3"} {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestHandleStatusStream(t *testing.T) {
	srv, _, b := newTestServer(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	b.Publish(KindSensor, "live", "tab_wide -> true")

	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("line = %q, want data event", line)
	}
	var evt StatusEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Kind != KindSensor || evt.Msg != "tab_wide -> true" {
		t.Errorf("event = %+v", evt)
	}
}

func TestHandleStatusWS_Pushes(t *testing.T) {
	srv, src, _ := newTestServer(t, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first, second stand.Status
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second: %v", err)
	}
	if first.Mode != "manual" {
		t.Errorf("mode = %q", first.Mode)
	}
	if second.Axes["tray"].Current <= first.Axes["tray"].Current {
		t.Errorf("second push not fresh: %d then %d", first.Axes["tray"].Current, second.Axes["tray"].Current)
	}
	if src.calls.Load() < 2 {
		t.Errorf("Status called %d times", src.calls.Load())
	}
}

func TestHandleStatusWS_ClientClose(t *testing.T) {
	srv, _, _ := newTestServer(t, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("close: %v", err)
	}
	conn.Close()
	// the handler returns once its read pump sees the close; srv.Close in
	// cleanup would block otherwise
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewStatusBroadcaster(), &fakeStatus{}, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
