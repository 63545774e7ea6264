package web

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindatnh/scopestand/internal/catalog"
	"github.com/mindatnh/scopestand/internal/logic/stand"
)

// StatusSource provides the controller status.
type StatusSource interface {
	Status() stand.Status
}

// CatalogSource provides specimen metadata.
type CatalogSource interface {
	Config(id int) (catalog.Specimen, bool)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Handlers holds dependencies for HTTP handlers. Every route is read-only.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Status       StatusSource
	Catalog      CatalogSource
	PushInterval time.Duration // status push period on /status/ws
	upgrader     websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// cat may be nil: /specimens/{id} then answers 404.
func NewHandlers(broadcaster *StatusBroadcaster, status StatusSource, cat CatalogSource, push time.Duration) *Handlers {
	if push <= 0 {
		push = time.Second
	}
	return &Handlers{
		Broadcaster:  broadcaster,
		Status:       status,
		Catalog:      cat,
		PushInterval: push,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // display runs on the same kiosk
			},
		},
	}
}

// HandleStatus returns the current status as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Status.Status())
}

// HandleSpecimen returns the metadata of one specimen.
func (h *Handlers) HandleSpecimen(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid specimen id", http.StatusBadRequest)
		return
	}
	if h.Catalog == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	doc, ok := h.Catalog.Config(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusWS upgrades to a WebSocket and pushes the status every
// PushInterval until the client goes away. Incoming messages are ignored.
func (h *Handlers) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go h.readPump(conn, gone)

	push := time.NewTicker(h.PushInterval)
	defer push.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	if err := h.writeStatus(conn); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-push.C:
			if err := h.writeStatus(conn); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) writeStatus(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(h.Status.Status())
}

// readPump drains the connection so close and pong frames are processed.
func (h *Handlers) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket: %v", err)
			}
			return
		}
	}
}
