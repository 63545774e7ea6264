package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event kinds carried by the status feed.
const (
	KindLog    = "log"
	KindSensor = "sensor"
)

// StatusEvent is a single message of the SSE feed.
type StatusEvent struct {
	Time  string `json:"t"`
	Kind  string `json:"k"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Publish sends an event to all subscribed clients as JSON:
// {"t":"...","k":"sensor","l":"info","msg":"..."}.
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Publish(kind, level, msg string) {
	evt := StatusEvent{
		Time:  time.Now().Format(time.RFC3339Nano),
		Kind:  kind,
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast publishes a log line.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(KindLog, level, msg)
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastWriter returns an io.Writer broadcasting every write as a log
// line, for debug.SetOutput.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	level := "info"
	switch {
	case strings.Contains(msg, "[ERROR]"):
		level = "error"
	case strings.Contains(msg, "[LIVE]"):
		level = "live"
	case strings.Contains(msg, "[VERBOSE]"), strings.Contains(msg, "[TRACE]"), strings.Contains(msg, "[GPIO]"):
		level = "debug"
	}
	w.b.Broadcast(level, msg)
	return len(p), nil
}
