package devtools

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

type streamMessage struct {
	Type   string         `json:"type"`
	Values map[string]any `json:"values"`
}

// stream is one websocket client. Patches are queued from the runtime's
// flush and written by the stream's own goroutine; a client that falls
// behind by more than streamBuffer messages is disconnected.
type stream struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (st *stream) enqueue(msg streamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-st.done:
	case st.send <- data:
	default:
		st.close()
	}
}

func (st *stream) close() {
	st.closeOnce.Do(func() {
		close(st.done)
		st.conn.Close()
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("devtools upgrade failed", "error", err)
		return
	}

	st := &stream{
		conn: conn,
		send: make(chan []byte, streamBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	s.metrics.StreamOpened()

	values := s.watchedValues()
	snapshot := make(map[string]any, len(values))
	for name, o := range values {
		snapshot[name] = o.Snapshot()
	}
	st.enqueue(streamMessage{Type: "snapshot", Values: snapshot})
	s.rt.SubscribeWithObject(st, values, func(patch map[string]any) {
		st.enqueue(streamMessage{Type: "patch", Values: patch})
	})
	s.logger.Debug("devtools stream opened", "remote", r.RemoteAddr, "values", sortedNames(values))

	go st.writeLoop()
	st.readLoop()

	s.rt.Unsubscribe(st)
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
	s.metrics.StreamClosed()
	s.logger.Debug("devtools stream closed", "remote", r.RemoteAddr)
}

// readLoop discards client messages and returns when the connection ends.
func (st *stream) readLoop() {
	defer st.close()
	st.conn.SetReadLimit(4096)
	_ = st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (st *stream) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer st.close()

	for {
		select {
		case data := <-st.send:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-st.done:
			return
		}
	}
}

func (s *Server) closeStreams() {
	s.mu.RLock()
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()
	for _, st := range streams {
		st.close()
	}
}

// Streams returns the number of open websocket streams.
func (s *Server) Streams() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}
