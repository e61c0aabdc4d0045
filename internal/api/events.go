package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/roomcall/internal/events"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// events streams bus events as JSON text frames. Recent events are sent
// first; an event emitted during the replay may arrive twice. Query
// parameters: replay caps the number of recent events, call_id keeps only
// events of one call or conversation.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	replay := -1
	if v := r.URL.Query().Get("replay"); v != "" {
		if replay = atoiOrNeg(v); replay < 0 {
			http.Error(w, "Invalid replay", http.StatusBadRequest)
			return
		}
	}
	scope := r.URL.Query().Get("call_id")
	wanted := func(e events.Event) bool {
		return scope == "" || e.CallID == scope || e.ConversationID == scope
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("event stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	live, cancel := s.eng.Bus().Subscribe()
	defer cancel()

	// Drain incoming frames so close and ping are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e events.Event) bool {
		if !wanted(e) {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(e) == nil
	}

	for _, e := range s.recent.Tail(replay) {
		if !send(e) {
			return
		}
	}
	log.Debugf("event stream client %s connected", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e, ok := <-live:
			if !ok || !send(e) {
				return
			}
		}
	}
}
