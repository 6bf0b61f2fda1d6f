package server

import (
	"net/http"
	"time"

	"github.com/deepakbhatia/LLMChat-experiments/internal/event"
)

const eventsHeartbeat = 15 * time.Second

// handleEvents streams server events as SSE, for dashboards and
// debugging against a running instance. Repeatable ?type= query
// parameters narrow the stream to those event kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []event.Type
	for _, v := range r.URL.Query()["type"] {
		kinds = append(kinds, event.Type(v))
	}

	events, err := event.Subscribe(r.Context(), kinds...)
	if err != nil {
		http.Error(w, "event stream unavailable", http.StatusInternalServerError)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := sse.writeData(e); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := sse.writeComment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
