package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/splatseq/internal/playback"
)

// EventMessage is the wire form of a playback.Event. The frame payload is
// never sent; clients fetch what they need by index.
type EventMessage struct {
	Kind     string    `json:"kind"`
	Index    int       `json:"index"`
	State    string    `json:"state"`
	Vertices int       `json:"vertices,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// NewEventMessage converts ev for the wire.
func NewEventMessage(ev playback.Event) EventMessage {
	m := EventMessage{
		Kind:  ev.Kind.String(),
		Index: ev.Index,
		State: ev.State.String(),
		Time:  ev.Time.UTC(),
	}
	if ev.Frame != nil {
		m.Vertices = ev.Frame.Len()
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

// handleEvents streams player events as server-sent events until the
// client goes away or the player stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := s.player.Subscribe()
	defer s.player.Unsubscribe(id)

	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(NewEventMessage(ev))
			if err != nil {
				logf("encode event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
