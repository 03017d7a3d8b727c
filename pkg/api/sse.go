package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ursadefi/ursapay/pkg/events"
)

const eventBuffer = 100

// streamEvents pushes reconciliation events to the client as server-sent
// events. A slow consumer that fills its buffer is dropped rather than
// allowed to block the dispatcher.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan []byte, eventBuffer)
	cancel := h.dispatcher.RegisterSubscriber(func(eventData []byte) {
		select {
		case ch <- eventData:
		default:
		}
	}, events.SubscribeOptions{})
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case eventData := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", eventData)
			flusher.Flush()
		}
	}
}
