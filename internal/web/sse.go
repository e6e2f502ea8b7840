package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// sseKeepAlive is how often an idle stream sends a comment line so proxies
// keep the connection open.
const sseKeepAlive = 15 * time.Second

var errStreamingUnsupported = errors.New("streaming unsupported")

// streamProgress writes each snapshot from updates as a server-sent event.
// Intermediate snapshots use the "progress" event; the last one before the
// channel closes is repeated as "complete".
func streamProgress[T any](w http.ResponseWriter, r *http.Request, updates <-chan T) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	var (
		last    T
		hasLast bool
	)
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case snap, open := <-updates:
			if !open {
				if hasLast {
					if err := writeEvent(w, "complete", last); err != nil {
						return err
					}
					flusher.Flush()
				}
				return nil
			}
			last, hasLast = snap, true
			if err := writeEvent(w, "progress", snap); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
