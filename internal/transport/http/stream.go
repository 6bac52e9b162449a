// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const headerLastEventID = "Last-Event-ID"

// streamSSEHandler replays the job's buffered history past the caller's
// cursor, then relays live events until the stream closes. The final event
// before the channel closes is always the done event, so clients can treat
// EOF as job termination.
func streamSSEHandler(deps Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		if _, ok := deps.Jobs.Registry().Lookup(jobID); !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		cursor, err := resolveStreamCursor(r)
		if err != nil {
			http.Error(w, "invalid since cursor", http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		sub := deps.Events.Subscribe(jobID)
		defer sub.Unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for _, ev := range sub.Snapshot() {
			if ev.Sequence <= cursor {
				continue
			}
			if err := writeSSEEvent(w, ev); err != nil {
				logger.Debug("sse write failed", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()
			cursor = ev.Sequence
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-sub.Events():
				if !open {
					return
				}
				if ev.Sequence <= cursor {
					continue
				}
				if err := writeSSEEvent(w, ev); err != nil {
					logger.Debug("sse write failed", "job_id", jobID, "error", err)
					return
				}
				flusher.Flush()
				cursor = ev.Sequence
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, payload)
	return err
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from app origins we do not control here;
	// the endpoint carries no credentials beyond the job id.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamWSHandler serves the same event stream over a websocket, one JSON
// event per text message. The server closes the socket after the done event.
func streamWSHandler(deps Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid job ID", http.StatusBadRequest)
			return
		}

		if _, ok := deps.Jobs.Registry().Lookup(jobID); !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		cursor, err := resolveStreamCursor(r)
		if err != nil {
			http.Error(w, "invalid since cursor", http.StatusBadRequest)
			return
		}

		sub := deps.Events.Subscribe(jobID)

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Unsubscribe()
			logger.Debug("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer conn.Close()
		defer sub.Unsubscribe()

		// Reader loop: we never expect client data, but control frames must be
		// consumed for close detection to work.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for _, ev := range sub.Snapshot() {
			if ev.Sequence <= cursor {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			cursor = ev.Sequence
		}

		for {
			select {
			case <-clientGone:
				return
			case <-r.Context().Done():
				return
			case ev, open := <-sub.Events():
				if !open {
					deadline := time.Now().Add(time.Second)
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
					_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
					return
				}
				if ev.Sequence <= cursor {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				cursor = ev.Sequence
			}
		}
	}
}

// resolveStreamCursor reads the resume position from ?since or the SSE
// Last-Event-ID header. Zero means "from the beginning of the buffer".
func resolveStreamCursor(r *http.Request) (int64, error) {
	since := strings.TrimSpace(r.URL.Query().Get("since"))
	if since == "" {
		since = strings.TrimSpace(r.Header.Get(headerLastEventID))
	}
	if since == "" {
		return 0, nil
	}

	seq, err := strconv.ParseInt(since, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q", since)
	}
	return seq, nil
}
