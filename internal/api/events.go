// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuGH/spacegate/internal/hub"
	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

const heartbeatInterval = 25 * time.Second

// handleEvents streams notifications over SSE. An occupant query parameter
// additionally subscribes the connection to that occupant's unicast topics;
// without it the stream carries broadcasts only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	occupant := model.OccupantID(r.URL.Query().Get("occupant"))
	conn := s.hub.Register(occupant)
	defer s.hub.Unregister(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Debug().
		Str(log.FieldConnectionID, conn.ID()).
		Str(log.FieldOccupantID, string(occupant)).
		Msg("event stream opened")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Str(log.FieldConnectionID, conn.ID()).Msg("event stream closed by client")
			return

		case ev, open := <-conn.C():
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				logger.Debug().Err(err).Str(log.FieldConnectionID, conn.ID()).Msg("event stream write failed")
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			// Comment line keeps intermediaries from timing the stream out.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev hub.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
	return err
}
