// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ManuGH/dokkugw/internal/allowlist"
	"github.com/ManuGH/dokkugw/internal/broker"
	"github.com/ManuGH/dokkugw/internal/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// handleLogStream delivers the app's log stream as server-sent events:
// one event per broker Event, named after its kind.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub, err := s.gw.Subscribe(ctx, chi.URLParam(r, "app"), allowlist.StreamLogs, identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = sub.Close() }()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	logger := log.WithComponentFromContext(ctx, "api")
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := writeSSE(w, ev); err != nil {
			if !errors.Is(err, errWrite) {
				logger.Error().Err(err).Str(log.FieldEvent, "api.sse_encode_failed").Msg("encode event")
			}
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
		if ev.Kind.Terminal() {
			return
		}
	}
}

// handleLogSocket delivers the same events as JSON text frames over a
// WebSocket. Any frame from the client is ignored; a close or read error
// unsubscribes.
func (s *Server) handleLogSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.gw.Subscribe(ctx, chi.URLParam(r, "app"), allowlist.StreamLogs, identity(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = sub.Close() }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer func() { _ = conn.Close() }()

	logger := log.WithComponentFromContext(ctx, "api").With().
		Str(log.FieldSubscription, sub.ID).
		Logger()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	closeCode := websocket.CloseNormalClosure
	closeText := ""
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, broker.ErrSubscriptionClosed) {
				closeCode = websocket.CloseGoingAway
			}
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug().Err(err).Str(log.FieldEvent, "api.ws_write_failed").Msg("websocket write failed")
			_ = conn.Close()
			<-readDone
			return
		}
		if ev.Kind.Terminal() {
			closeText = string(ev.Kind)
			break
		}
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeText), deadline)
	_ = conn.Close()
	<-readDone
}

var errWrite = errors.New("write event")

// writeSSE frames one event. Events without a stream sequence number get no
// id line, so a reconnecting client's Last-Event-ID always names a real event.
func writeSSE(w io.Writer, ev broker.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var werr error
	if ev.Seq > 0 {
		_, werr = fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if werr == nil {
		_, werr = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	}
	if werr != nil {
		return fmt.Errorf("%w: %w", errWrite, werr)
	}
	return nil
}
