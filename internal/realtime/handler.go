package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Handler upgrades requests to websockets and streams a Source to each
// client as JSON change frames.
type Handler struct {
	src      Source
	upgrader gorilla.Upgrader
}

// NewHandler serves src.
func NewHandler(src Source) *Handler {
	return &Handler{
		src: src,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("change feed upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes, err := h.src.Subscribe(ctx)
	if err != nil {
		slog.Error("change feed subscribe failed", "error", err)
		_ = conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		return
	}

	// Clients never send data frames; reading surfaces their close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				_ = conn.WriteControl(gorilla.CloseMessage,
					gorilla.FormatCloseMessage(gorilla.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(c); err != nil {
				slog.Debug("change feed write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
