package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/guestpool/internal/domain"
)

type watchFrame struct {
	Type   string            `json:"type"`
	Mode   string            `json:"mode"`
	At     time.Time         `json:"at"`
	Status domain.PoolStatus `json:"status"`
}

const watchWriteTimeout = 5 * time.Second

// handleWatch streams a status frame on connect and then every watch
// interval until the client goes away. Frames repeat only when the status
// changed.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	var (
		last domain.PoolStatus
		sent bool
	)
	for {
		status, err := s.pool.Strategy.Status(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("status feed query failed", "err", err)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "status unavailable"),
					time.Now().Add(watchWriteTimeout))
			}
			return
		}
		if !sent || status != last {
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			frame := watchFrame{Type: "status", Mode: s.pool.Strategy.Mode(), At: s.now().UTC(), Status: status}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			last, sent = status, true
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
