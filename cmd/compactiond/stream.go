package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterxcli/rangecompact/compaction"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Status stream is read-only; allow all origins.
		return true
	},
}

// statusMessage is one frame of the status stream.
type statusMessage struct {
	Type   string                   `json:"type"`
	Status compaction.ServiceStatus `json:"status"`
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// statusStreamHandler upgrades the connection and pushes a service status
// snapshot every two seconds until the client goes away.
func statusStreamHandler(svc *compaction.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("upgrading connection", "error", err)
			return
		}
		defer conn.Close()
		sc := &safeConn{Conn: conn}
		logger.Info("status client connected", "remote", r.RemoteAddr)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				// Drain (and ignore) client frames; exit on close.
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		if err := sc.WriteJSON(statusMessage{Type: "status", Status: svc.Status()}); err != nil {
			return
		}
		for {
			select {
			case <-done:
				logger.Info("status client disconnected", "remote", r.RemoteAddr)
				return
			case <-ticker.C:
				if err := sc.WriteJSON(statusMessage{Type: "status", Status: svc.Status()}); err != nil {
					logger.Debug("status write failed", "error", err)
					return
				}
			}
		}
	}
}
