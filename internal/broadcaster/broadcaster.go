package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RedBird96/detect-amm-imbalance/internal/metrics"
	"github.com/RedBird96/detect-amm-imbalance/internal/types"
)

const writeTimeout = 5 * time.Second

type frame struct {
	Type            string  `json:"type"`
	PathID          string  `json:"pathId"`
	PathDescription string  `json:"pathDescription"`
	Rate            float64 `json:"rate"`
}

// Broadcaster pushes every rate update to all connected observers as JSON
// text frames. Observers are written one after another, each write bounded
// by writeTimeout, so a stalled observer delays the rest by at most that long
// before its write fails and it is dropped.
type Broadcaster struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

func New(log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
		log:      log,
	}
}

// Start binds the listen port and begins accepting observers. A bind
// failure is returned to the caller and is fatal.
func (b *Broadcaster) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWS)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind broadcast port %d: %w", port, err)
	}
	b.ln = ln
	b.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		b.log.Info("broadcast server starting", zap.String("addr", ln.Addr().String()))
		if err := b.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Error("broadcast server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound listen address.
func (b *Broadcaster) Addr() string {
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}

func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	metrics.Observers.Set(float64(n))
	b.log.Info("observer connected", zap.String("remote", conn.RemoteAddr().String()))

	// read loop only to notice the peer going away
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	if ok {
		delete(b.clients, conn)
	}
	n := len(b.clients)
	b.mu.Unlock()
	conn.Close()
	if ok {
		metrics.Observers.Set(float64(n))
	}
}

// Broadcast serializes the update once and best-effort delivers it to every
// open observer. Write failures disconnect the observer and are logged.
func (b *Broadcaster) Broadcast(u types.RateUpdate) {
	msg, err := json.Marshal(frame{
		Type:            "arbitrageRateUpdated",
		PathID:          u.PathID,
		PathDescription: u.PathDescription,
		Rate:            u.Rate,
	})
	if err != nil {
		b.log.Error("marshal rate update", zap.Error(err))
		return
	}

	b.mu.Lock()
	var failed []*websocket.Conn
	for c := range b.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.log.Warn("observer write failed; disconnecting",
				zap.String("remote", c.RemoteAddr().String()),
				zap.Error(err),
			)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		delete(b.clients, c)
		c.Close()
	}
	n := len(b.clients)
	b.mu.Unlock()
	if len(failed) > 0 {
		metrics.Observers.Set(float64(n))
	}
}

// Close stops accepting observers and closes every open connection.
func (b *Broadcaster) Close() {
	if b.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.srv.Shutdown(shutdownCtx); err != nil {
			b.log.Warn("broadcast server shutdown error", zap.Error(err))
		}
	}

	b.mu.Lock()
	for c := range b.clients {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		c.Close()
		delete(b.clients, c)
	}
	b.mu.Unlock()
	metrics.Observers.Set(0)
	b.log.Info("broadcast server stopped")
}
