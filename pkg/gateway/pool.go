package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errUnknownConnection = errors.New("gateway: unknown connection")

// connectionPool tracks live client connections and serializes writes per
// connection. When the pool stays empty for idleTimeout, onIdle fires once.
type connectionPool struct {
	mu          sync.Mutex
	conns       map[string]*websocket.Conn
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func newConnectionPool(idleTimeout time.Duration, onIdle func()) *connectionPool {
	cp := &connectionPool{
		conns:       map[string]*websocket.Conn{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
	cp.mu.Lock()
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	return cp
}

func (cp *connectionPool) add(id string, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[id] = conn
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *connectionPool) remove(id string) {
	cp.mu.Lock()
	conn := cp.conns[id]
	delete(cp.conns, id)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// send writes one text frame. A failed write drops the connection.
func (cp *connectionPool) send(id string, data []byte) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	conn, ok := cp.conns[id]
	if !ok {
		return errUnknownConnection
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("conn_id", id).Msg("ws send failed, dropping connection")
		delete(cp.conns, id)
		_ = conn.Close()
		cp.scheduleIdleTimerLocked()
		return errors.Wrap(err, "gateway: write")
	}
	return nil
}

func (cp *connectionPool) count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *connectionPool) closeAll() {
	cp.mu.Lock()
	for id, conn := range cp.conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		delete(cp.conns, id)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *connectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *connectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *connectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
