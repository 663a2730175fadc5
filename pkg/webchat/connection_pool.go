package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool fans frames out to one owner's websocket connections. Each
// connection has its own buffered writer; a connection whose buffer is full or
// whose write fails is dropped.
type ConnectionPool struct {
	ownerID      string
	mu           sync.Mutex
	conns        map[wsConn]*connWriter
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

type connWriter struct {
	conn wsConn
	ch   chan []byte
	once sync.Once
}

func (w *connWriter) stop() {
	w.once.Do(func() {
		close(w.ch)
		_ = w.conn.Close()
	})
}

func NewConnectionPool(ownerID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		ownerID:      ownerID,
		conns:        map[wsConn]*connWriter{},
		sendBuffer:   64,
		writeTimeout: 10 * time.Second,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

// Add registers conn. initial frames are queued before the connection can
// see any broadcast.
func (cp *ConnectionPool) Add(conn wsConn, initial ...[]byte) {
	if cp == nil || conn == nil {
		return
	}
	w := &connWriter{conn: conn, ch: make(chan []byte, max(cp.sendBuffer, len(initial)+1))}
	for _, data := range initial {
		w.ch <- data
	}
	cp.mu.Lock()
	cp.conns[conn] = w
	cp.stopIdleTimerLocked()
	timeout := cp.writeTimeout
	cp.mu.Unlock()

	go cp.writeLoop(w, timeout)
}

func (cp *ConnectionPool) writeLoop(w *connWriter, timeout time.Duration) {
	for data := range w.ch {
		if timeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("owner_id", cp.ownerID).Msg("ws write failed, dropping connection")
			cp.Remove(w.conn)
			return
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	w, ok := cp.conns[conn]
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		w.stop()
	} else {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var dropped []*connWriter
	cp.mu.Lock()
	for conn, w := range cp.conns {
		select {
		case w.ch <- data:
		default:
			delete(cp.conns, conn)
			dropped = append(dropped, w)
		}
	}
	if len(dropped) > 0 {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()

	for _, w := range dropped {
		log.Warn().Str("component", "webchat").Str("owner_id", cp.ownerID).Msg("ws send buffer full, dropping connection")
		w.stop()
	}
}

// SendToOne queues data for a single connection.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) bool {
	if cp == nil || conn == nil || len(data) == 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	w, ok := cp.conns[conn]
	if !ok {
		return false
	}
	select {
	case w.ch <- data:
		return true
	default:
		return false
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	writers := make([]*connWriter, 0, len(cp.conns))
	for conn, w := range cp.conns {
		writers = append(writers, w)
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, w := range writers {
		w.stop()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
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
