package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
)

// viewer owns the write side of one connection. Only its run goroutine
// writes to conn while it is alive, which keeps per-viewer order FIFO.
type viewer struct {
	id        string
	conn      Conn
	clock     clockwork.Clock
	send      chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	onFailure func(Conn, error)
}

func newViewer(id string, conn Conn, buffer int, clock clockwork.Clock, onFailure func(Conn, error)) *viewer {
	return &viewer{
		id:        id,
		conn:      conn,
		clock:     clock,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
}

func (v *viewer) start() {
	v.wg.Add(1)
	go v.run()
}

func (v *viewer) run() {
	ticker := v.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	var failure error
	defer func() {
		v.wg.Done()
		if failure != nil && !v.stopped() {
			v.onFailure(v.conn, failure)
		}
	}()

	for {
		select {
		case msg := <-v.send:
			v.updateWriteDeadline()
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				failure = err
				return
			}
		case <-ticker.Chan():
			v.updateWriteDeadline()
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failure = err
				return
			}
		case <-v.done:
			return
		}
	}
}

func (v *viewer) stopped() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

func (v *viewer) stop() {
	v.stopOnce.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
	v.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing
func (v *viewer) stopGraceful(reason string) {
	v.stopOnce.Do(func() {
		close(v.done)
		// The close frame must not race the run goroutine's writes
		v.wg.Wait()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		v.updateWriteDeadline()
		_ = v.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = v.conn.Close()
	})
	v.wg.Wait()
}

func (v *viewer) updateWriteDeadline() {
	_ = v.conn.SetWriteDeadline(v.clock.Now().Add(writeDeadline))
}
