package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/types"
)

// outboundQueueSize caps the per-client outbound message queue.
const outboundQueueSize = 256

// writeDeadline bounds a single WebSocket write.
const writeDeadline = 10 * time.Second

// wsChannel is the per-client outbound channel. A single writer
// goroutine owns the socket; Send marshals and enqueues so callers
// never touch the connection concurrently. Buffered tracks bytes
// accepted but not yet written, which is the backpressure signal the
// frame pump and pinger read.
type wsChannel struct {
	conn *websocket.Conn

	out      chan []byte
	buffered atomic.Int64
	closed   atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	ch := &wsChannel{
		conn: conn,
		out:  make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.writeLoop()
	return ch
}

// Send marshals v and enqueues it for the writer goroutine.
func (ch *wsChannel) Send(v any) error {
	if ch.closed.Load() {
		return types.ErrChannelClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ch.buffered.Add(int64(len(data)))
	select {
	case ch.out <- data:
		return nil
	case <-ch.done:
		ch.buffered.Add(-int64(len(data)))
		return types.ErrChannelClosed
	}
}

// Buffered returns the approximate outbound bytes not yet written.
func (ch *wsChannel) Buffered() int {
	return int(ch.buffered.Load())
}

// IsOpen reports whether the channel still accepts messages.
func (ch *wsChannel) IsOpen() bool {
	return !ch.closed.Load()
}

// Ping sends a WebSocket ping control frame.
func (ch *wsChannel) Ping() error {
	if ch.closed.Load() {
		return types.ErrChannelClosed
	}
	return ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

func (ch *wsChannel) writeLoop() {
	defer ch.wg.Done()
	for {
		select {
		case data := <-ch.out:
			_ = ch.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := ch.conn.WriteMessage(websocket.TextMessage, data)
			ch.buffered.Add(-int64(len(data)))
			if err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed, closing channel")
				ch.markClosed()
				return
			}
		case <-ch.done:
			return
		}
	}
}

func (ch *wsChannel) markClosed() {
	ch.once.Do(func() {
		ch.closed.Store(true)
		close(ch.done)
	})
}

// Close shuts the channel down and closes the socket.
func (ch *wsChannel) Close() {
	ch.markClosed()
	_ = ch.conn.Close()
	ch.wg.Wait()
}
