// Package stream provides the per-client frame pump: a bounded FIFO of
// screencast frames drained to the client channel under backpressure.
package stream

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/browser"
	"github.com/glancehq/glance/internal/metrics"
	"github.com/glancehq/glance/internal/types"
)

// BufferHighWatermark is the outbound buffer level above which draining
// yields and retries later instead of sending.
const BufferHighWatermark = 5 * 1024 * 1024

// largeFrameWarnBytes triggers a warning for oversized single frames.
const largeFrameWarnBytes = 100 * 1024

// drainRetryDelay is how long a drain yields under buffer pressure.
const drainRetryDelay = 100 * time.Millisecond

// Channel abstracts the client-facing message channel. Send serializes
// writes; Buffered reports the approximate outbound bytes still queued.
type Channel interface {
	Send(v any) error
	Buffered() int
	IsOpen() bool
}

// Acker acknowledges screencast frames on the CDP channel.
type Acker interface {
	Ack(sessionID int) error
}

// Pump is the per-client frame queue with flow control. A slow client
// never grows memory unboundedly: the queue is capped and draining
// yields under buffer pressure. Drops are always oldest-first.
type Pump struct {
	clientID string
	ch       Channel
	cdp      Acker
	max      int

	// onChannelBroken fires when a frame ack reports a dead CDP channel.
	onChannelBroken func()

	mu        sync.Mutex
	queue     []browser.Frame
	isSending bool
	closed    bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewPump creates a pump bound to one client channel and CDP session.
func NewPump(clientID string, ch Channel, cdp Acker, queueMax int, onChannelBroken func()) *Pump {
	if queueMax < 1 {
		queueMax = 10
	}
	return &Pump{
		clientID:        clientID,
		ch:              ch,
		cdp:             cdp,
		max:             queueMax,
		onChannelBroken: onChannelBroken,
	}
}

// OnFrame enqueues a frame, dropping the oldest on overflow, schedules a
// drain, and always acknowledges the frame to CDP regardless of channel
// state. Without the ack the browser stops emitting frames entirely.
func (p *Pump) OnFrame(f browser.Frame) {
	if len(f.Data) > largeFrameWarnBytes {
		log.Warn().
			Str("client_id", p.clientID).
			Int("frame_bytes", len(f.Data)).
			Msg("Large screencast frame")
	}

	p.mu.Lock()
	if !p.closed {
		if len(p.queue) >= p.max {
			p.queue = p.queue[1:]
			p.dropped.Add(1)
			metrics.FramesDropped.Inc()
			log.Debug().
				Str("client_id", p.clientID).
				Msg("Frame queue full, dropped oldest frame")
		}
		p.queue = append(p.queue, f)
	}
	p.mu.Unlock()

	go p.drain()

	if err := p.cdp.Ack(f.SessionID); err != nil {
		if isChannelBrokenErr(err) {
			log.Warn().
				Err(err).
				Str("client_id", p.clientID).
				Msg("Frame ack failed on dead CDP channel")
			if p.onChannelBroken != nil {
				p.onChannelBroken()
			}
			return
		}
		log.Debug().
			Err(err).
			Str("client_id", p.clientID).
			Msg("Frame ack failed")
	}
}

// drain sends queued frames one at a time. The isSending guard
// serializes sends so frame order on the wire matches emit order.
func (p *Pump) drain() {
	p.mu.Lock()
	if p.isSending || p.closed {
		p.mu.Unlock()
		return
	}
	p.isSending = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.isSending = false
		p.mu.Unlock()
	}()

	for p.ch.IsOpen() {
		p.mu.Lock()
		if len(p.queue) == 0 || p.closed {
			p.mu.Unlock()
			return
		}
		frame := p.queue[0]
		p.queue = p.queue[1:]

		if p.ch.Buffered() > BufferHighWatermark {
			// Slow client: put the frame back at the head and yield.
			p.queue = append([]browser.Frame{frame}, p.queue...)
			p.mu.Unlock()
			time.AfterFunc(drainRetryDelay, p.drain)
			return
		}
		p.mu.Unlock()

		if err := p.ch.Send(types.NewFrameEnvelope(frame.Data, frame.SessionID)); err != nil {
			log.Debug().
				Err(err).
				Str("client_id", p.clientID).
				Msg("Frame send failed")
			return
		}
		p.sent.Add(1)
		metrics.FramesSent.Inc()
	}
}

// Trim keeps only the n most recent frames. Used by the memory governor
// during cleanup passes.
func (p *Pump) Trim(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if len(p.queue) > n {
		p.dropped.Add(int64(len(p.queue) - n))
		metrics.FramesDropped.Add(float64(len(p.queue) - n))
		p.queue = append([]browser.Frame(nil), p.queue[len(p.queue)-n:]...)
	}
}

// DropAll empties the queue. Used during memory emergencies.
func (p *Pump) DropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped.Add(int64(len(p.queue)))
	metrics.FramesDropped.Add(float64(len(p.queue)))
	p.queue = nil
}

// Len returns the current queue depth.
func (p *Pump) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns the lifetime sent and dropped frame counts.
func (p *Pump) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

// Close stops the pump and drops any queued frames.
func (p *Pump) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.queue = nil
}

// isChannelBrokenErr matches the CDP error strings that indicate the
// page or target behind the channel is gone.
func isChannelBrokenErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Session closed") || strings.Contains(msg, "Target closed")
}
