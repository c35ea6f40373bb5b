package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glancehq/glance/internal/browser"
	"github.com/glancehq/glance/internal/types"
)

type fakeChannel struct {
	mu       sync.Mutex
	sent     []any
	buffered int
	open     bool
	sendErr  error
}

func (c *fakeChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeChannel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *fakeChannel) setBuffered(n int) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) sentAt(i int) *types.FrameEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i].(*types.FrameEnvelope)
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []int
	err  error
}

func (a *fakeAcker) Ack(sessionID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, sessionID)
	return a.err
}

func (a *fakeAcker) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks)
}

func frame(i int) browser.Frame {
	return browser.Frame{Data: fmt.Sprintf("frame-%d", i), SessionID: i}
}

func TestPumpDropsOldestWhenFull(t *testing.T) {
	ch := &fakeChannel{open: false}
	acker := &fakeAcker{}
	p := NewPump("c1", ch, acker, 10, nil)

	// Channel closed for sending, so the queue only accumulates.
	for i := 0; i < 12; i++ {
		p.OnFrame(frame(i))
	}

	require.Equal(t, 10, p.Len(), "queue must be capped")
	_, dropped := p.Stats()
	assert.Equal(t, int64(2), dropped)

	// Every frame is acknowledged regardless of channel state.
	require.Eventually(t, func() bool {
		return acker.ackCount() == 12
	}, time.Second, 10*time.Millisecond, "all frames must be acked")

	// When the channel opens, the oldest surviving frame goes first.
	// The trigger frame evicts one more from the full queue.
	ch.setOpen(true)
	p.OnFrame(frame(99))
	require.Eventually(t, func() bool {
		return ch.sentCount() == 10
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, ch.sentAt(0).SessionID, "frames 0 through 2 were dropped, 3 survives")
}

func TestPumpSendsInOrder(t *testing.T) {
	ch := &fakeChannel{open: true}
	p := NewPump("c1", ch, &fakeAcker{}, 10, nil)

	for i := 0; i < 5; i++ {
		p.OnFrame(frame(i))
	}

	require.Eventually(t, func() bool {
		return ch.sentCount() == 5
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		assert.Equal(t, i, ch.sentAt(i).SessionID, "wire order must match emit order")
	}
	sent, _ := p.Stats()
	assert.Equal(t, int64(5), sent)
}

func TestPumpYieldsUnderBufferPressure(t *testing.T) {
	ch := &fakeChannel{open: true, buffered: BufferHighWatermark + 1}
	p := NewPump("c1", ch, &fakeAcker{}, 10, nil)

	p.OnFrame(frame(1))

	// Under pressure nothing is sent and the frame stays queued.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ch.sentCount())
	assert.Equal(t, 1, p.Len())

	// Pressure clears; the scheduled retry delivers the frame.
	ch.setBuffered(0)
	require.Eventually(t, func() bool {
		return ch.sentCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Len())
}

func TestPumpAlwaysAcksOnBrokenChannel(t *testing.T) {
	ch := &fakeChannel{open: true}
	acker := &fakeAcker{err: errors.New("rpc: Session closed")}

	brokenCh := make(chan struct{}, 1)
	p := NewPump("c1", ch, acker, 10, func() {
		select {
		case brokenCh <- struct{}{}:
		default:
		}
	})

	p.OnFrame(frame(7))

	assert.Equal(t, 1, acker.ackCount())
	select {
	case <-brokenCh:
	case <-time.After(time.Second):
		t.Fatal("expected onChannelBroken callback")
	}
}

func TestPumpTrimKeepsMostRecent(t *testing.T) {
	ch := &fakeChannel{open: false}
	p := NewPump("c1", ch, &fakeAcker{}, 10, nil)

	for i := 0; i < 6; i++ {
		p.OnFrame(frame(i))
	}
	require.Equal(t, 6, p.Len())

	p.Trim(2)
	assert.Equal(t, 2, p.Len())

	// The two survivors are the newest frames.
	ch.setOpen(true)
	p.OnFrame(frame(100))
	require.Eventually(t, func() bool {
		return ch.sentCount() == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, ch.sentAt(0).SessionID)
	assert.Equal(t, 5, ch.sentAt(1).SessionID)
}

func TestPumpDropAll(t *testing.T) {
	p := NewPump("c1", &fakeChannel{open: false}, &fakeAcker{}, 10, nil)
	for i := 0; i < 4; i++ {
		p.OnFrame(frame(i))
	}
	p.DropAll()
	assert.Equal(t, 0, p.Len())
	_, dropped := p.Stats()
	assert.Equal(t, int64(4), dropped)
}

func TestPumpClosedDiscardsFrames(t *testing.T) {
	ch := &fakeChannel{open: true}
	acker := &fakeAcker{}
	p := NewPump("c1", ch, acker, 10, nil)
	p.Close()

	p.OnFrame(frame(1))
	assert.Equal(t, 0, p.Len())
	// Acks still flow so the browser-side stream stays unblocked.
	assert.Equal(t, 1, acker.ackCount())
}
