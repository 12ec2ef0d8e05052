package transfer

import (
	"io"
	"sync"

	"github.com/sheerbytes/instadrop/pkg/protocol"
)

// fakeChannel records what an engine sends and lets a test script the peer.
type fakeChannel struct {
	mu        sync.Mutex
	open      bool
	controls  []protocol.ChannelMessage
	chunks    [][]byte
	buffered  uint64
	low       chan struct{}
	closed    int
	onControl func(protocol.ChannelMessage)
	onChunk   func([]byte)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{open: true, low: make(chan struct{}, 1)}
}

func (c *fakeChannel) SendControl(msg protocol.ChannelMessage) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return io.ErrClosedPipe
	}
	c.controls = append(c.controls, msg)
	fn := c.onControl
	c.mu.Unlock()
	if fn != nil {
		go fn(msg)
	}
	return nil
}

func (c *fakeChannel) SendChunk(data []byte) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return io.ErrClosedPipe
	}
	buf := append([]byte(nil), data...)
	c.chunks = append(c.chunks, buf)
	fn := c.onChunk
	c.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) setBuffered(n uint64) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *fakeChannel) BufferedLow() <-chan struct{} { return c.low }

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.open = false
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) controlTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.controls))
	for _, m := range c.controls {
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeChannel) received() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	return out
}

func (c *fakeChannel) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}
