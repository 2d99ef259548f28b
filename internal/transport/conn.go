// Package transport provides the outbound side of a gateway connection: a queued writer
// that tracks buffered bytes against low/high watermarks and exposes the resulting
// writability signal so readers on the other side of the proxy can pause.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/buffer"
)

var (
	// ErrClosed is returned by writes after the connection was closed locally
	ErrClosed = errors.New("transport: connection closed")

	// ErrWriteBufferFull is returned when a write would exceed MaxPending
	ErrWriteBufferFull = errors.New("transport: write buffer full")
)

// Options configures a Conn
type Options struct {
	// WriteTimeout bounds each socket write (0 disables)
	WriteTimeout time.Duration

	// LowWatermark and HighWatermark bound the queued bytes. The connection becomes
	// unwritable when pending bytes exceed HighWatermark and writable again once they
	// drop to LowWatermark. HighWatermark 0 disables tracking.
	LowWatermark  int
	HighWatermark int

	// MaxPending is a hard cap on queued bytes; 0 means 4x HighWatermark
	MaxPending int

	// IdleWrite fires OnIdleWrite after this long without a socket write (0 disables)
	IdleWrite   time.Duration
	OnIdleWrite func(c *Conn)

	// OnWritabilityChanged is called outside the lock whenever writability flips
	OnWritabilityChanged func(writable bool)
}

// Conn wraps a net.Conn with a FIFO write queue drained by a dedicated goroutine.
// Write never blocks on the socket, so callers on other connections' goroutines
// are not stalled by a slow peer.
type Conn struct {
	conn net.Conn
	opts Options

	mu         sync.Mutex
	queue      [][]byte
	pending    int
	writable   bool
	writableCh chan struct{} // closed while writable
	err        error

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	bytesOut atomic.Int64
}

// New starts the writer goroutine for conn
func New(conn net.Conn, opts Options) *Conn {
	if opts.MaxPending == 0 && opts.HighWatermark > 0 {
		opts.MaxPending = 4 * opts.HighWatermark
	}
	if opts.LowWatermark > opts.HighWatermark {
		opts.LowWatermark = opts.HighWatermark
	}
	ch := make(chan struct{})
	close(ch)
	c := &Conn{
		conn:       conn,
		opts:       opts,
		writable:   true,
		writableCh: ch,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Write queues frame for sending and takes ownership of it.
// Frames with buffer.Size capacity are recycled into the buffer pool once written.
func (c *Conn) Write(frame []byte) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	if c.opts.MaxPending > 0 && c.pending+len(frame) > c.opts.MaxPending {
		c.mu.Unlock()
		return ErrWriteBufferFull
	}
	c.queue = append(c.queue, frame)
	c.pending += len(frame)
	changed := false
	if c.writable && c.opts.HighWatermark > 0 && c.pending > c.opts.HighWatermark {
		c.writable = false
		c.writableCh = make(chan struct{})
		changed = true
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	if changed && c.opts.OnWritabilityChanged != nil {
		c.opts.OnWritabilityChanged(false)
	}
	return nil
}

// Writable reports whether pending bytes are below the high watermark
func (c *Conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable
}

// Pending returns the number of queued bytes not yet written to the socket
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// BytesOut returns the number of bytes written to the socket
func (c *Conn) BytesOut() int64 {
	return c.bytesOut.Load()
}

// WaitWritable blocks until the connection is writable, closed, or ctx is done
func (c *Conn) WaitWritable(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return err
		}
		if c.writable {
			c.mu.Unlock()
			return nil
		}
		ch := c.writableCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the connection, or nil while open
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and drops queued frames. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.queue = nil
		c.pending = 0
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Conn) writeLoop() {
	var idleC <-chan time.Time
	var idle *time.Timer
	if c.opts.IdleWrite > 0 {
		idle = time.NewTimer(c.opts.IdleWrite)
		idleC = idle.C
		defer idle.Stop()
	}

	var batch [][]byte
	for {
		select {
		case <-c.done:
			return
		case <-idleC:
			if c.opts.OnIdleWrite != nil {
				c.opts.OnIdleWrite(c)
			}
			idle.Reset(c.opts.IdleWrite)
			continue
		case <-c.wake:
		}

		c.mu.Lock()
		batch, c.queue = c.queue, batch[:0]
		c.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		total := 0
		bufs := make(net.Buffers, len(batch))
		for i, frame := range batch {
			bufs[i] = frame
			total += len(frame)
		}
		if c.opts.WriteTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		}
		n, err := bufs.WriteTo(c.conn)
		c.bytesOut.Add(n)
		for i := range batch {
			buffer.Put(batch[i])
			batch[i] = nil
		}
		if err != nil {
			c.closeWithError(err)
			return
		}
		c.release(total)

		if idle != nil {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.opts.IdleWrite)
		}
	}
}

// release accounts for written bytes and restores writability at the low watermark
func (c *Conn) release(n int) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.pending -= n
	changed := false
	if !c.writable && c.pending <= c.opts.LowWatermark {
		c.writable = true
		close(c.writableCh)
		changed = true
	}
	c.mu.Unlock()

	if changed && c.opts.OnWritabilityChanged != nil {
		c.opts.OnWritabilityChanged(true)
	}
}
