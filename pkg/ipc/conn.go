package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when writing to, or calling over, a closed
// connection.
var ErrClosed = errors.New("ipc connection closed")

// ErrSlowConsumer is returned by Send when the peer has stopped reading and
// its outbound queue is full. The connection is closed at that point.
var ErrSlowConsumer = fmt.Errorf("%w: peer not reading", ErrClosed)

// DefaultSendQueue is the outbound queue depth used when ServerOptions
// leaves SendQueue at zero.
const DefaultSendQueue = 256

// Conn is one client connection. Frames are queued by Send and written by
// the connection's own writer goroutine, so a client that stops reading
// only ever stalls itself.
type Conn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration
	out          chan [][]byte
	onOverflow   func(*Conn)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConn(nc net.Conn, writeTimeout time.Duration, queue int, onOverflow func(*Conn)) *Conn {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	c := &Conn{
		id:           uuid.NewString(),
		nc:           nc,
		writeTimeout: writeTimeout,
		out:          make(chan [][]byte, queue),
		onOverflow:   onOverflow,
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// Send queues msgs to be written back to back as one unit; nothing else is
// interleaved with them. Send never blocks. When the queue is full the
// connection is closed and ErrSlowConsumer returned.
func (c *Conn) Send(msgs ...any) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		batch = append(batch, payload)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.out <- batch:
		c.mu.Unlock()
		return nil
	default:
	}
	_ = c.closeLocked()
	c.mu.Unlock()
	if c.onOverflow != nil {
		c.onOverflow(c)
	}
	return ErrSlowConsumer
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case batch := <-c.out:
			for _, payload := range batch {
				if c.writeTimeout > 0 {
					_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				}
				if err := writeFrame(c.nc, payload); err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Frames still queued are discarded. It is
// safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.nc.Close()
}
