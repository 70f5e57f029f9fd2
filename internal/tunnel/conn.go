package tunnel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/postalsys/pwnat/internal/recovery"
)

// hello is written by each peer as the first bytes of a tunnel. A tunnel
// counts as connected once the peer's hello has been read.
var hello = []byte{'p', 'w', 'n', 0x01}

// After the hello every write is a frame: a type byte, a big-endian
// payload length and the payload.
const (
	frameData  byte = 0x00
	framePing  byte = 0x01
	frameClose byte = 0x02

	frameHeader     = 3
	maxFramePayload = 16 * 1024

	// closeLinger bounds how long Close keeps flushing queued bytes and the
	// close frame before the session is torn down.
	closeLinger = 5 * time.Second
)

// kcpConn adapts a blocking KCP session to the non-blocking Conn contract.
// A reader and a writer goroutine move bytes between the session and two
// bounded buffers; Recv and Send only touch the buffers.
type kcpConn struct {
	handle    Handle
	localPort uint16
	sess      *kcp.UDPSession
	peer      *peerConn
	transport *KCPTransport
	limit     int
	keepAlive time.Duration
	idle      time.Duration

	mu        sync.Mutex
	connected bool
	err       error
	rbuf      []byte
	wbuf      []byte

	// readSpace is signalled when Recv frees room; writeData when Send
	// queues bytes.
	readSpace chan struct{}
	writeData chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// frame is the encode buffer, owned by writeLoop.
	frame []byte
}

func newKCPConn(t *KCPTransport, h Handle, sess *kcp.UDPSession, peer *peerConn, localPort uint16) *kcpConn {
	return &kcpConn{
		handle:    h,
		localPort: localPort,
		sess:      sess,
		peer:      peer,
		transport: t,
		limit:     t.cfg.BufferSize,
		keepAlive: t.cfg.KeepAlive,
		idle:      t.cfg.IdleTimeout,
		readSpace: make(chan struct{}, 1),
		writeData: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (c *kcpConn) Handle() Handle    { return c.handle }
func (c *kcpConn) LocalPort() uint16 { return c.localPort }

func (c *kcpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *kcpConn) Recv(b []byte) (int, error) {
	c.mu.Lock()
	if len(c.rbuf) == 0 {
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, ErrWouldBlock
	}
	n := copy(b, c.rbuf)
	c.rbuf = c.rbuf[n:]
	if len(c.rbuf) == 0 {
		c.rbuf = nil
	}
	c.mu.Unlock()

	signal(c.readSpace)
	return n, nil
}

func (c *kcpConn) Send(b []byte) (int, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	space := c.limit - len(c.wbuf)
	if !c.connected || space <= 0 {
		c.mu.Unlock()
		return 0, ErrWouldBlock
	}
	n := min(space, len(b))
	c.wbuf = append(c.wbuf, b[:n]...)
	c.mu.Unlock()

	signal(c.writeData)
	return n, nil
}

// Close fails the connection locally. Queued bytes and a close frame are
// still flushed to the peer for up to closeLinger.
func (c *kcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		c.sess.SetWriteDeadline(time.Now().Add(closeLinger))
		close(c.done)
		c.transport.forget(c.handle)
	})
	return nil
}

// readable and writable are evaluated by the poller.
func (c *kcpConn) readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rbuf) > 0 || c.err != nil
}

func (c *kcpConn) writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil || (c.connected && len(c.wbuf) < c.limit)
}

// start writes the hello and launches the I/O goroutines.
func (c *kcpConn) start(timeout time.Duration) {
	go c.readLoop(timeout)
	go c.writeLoop()
}

func (c *kcpConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.transport.changed()
}

func (c *kcpConn) readLoop(timeout time.Duration) {
	defer recovery.RecoverWithCallback(c.transport.logger, "tunnel.conn.read", func(interface{}) {
		c.fail(ErrClosed)
	})

	if err := c.handshake(timeout); err != nil {
		c.fail(err)
		return
	}

	hdr := make([]byte, frameHeader)
	buf := make([]byte, maxFramePayload)
	for {
		if !c.waitReadSpace() {
			return
		}

		c.sess.SetReadDeadline(time.Now().Add(c.idle))
		if _, err := io.ReadFull(c.sess, hdr); err != nil {
			c.fail(receiveError(err))
			return
		}
		n := int(binary.BigEndian.Uint16(hdr[1:]))
		if n > maxFramePayload {
			c.fail(fmt.Errorf("%w: %d byte payload", ErrBadFrame, n))
			return
		}
		if _, err := io.ReadFull(c.sess, buf[:n]); err != nil {
			c.fail(receiveError(err))
			return
		}

		switch hdr[0] {
		case frameData:
			c.mu.Lock()
			c.rbuf = append(c.rbuf, buf[:n]...)
			c.mu.Unlock()
			c.transport.changed()
		case framePing:
		case frameClose:
			c.fail(io.EOF)
			return
		default:
			c.fail(fmt.Errorf("%w: type %#x", ErrBadFrame, hdr[0]))
			return
		}
	}
}

func receiveError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
		return ErrPeerTimeout
	}
	return fmt.Errorf("tunnel receive: %w", err)
}

func (c *kcpConn) handshake(timeout time.Duration) error {
	if _, err := c.sess.Write(hello); err != nil {
		return fmt.Errorf("tunnel hello: %w", err)
	}

	c.sess.SetReadDeadline(time.Now().Add(timeout))
	got := make([]byte, len(hello))
	if _, err := io.ReadFull(c.sess, got); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("tunnel hello: %w", err)
	}
	c.sess.SetReadDeadline(time.Time{})

	if !bytes.Equal(got, hello) {
		return fmt.Errorf("%w: %x", ErrBadHello, got)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.transport.changed()
	return nil
}

// waitReadSpace blocks while the receive buffer is full.
func (c *kcpConn) waitReadSpace() bool {
	for {
		c.mu.Lock()
		full := len(c.rbuf) >= c.limit
		c.mu.Unlock()
		if !full {
			return true
		}
		select {
		case <-c.readSpace:
		case <-c.done:
			return false
		}
	}
}

func (c *kcpConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// writeLoop owns every write after the hello and tears the session down
// once the connection is closed.
func (c *kcpConn) writeLoop() {
	defer recovery.RecoverWithCallback(c.transport.logger, "tunnel.conn.write", func(interface{}) {
		c.fail(ErrClosed)
	})
	defer c.teardown()

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-c.writeData:
			err = c.flush()
		case <-ticker.C:
			if c.isConnected() {
				err = c.writeFrame(framePing, nil)
			}
		case <-c.done:
			if c.isConnected() && c.flush() == nil {
				c.writeFrame(frameClose, nil)
			}
			return
		}
		if err != nil {
			c.fail(fmt.Errorf("tunnel send: %w", err))
			<-c.done
			return
		}
	}
}

// flush writes the send buffer as data frames.
func (c *kcpConn) flush() error {
	for {
		c.mu.Lock()
		chunk := c.wbuf
		c.mu.Unlock()
		if len(chunk) == 0 {
			return nil
		}
		chunk = chunk[:min(len(chunk), maxFramePayload)]

		if err := c.writeFrame(frameData, chunk); err != nil {
			return err
		}

		c.mu.Lock()
		c.wbuf = c.wbuf[len(chunk):]
		if len(c.wbuf) == 0 {
			c.wbuf = nil
		}
		c.mu.Unlock()
		c.transport.changed()
	}
}

// writeFrame sends one frame with a single session write, so frames from
// the loop never interleave.
func (c *kcpConn) writeFrame(typ byte, payload []byte) error {
	c.frame = append(c.frame[:0], typ, 0, 0)
	binary.BigEndian.PutUint16(c.frame[1:], uint16(len(payload)))
	c.frame = append(c.frame, payload...)
	_, err := c.sess.Write(c.frame)
	return err
}

func (c *kcpConn) teardown() {
	c.sess.Close()
	c.peer.Close()
}

// signal performs a non-blocking send on a one-slot channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
