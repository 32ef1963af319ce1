package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crdtsync/crdtsync/internal/logging"
)

var log = logging.New("transport")

// tcpDialer is a client-side Transport that dials addr and automatically
// redials with exponential backoff whenever the connection drops, per
// dialTCP/TryConnectTCP's dial-with-timeout pattern.
type tcpDialer struct {
	addr    string
	dialTO  time.Duration
	h       Handlers
	cancel  context.CancelFunc
	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

// NewDialer returns a Transport that connects to addr over TCP, redialing
// with exponential backoff on disconnect.
func NewDialer(addr string) Transport {
	return &tcpDialer{addr: addr, dialTO: 10 * time.Second}
}

func (t *tcpDialer) Setup(ctx context.Context, h Handlers) error {
	t.h = h
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
	return nil
}

func (t *tcpDialer) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; the caller owns ctx cancellation

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", t.addr, t.dialTO)
		if err != nil {
			wait := bo.NextBackOff()
			log.Warnf("dial %s failed: %v, retrying in %s", t.addr, err, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		if t.h.OnOpen != nil {
			t.h.OnOpen()
		}

		readErr := readFrames(conn, t.h.OnMessage)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()

		if t.h.OnClose != nil {
			t.h.OnClose(readErr)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (t *tcpDialer) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected to %s", t.addr)
	}
	return writeFrame(&t.writeMu, conn, data)
}

func (t *tcpDialer) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *tcpDialer) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// connTransport wraps a single already-accepted net.Conn, e.g. a server's
// per-client connection. It never redials; once the connection drops it
// stays closed and IsReady reports false.
type connTransport struct {
	conn    net.Conn
	h       Handlers
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewFromConn wraps an already-established connection, such as one handed
// to an Accept loop, as a Transport.
func NewFromConn(conn net.Conn) Transport {
	return &connTransport{conn: conn}
}

func (t *connTransport) Setup(ctx context.Context, h Handlers) error {
	t.h = h
	if t.h.OnOpen != nil {
		t.h.OnOpen()
	}
	go func() {
		err := readFrames(t.conn, t.h.OnMessage)
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		if t.h.OnClose != nil {
			t.h.OnClose(err)
		}
	}()
	return nil
}

func (t *connTransport) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("transport: connection closed")
	}
	return writeFrame(&t.writeMu, t.conn, data)
}

func (t *connTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *connTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// readFrames reads newline-delimited frames from conn until it errors or
// closes, calling onMessage for each with the trailing newline stripped.
func readFrames(conn net.Conn, onMessage func([]byte)) error {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if n := len(line); n > 0 && line[n-1] == '\n' && onMessage != nil {
			onMessage(line[:n-1])
		}
		if err != nil {
			return err
		}
	}
}

// writeFrame writes data followed by a newline, serialized against
// concurrent writers on the same connection.
func writeFrame(mu *sync.Mutex, conn net.Conn, data []byte) error {
	mu.Lock()
	defer mu.Unlock()
	w := bufio.NewWriter(conn)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("transport: write newline: %w", err)
	}
	return w.Flush()
}

// Listen starts a TCP listener on addr and invokes onAccept with a
// Transport for each inbound connection, until ctx is done.
func Listen(ctx context.Context, addr string, onAccept func(Transport)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		onAccept(NewFromConn(conn))
	}
}
