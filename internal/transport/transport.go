// Package transport provides the reliable, ordered, duplex byte pipe that
// internal/peersync exchanges sync protocol messages over. It does not know
// about sync protocol message shapes; it moves newline-delimited frames,
// and its dialing Transport reconnects when the underlying connection drops.
//
// Grounded on internal/rpc/client.go and internal/rpc/transport_unix.go:
// net.Dial/net.Listen plus bufio.Reader/Writer around a newline-delimited
// JSON frame, the same framing this codebase already uses for its local
// control-plane RPC.
package transport

import "context"

// Handlers are invoked by a Transport as frames and lifecycle events occur.
// All three are optional; a nil handler is simply not called.
type Handlers struct {
	// OnMessage is called once per received frame, in the order received.
	OnMessage func(data []byte)
	// OnOpen is called each time a connection is established, including
	// reconnects after a drop.
	OnOpen func()
	// OnClose is called when the connection drops, before a reconnect
	// attempt begins.
	OnClose func(err error)
}

// Transport is a reliable, ordered, duplex pipe between two sync peers.
// A NewDialer transport reconnects on its own after a drop, and callers only
// see OnOpen/OnClose lifecycle notifications, not individual dial attempts;
// a NewFromConn transport does not reconnect once its connection drops.
type Transport interface {
	// Setup registers the handlers and starts the connection (and any
	// background reconnect loop). Setup must be called before Send.
	Setup(ctx context.Context, h Handlers) error

	// Send writes one frame. It is safe to call concurrently with itself
	// and with the background read loop, but not before Setup.
	Send(data []byte) error

	// IsReady reports whether a connection is currently established.
	IsReady() bool

	// Close shuts the transport down and stops any reconnect loop.
	Close() error
}
