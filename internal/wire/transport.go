package wire

import (
	"context"
	"io"
	"sync"

	"nhooyr.io/websocket"
)

// Transport is the connection abstraction every session and every sync
// engine talks to: send one frame, receive one frame, close. Mirrors the
// shape of a plain request/response client but stays open across many
// exchanges, since SynXpo's protocol is a long-lived stream, not one call
// per round trip.
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Recv(ctx context.Context) (Frame, error)
	Close() error
}

// StreamTransport carries length-delimited frames over any io.ReadWriteCloser
// (a TCP conn, a pipe in tests). Writes are serialized: StreamSession and
// SyncEngine may push frames from more than one goroutine (a reply path and
// a fan-out push path), and a torn write would corrupt the length prefix.
type StreamTransport struct {
	rwc io.ReadWriteCloser

	writeMu sync.Mutex
}

// NewStreamTransport wraps rwc as a Transport using the length-delimited
// codec.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rwc: rwc}
}

func (t *StreamTransport) Send(ctx context.Context, f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	done := make(chan error, 1)
	go func() { done <- WriteLengthDelimited(t.rwc, f) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StreamTransport) Recv(ctx context.Context) (Frame, error) {
	type result struct {
		f   Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := ReadLengthDelimited(t.rwc)
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		return r.f, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *StreamTransport) Close() error {
	return t.rwc.Close()
}

// WebSocketTransport carries one frame per websocket message, relying on
// the protocol's own message framing instead of a redundant length prefix.
// This is the transport cmd/synxpo-server and cmd/synxpo-client actually
// dial in production.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an already-accepted or already-dialed
// websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(maxFrameSize)
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Send(ctx context.Context, f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	body, err := marshalFrame(f)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, body)
}

func (t *WebSocketTransport) Recv(ctx context.Context) (Frame, error) {
	_, body, err := t.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return unmarshalFrame(body)
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "closing")
}
