package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// ErrPeerClosed is returned by Call when the session ends before a response
// arrives.
var ErrPeerClosed = errors.New("rpc peer closed")

// Handler processes one inbound request frame and returns the response frame.
// It may return nil for notifications. Handlers run on the read loop, so they
// must not block on the remote side.
type Handler func(ctx context.Context, frame *Frame) *Frame

// Peer runs one side of a duplex JSON-RPC session. Writes are serialized by a
// mutex so concurrent senders never interleave frames on the socket; each
// outstanding Call is correlated to its response by id.
type Peer struct {
	conn    *websocket.Conn
	handler Handler

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Frame
	closed  bool
}

func NewPeer(conn *websocket.Conn, handler Handler) *Peer {
	return &Peer{
		conn:    conn,
		handler: handler,
		pending: make(map[int64]chan *Frame),
	}
}

// Call sends a request and blocks until the response arrives, ctx is done, or
// the session closes. A JSON-RPC error response is returned as *Error. When
// result is non-nil the response result is unmarshaled into it.
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	id := p.nextID.Add(1)
	frame, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *Frame, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(ctx, frame); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrPeerClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a fire-and-forget request.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	frame, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.write(ctx, frame)
}

// Reply writes a response frame. Exposed for handlers that respond after
// returning (none today, but the write path must stay serialized).
func (p *Peer) Reply(ctx context.Context, frame *Frame) error {
	return p.write(ctx, frame)
}

func (p *Peer) write(ctx context.Context, v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, p.conn, v)
}

// Serve reads frames until the connection fails or ctx is done, dispatching
// requests to the handler and responses to waiting Calls. It always returns a
// non-nil error describing why the session ended, and releases every pending
// Call on the way out.
func (p *Peer) Serve(ctx context.Context) error {
	defer p.close()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, p.conn, &frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		if frame.Method != "" {
			resp := p.handler(ctx, &frame)
			if resp == nil {
				if frame.IsRequest() {
					resp = NewError(frame.ID, CodeInternalError, "no response from handler")
				} else {
					continue
				}
			}
			if frame.IsNotification() {
				continue
			}
			if err := p.write(ctx, resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			continue
		}

		id, ok := frame.IDInt64()
		if !ok {
			// Response to an id we never issued; drop it.
			continue
		}
		p.mu.Lock()
		ch := p.pending[id]
		p.mu.Unlock()
		if ch != nil {
			f := frame
			select {
			case ch <- &f:
			default:
			}
		}
	}
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// Close closes the underlying WebSocket with the given status.
func (p *Peer) Close(status websocket.StatusCode, reason string) error {
	return p.conn.Close(status, reason)
}
