package ws

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberline/statesync/internal/transport"
)

// Client is the observer-side websocket endpoint. It dials the hub, sends
// its token in the first frame, and then receives replication actions and
// serves request/response traffic until closed.
type Client struct {
	ws *websocket.Conn

	// writeMu serializes frame writes; gorilla connections support one
	// concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	push     func(transport.Action)
	calls    map[string]func(ctx context.Context, args []any) (any, error)
	pending  map[uint64]chan frame
	nextCall uint64
	closed   bool
}

// Dial connects to a hub and authenticates as the entity the token names.
// The read loop starts immediately; register the push handler with OnPush
// before the owner starts replicating.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(frame{Type: frameAuth, Token: token}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth frame: %w", err)
	}
	ws.SetWriteDeadline(time.Time{})

	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan frame),
	}
	go c.readLoop()
	return c, nil
}

// OnPush registers the handler for inbound replication actions. Actions
// arriving before registration are dropped.
func (c *Client) OnPush(handler func(transport.Action)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push = handler
}

// OnCall registers a handler for owner-originated calls.
func (c *Client) OnCall(verb string, handler func(ctx context.Context, args []any) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]func(ctx context.Context, args []any) (any, error))
	}
	c.calls[verb] = handler
}

// Request performs an observer-to-owner round trip.
func (c *Client) Request(ctx context.Context, verb string, args ...any) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.nextCall++
	callID := c.nextCall
	ch := make(chan frame, 1)
	c.pending[callID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(frame{Type: frameRequest, ID: callID, Verb: verb, Args: args}); err != nil {
		return nil, fmt.Errorf("send request %s: %w", verb, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed during request %s", verb)
		}
		if f.Error != "" {
			return nil, fmt.Errorf("request %s: %s", verb, f.Error)
		}
		return f.Result, nil
	}
}

// Close tears down the connection. In-flight requests fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	return c.ws.Close()
}

// serveCall answers one owner-originated call with the registered handler.
func (c *Client) serveCall(f frame) {
	c.mu.Lock()
	handler := c.calls[f.Verb]
	c.mu.Unlock()

	response := frame{Type: frameResponse, ID: f.ID}
	if handler == nil {
		response.Error = fmt.Sprintf("unknown verb %q", f.Verb)
	} else if result, err := handler(context.Background(), f.Args); err != nil {
		response.Error = err.Error()
	} else {
		response.Result = result
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.writeFrame(response); err != nil {
		log.Printf("send call response verb=%s err=%v", f.Verb, err)
	}
}

func (c *Client) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer c.ws.SetWriteDeadline(time.Time{})
	return c.ws.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Printf("hub read: %v", err)
			}
			return
		}
		switch f.Type {
		case frameAction:
			action, err := decodeAction(f.Action)
			if err != nil {
				log.Printf("decode replicated action: %v", err)
				continue
			}
			c.mu.Lock()
			push := c.push
			c.mu.Unlock()
			if push != nil {
				push(action)
			}
		case frameRequest:
			go c.serveCall(f)
		case frameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		default:
			log.Printf("unexpected frame type %q from hub", f.Type)
		}
	}
}
