package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberline/statesync/internal/transport"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second

	// outboundBuffer bounds the per-connection send queue. A full queue
	// drops the connection; the observer reconnects and re-fetches.
	outboundBuffer = 256
)

// Hub is the owner-side websocket endpoint. Observers dial in over HTTP,
// authenticate with a signed token in their first frame, and are then
// addressable by the entity the token names. One connection per entity; a
// newer connection supersedes the old one.
type Hub struct {
	secret   []byte
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        map[string]*hubConn
	handlers     map[string]transport.RequestHandler
	nextCall     uint64
	onConnect    func(entityID string)
	onDisconnect func(entityID string)
}

type hubConn struct {
	entityID string
	ws       *websocket.Conn
	outbound chan frame

	mu      sync.Mutex
	pending map[uint64]chan frame
	closed  bool
}

// NewHub creates a hub that verifies observer tokens with secret.
func NewHub(secret []byte) *Hub {
	return &Hub{
		secret:   secret,
		conns:    make(map[string]*hubConn),
		handlers: make(map[string]transport.RequestHandler),
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade observer connection: %v", err)
		return
	}

	entityID, err := h.authenticate(ws)
	if err != nil {
		log.Printf("authenticate observer: %v", err)
		ws.Close()
		return
	}

	conn := &hubConn{
		entityID: entityID,
		ws:       ws,
		outbound: make(chan frame, outboundBuffer),
		pending:  make(map[uint64]chan frame),
	}
	h.register(conn)
	defer h.unregister(conn)

	go conn.writeLoop()
	h.readLoop(r.Context(), conn)
}

// authenticate reads the mandatory first frame and verifies its token.
func (h *Hub) authenticate(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(authTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var f frame
	if err := ws.ReadJSON(&f); err != nil {
		return "", fmt.Errorf("read auth frame: %w", err)
	}
	if f.Type != frameAuth {
		return "", fmt.Errorf("first frame is %q, want auth", f.Type)
	}
	return verifyToken(h.secret, f.Token)
}

// OnConnect registers a callback invoked when an entity's observer
// authenticates. A superseding reconnect fires it again for the same
// entity.
func (h *Hub) OnConnect(fn func(entityID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// OnDisconnect registers a callback invoked when an entity's observer
// drops. A superseded connection does not fire it; the entity is still
// connected through its replacement.
func (h *Hub) OnDisconnect(fn func(entityID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

func (h *Hub) register(conn *hubConn) {
	h.mu.Lock()
	prev := h.conns[conn.entityID]
	h.conns[conn.entityID] = conn
	onConnect := h.onConnect
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	log.Printf("observer connected entity=%s", conn.entityID)
	if onConnect != nil {
		onConnect(conn.entityID)
	}
}

func (h *Hub) unregister(conn *hubConn) {
	h.mu.Lock()
	owned := h.conns[conn.entityID] == conn
	if owned {
		delete(h.conns, conn.entityID)
	}
	onDisconnect := h.onDisconnect
	h.mu.Unlock()
	conn.close()
	if !owned {
		return
	}
	log.Printf("observer disconnected entity=%s", conn.entityID)
	if onDisconnect != nil {
		onDisconnect(conn.entityID)
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *hubConn) {
	for {
		var f frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("observer read entity=%s err=%v", conn.entityID, err)
			}
			return
		}
		switch f.Type {
		case frameRequest:
			go h.serveRequest(ctx, conn, f)
		case frameResponse:
			conn.resolve(f)
		default:
			log.Printf("unexpected frame type %q entity=%s", f.Type, conn.entityID)
		}
	}
}

// serveRequest dispatches one observer request to its registered handler
// and sends the response frame back over the same connection.
func (h *Hub) serveRequest(ctx context.Context, conn *hubConn, f frame) {
	h.mu.Lock()
	handler := h.handlers[f.Verb]
	h.mu.Unlock()

	response := frame{Type: frameResponse, ID: f.ID}
	if handler == nil {
		response.Error = fmt.Sprintf("unknown verb %q", f.Verb)
	} else if result, err := handler(ctx, conn.entityID, f.Args); err != nil {
		response.Error = err.Error()
	} else {
		response.Result = result
	}
	if err := conn.send(response); err != nil {
		log.Printf("send response entity=%s verb=%s err=%v", conn.entityID, f.Verb, err)
	}
}

// Push sends one replication action to the entity's observer. An entity
// with no live connection drops the action; the observer resynchronizes by
// fetching after it reconnects.
func (h *Hub) Push(ctx context.Context, entityID string, action transport.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	conn := h.conns[entityID]
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.send(frame{Type: frameAction, Action: encodeAction(action)})
}

// Call performs an owner-to-observer round trip.
func (h *Hub) Call(ctx context.Context, entityID, verb string, args ...any) (any, error) {
	h.mu.Lock()
	conn := h.conns[entityID]
	h.nextCall++
	callID := h.nextCall
	h.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("no observer connection for entity %s", entityID)
	}

	ch := conn.await(callID)
	defer conn.forget(callID)
	if err := conn.send(frame{Type: frameRequest, ID: callID, Verb: verb, Args: args}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("observer connection for entity %s closed", entityID)
		}
		if f.Error != "" {
			return nil, fmt.Errorf("call %s: %s", verb, f.Error)
		}
		return f.Result, nil
	}
}

// OnRequest registers the handler for an observer-originated verb.
func (h *Hub) OnRequest(verb string, handler transport.RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[verb] = handler
}

// Connected reports whether the entity has a live observer connection.
func (h *Hub) Connected(entityID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[entityID] != nil
}

// send enqueues one frame. The mutex is held across the channel send so
// close never races a concurrent enqueue.
func (c *hubConn) send(f frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection for entity %s is closed", c.entityID)
	}
	select {
	case c.outbound <- f:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		// A stalled reader has filled the queue; cut it loose.
		c.close()
		return fmt.Errorf("outbound queue full for entity %s", c.entityID)
	}
}

func (c *hubConn) writeLoop() {
	for f := range c.outbound {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(f); err != nil {
			log.Printf("write entity=%s err=%v", c.entityID, err)
			c.close()
			return
		}
	}
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.ws.Close()
}

func (c *hubConn) await(callID uint64) chan frame {
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[callID] = ch
	c.mu.Unlock()
	return ch
}

func (c *hubConn) forget(callID uint64) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}

func (c *hubConn) resolve(f frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ch != nil {
		ch <- f
	}
}

func (c *hubConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan frame)
	close(c.outbound)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}
