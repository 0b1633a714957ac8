package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lfsm "github.com/looplab/fsm"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/registry"
	"github.com/zorz/ultra-ecp-sub000/internal/router"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 1 << 20
)

// Connection authentication states and the events that move between them.
// A connection that leaves pending never returns to it.
const (
	statePending       = "pending"
	stateAuthenticated = "authenticated"
	stateRejected      = "rejected"

	eventAuthenticate = "authenticate"
	eventReject       = "reject"
)

// Client is one ECP connection: the socket, its authentication state
// machine, and its workspace association. All per-connection state is owned
// by the run goroutine; the read and write pumps only touch the channels.
type Client struct {
	ID        string
	sessionID string

	srv  *Server
	conn *websocket.Conn
	auth *lfsm.FSM
	log  *logger.Logger

	// send carries pre-marshaled outbound frames to the write pump.
	send chan []byte
	// inbound carries raw frames from the read pump to the run loop.
	inbound chan []byte

	globalSub *broadcast.Subscription

	// timeMu guards the timestamps, which are read from other goroutines
	// for diagnostics.
	timeMu       sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time

	// Owned by the run goroutine.
	workspaceID string
	wsSub       *broadcast.Subscription

	stopChan chan struct{}
	stopOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, authed bool) *Client {
	initial := statePending
	if authed {
		initial = stateAuthenticated
	}

	id := "cli_" + randomHex(8)
	now := time.Now()
	c := &Client{
		ID:           id,
		sessionID:    "sess_" + randomHex(8),
		srv:          s,
		conn:         conn,
		log:          logger.Global().WithScope("client:" + id),
		send:         make(chan []byte, 256),
		inbound:      make(chan []byte, 16),
		globalSub:    s.notifier.Subscribe(),
		connectedAt:  now,
		lastActivity: now,
		stopChan:     make(chan struct{}),
	}

	c.auth = lfsm.NewFSM(
		initial,
		lfsm.Events{
			{Name: eventAuthenticate, Src: []string{statePending}, Dst: stateAuthenticated},
			{Name: eventReject, Src: []string{statePending}, Dst: stateRejected},
		},
		lfsm.Callbacks{},
	)

	return c
}

// Stop tears the connection down. Safe to call from any goroutine through
// the server's client map; the run loop performs the actual cleanup.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.conn.Close()
}

func (c *Client) authenticated() bool {
	return c.auth.Is(stateAuthenticated)
}

// ConnectedAt returns when the connection was accepted.
func (c *Client) ConnectedAt() time.Time {
	c.timeMu.Lock()
	defer c.timeMu.Unlock()
	return c.connectedAt
}

// LastActivity returns when the connection last processed a frame.
func (c *Client) LastActivity() time.Time {
	c.timeMu.Lock()
	defer c.timeMu.Unlock()
	return c.lastActivity
}

func (c *Client) touch() {
	c.timeMu.Lock()
	c.lastActivity = time.Now()
	c.timeMu.Unlock()
}

// run is the connection's multiplexing loop. It serializes, on a single
// goroutine, the four event sources of a connection: inbound frames, global
// notifications, workspace notifications, and the handshake deadline.
// Requests are dispatched inline, so per-connection state needs no locking.
func (c *Client) run() {
	defer c.cleanup()

	var timerC <-chan time.Time
	if !c.authenticated() {
		timer := time.NewTimer(time.Duration(c.srv.cfg.Auth.HandshakeTimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timerC = timer.C

		c.sendNotification(ecp.NewNotification(ecp.MethodAuthRequired, ecp.AuthRequiredParams{
			ServerVersion: c.srv.version,
			Timeout:       int64(c.srv.cfg.Auth.HandshakeTimeoutMs),
		}))
	} else {
		c.welcome()
	}

	globalC := c.globalSub.C()

	for {
		var wsC <-chan *ecp.Notification
		if c.wsSub != nil {
			wsC = c.wsSub.C()
		}

		select {
		case data, ok := <-c.inbound:
			if !ok {
				return
			}
			c.handleFrame(data)
			if c.auth.Is(stateRejected) {
				return
			}
			if c.authenticated() {
				timerC = nil
			}

		case n, ok := <-globalC:
			if !ok {
				globalC = nil
				continue
			}
			if c.authenticated() {
				c.sendNotification(n)
			}

		case n, ok := <-wsC:
			if !ok {
				c.wsSub = nil
				continue
			}
			c.sendNotification(n)

		case <-timerC:
			c.log.Warn("Handshake deadline expired")
			c.sendResponse(ecp.NewErrorResponse(nil,
				ecp.NewError(ecp.CodeHandshakeTimeout, "handshake not completed in time")))
			_ = c.auth.Event(context.Background(), eventReject)
			return

		case <-c.stopChan:
			return
		}
	}
}

// cleanup releases the connection's resources. Closing send lets the write
// pump drain any final frame, emit a close frame, and close the socket,
// which in turn unblocks the read pump.
func (c *Client) cleanup() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.globalSub.Close()
	if c.wsSub != nil {
		c.wsSub.Close()
		c.wsSub = nil
	}
	close(c.send)
	c.srv.removeClient(c)
}

// handleFrame parses and dispatches one inbound frame.
func (c *Client) handleFrame(data []byte) {
	c.touch()

	var req ecp.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendResponse(ecp.NewErrorResponse(nil,
			ecp.NewError(ecp.CodeParseError, "parse error: %s", err.Error())))
		return
	}

	if req.JSONRPC != ecp.Version || req.Method == "" {
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeInvalidRequest, "invalid request frame")))
		return
	}

	if !c.authenticated() {
		if req.Method == ecp.MethodAuthHandshake {
			c.handleHandshake(&req)
			return
		}
		// Notifications from unauthenticated peers are dropped silently.
		if !req.IsNotification() {
			c.sendResponse(ecp.NewErrorResponse(req.ID,
				ecp.NewError(ecp.CodeNotAuthenticated, "authentication required")))
		}
		return
	}

	if req.Method == ecp.MethodAuthHandshake {
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeInvalidRequest, "connection already authenticated")))
		return
	}

	rc := &router.RequestContext{
		ClientID:    c.ID,
		WorkspaceID: c.workspaceID,
		WorkspaceOpened: func(ws *registry.Workspace, sub *broadcast.Subscription) {
			if c.wsSub != nil {
				c.wsSub.Close()
			}
			c.wsSub = sub
			c.workspaceID = ws.ID
		},
		WorkspaceClosed: func() {
			if c.wsSub != nil {
				c.wsSub.Close()
				c.wsSub = nil
			}
			c.workspaceID = ""
		},
	}

	result, err := c.srv.router.Handle(context.Background(), req.Method, req.Params, rc)

	if req.IsNotification() {
		if err != nil {
			c.log.Debug("Notification %s failed: %v", req.Method, err)
		}
		return
	}

	if err != nil {
		c.sendResponse(ecp.NewErrorResponse(req.ID, ecp.AsError(err)))
		return
	}
	c.sendResponse(ecp.NewResponse(req.ID, result))
}

// handleHandshake validates the shared secret and completes or rejects the
// connection. Invalid credentials are terminal.
func (c *Client) handleHandshake(req *ecp.Request) {
	var params ecp.HandshakeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendResponse(ecp.NewErrorResponse(req.ID,
				ecp.InvalidParams("malformed handshake params: %s", err.Error())))
			return
		}
	}

	if !c.srv.validateToken(params.Token) {
		c.log.Warn("Handshake rejected: invalid token")
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeInvalidToken, "invalid authentication token")))
		_ = c.auth.Event(context.Background(), eventReject)
		return
	}

	if err := c.auth.Event(context.Background(), eventAuthenticate); err != nil {
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeConnectionRejected, "connection cannot authenticate")))
		return
	}

	if params.Client != nil {
		c.log.Info("Authenticated client %s (%s %s)", c.ID, params.Client.Name, params.Client.Version)
	} else {
		c.log.Info("Authenticated client %s", c.ID)
	}

	c.sendResponse(ecp.NewResponse(req.ID, ecp.HandshakeResult{
		ClientID:        c.ID,
		SessionID:       c.sessionID,
		ServerVersion:   c.srv.version,
		WorkspaceRoot:   c.defaultWorkspaceRoot(),
		CertFingerprint: c.srv.certFingerprint,
	}))
	c.welcome()
}

// welcome announces the connection is ready and attaches the default
// workspace's notification stream, when one is configured.
func (c *Client) welcome() {
	if id := c.srv.defaultWorkspaceID; id != "" && c.wsSub == nil {
		if ws, ok := c.srv.registry.Get(id); ok {
			c.wsSub = ws.Notifier.Subscribe()
		}
	}

	c.sendNotification(ecp.NewNotification(ecp.MethodServerConnected, ecp.ConnectedParams{
		ClientID:      c.ID,
		ServerVersion: c.srv.version,
		WorkspaceRoot: c.defaultWorkspaceRoot(),
	}))
}

func (c *Client) defaultWorkspaceRoot() string {
	if id := c.srv.defaultWorkspaceID; id != "" {
		if ws, ok := c.srv.registry.Get(id); ok {
			return ws.Path
		}
	}
	return ""
}

// sendResponse queues a response frame for the write pump. Every processed
// request gets exactly one correlated response, so a full buffer blocks
// until the write pump drains it or the connection is torn down.
func (c *Client) sendResponse(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Failed to marshal frame: %v", err)
		return
	}

	select {
	case c.send <- data:
	case <-c.stopChan:
		c.log.Debug("Connection stopped before response could be queued")
	}
}

// sendNotification queues a push frame. Notification delivery is lossy: a
// stalled connection has the frame dropped rather than blocking the run
// loop.
func (c *Client) sendNotification(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Failed to marshal frame: %v", err)
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("Send buffer full, dropping notification")
	}
}

// readPump pumps frames from the WebSocket into the run loop.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.inbound)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error: %v", err)
			}
			return
		}

		select {
		case c.inbound <- message:
		case <-c.stopChan:
			return
		}
	}
}

// writePump pumps outbound frames to the WebSocket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("Failed to write frame: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func randomHex(n int) string {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("rand.Read failed: %v", err))
	}
	return hex.EncodeToString(bytes)
}
