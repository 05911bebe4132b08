package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/auth"
	"github.com/SkynetNext/ws-gateway/internal/directory"
	"github.com/SkynetNext/ws-gateway/internal/metrics"
	"github.com/SkynetNext/ws-gateway/internal/middleware"
	"github.com/SkynetNext/ws-gateway/internal/registry"
	"github.com/SkynetNext/ws-gateway/internal/store"
)

// connState is the lifecycle state of one WebSocket connection
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateStopped
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Messages carried by the 401 frame sent before an authentication failure closes the socket
const (
	msgTokenInvalid       = "Token validation failed"
	msgInvalidResponse    = "Invalid response from auth server"
	msgAuthServerError    = "Auth server error"
	msgInvalidApp         = "Invalid app_id"
	msgSessionUnavailable = "Session registration failed"
)

// event is anything the connection loop reacts to besides outbound deliveries
type event interface {
	connEvent()
}

// authResult ends the Authenticating state
type authResult struct {
	userID  string
	err     error
	reason  string // metrics label
	message string // text of the 401 frame
}

// clientFrame is one text frame read from the socket
type clientFrame struct {
	data []byte
}

// shutdown stops the loop. A non-zero code is sent as a close frame.
type shutdown struct {
	code    int
	outcome string
	err     error
}

func (authResult) connEvent()  {}
func (clientFrame) connEvent() {}
func (shutdown) connEvent()    {}

// controlMessage is the structured form a client frame may take
type controlMessage struct {
	Code     *int            `json:"code"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
}

// authOutcome is what the auth goroutine did to shared state. It is written
// before authDone is closed and read by stop after that.
type authOutcome struct {
	userID     string
	registered bool
	attaching  bool
}

// Conn is the actor owning one WebSocket connection. Its loop is the only
// writer to the socket; the read pump and the auth goroutine talk to it
// through events, the router through Deliver.
type Conn struct {
	id         string
	appID      string
	token      string
	userID     string
	remoteAddr string

	gw  *Gateway
	ws  *websocket.Conn
	log *zap.Logger

	writeTimeout  time.Duration
	pongTimeout   time.Duration
	pingInterval  time.Duration
	pendingFrames int
	maxMessage    int64

	events chan event
	send   chan string
	done   chan struct{}
	state  atomic.Int32

	ctx      context.Context
	cancel   context.CancelFunc
	authDone chan struct{}
	auth     authOutcome

	pending  [][]byte
	opened   time.Time
	bytesOut int64
	outcome  string
	closeErr error
}

func newConn(gw *Gateway, ws *websocket.Conn, id, appID, token, userID, remoteAddr string) *Conn {
	cfg := gw.cfg.Current()
	c := &Conn{
		id:            id,
		appID:         appID,
		token:         token,
		userID:        userID,
		remoteAddr:    remoteAddr,
		gw:            gw,
		ws:            ws,
		writeTimeout:  cfg.WebSocket.WriteTimeout,
		pongTimeout:   cfg.WebSocket.PongTimeout,
		pingInterval:  cfg.WebSocket.PingInterval,
		pendingFrames: cfg.WebSocket.PendingFrames,
		maxMessage:    int64(cfg.Security.MaxMessageSize),
		events:        make(chan event, 8),
		send:          make(chan string, cfg.WebSocket.SendQueueSize),
		done:          make(chan struct{}),
		opened:        time.Now(),
	}
	c.log = gw.log.With(
		zap.String("conn_id", id),
		zap.String("app_id", appID),
		zap.String("user_id", userID),
		zap.String("remote_addr", remoteAddr),
	)
	return c
}

// ID returns the connection id
func (c *Conn) ID() string {
	return c.id
}

// Deliver queues msg for the socket without blocking
func (c *Conn) Deliver(msg string) error {
	select {
	case <-c.done:
		return registry.ErrHandleClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return registry.ErrBackpressure
	}
}

func (c *Conn) getState() connState {
	return connState(c.state.Load())
}

func (c *Conn) setState(s connState) {
	prev := connState(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

// run drives the connection until it stops. It blocks the calling goroutine.
func (c *Conn) run(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(parent)
	defer c.stop()

	if c.userID == "" {
		c.outcome = "missing_user_id"
		c.closeWith(websocket.ClosePolicyViolation, "user_id is required")
		return
	}

	c.setState(stateAuthenticating)
	c.authDone = make(chan struct{})
	go c.readPump()
	go c.authenticate()

	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-c.events:
			if !c.handle(ev) {
				return
			}
		case msg := <-c.send:
			if !c.deliver(msg) {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.outcome, c.closeErr = "write_error", err
				return
			}
		case <-parent.Done():
			c.outcome = "shutdown"
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (c *Conn) handle(ev event) bool {
	switch e := ev.(type) {
	case authResult:
		return c.onAuth(e)
	case clientFrame:
		return c.onFrame(e.data)
	case shutdown:
		c.outcome, c.closeErr = e.outcome, e.err
		if e.code != 0 {
			c.closeWith(e.code, "")
		}
		return false
	}
	return true
}

func (c *Conn) onAuth(res authResult) bool {
	if res.err != nil {
		metrics.AuthFailures.WithLabelValues(res.reason).Inc()
		c.log.Info("authentication failed",
			zap.String("reason", res.reason),
			zap.Error(res.err))
		c.outcome, c.closeErr = "auth_failed", res.err
		c.sendFailure(res.message)
		c.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return false
	}

	c.setState(stateActive)
	c.log.Info("connection authenticated", zap.String("auth_user_id", res.userID))

	pending := c.pending
	c.pending = nil
	for _, frame := range pending {
		if !c.onFrame(frame) {
			return false
		}
	}
	return true
}

// onFrame handles one client text frame. Frames arriving before
// authentication completes are held back.
func (c *Conn) onFrame(data []byte) bool {
	if c.getState() == stateAuthenticating {
		if len(c.pending) >= c.pendingFrames {
			metrics.IncDropped("pending_overflow")
			return true
		}
		c.pending = append(c.pending, data)
		return true
	}

	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Code == nil {
		return c.writeText(string(data))
	}

	if *msg.Code == 401 {
		c.outcome = "client_unauthorized"
		c.closeWith(websocket.CloseNormalClosure, "")
		return false
	}

	if msg.ClientID != "" {
		if !c.gw.router.SendToConnection(msg.ClientID, string(data)) {
			c.log.Debug("private message target not connected", zap.String("target", msg.ClientID))
		}
		return true
	}

	return c.writeText(string(data))
}

// deliver writes a routed message. A 401 payload closes the connection instead.
func (c *Conn) deliver(msg string) bool {
	if isUnauthorized(msg) {
		c.outcome = "server_unauthorized"
		c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return false
	}
	return c.writeText(msg)
}

func isUnauthorized(msg string) bool {
	var v struct {
		Code *int `json:"code"`
	}
	if err := json.Unmarshal([]byte(msg), &v); err != nil || v.Code == nil {
		return false
	}
	return *v.Code == 401
}

// authenticate resolves the application, verifies the token and records the
// connection in the registry and the session directory
func (c *Conn) authenticate() {
	defer close(c.authDone)
	c.emit(c.verify())
}

func (c *Conn) verify() authResult {
	ctx := c.ctx

	app, err := c.gw.apps.Application(ctx, c.appID)
	if err != nil {
		if errors.Is(err, store.ErrApplicationNotFound) {
			return authResult{err: err, reason: "invalid_app", message: msgInvalidApp}
		}
		return authResult{err: err, reason: "app_lookup", message: msgAuthServerError}
	}

	userID, err := c.gw.callback.Verify(ctx, app.AuthURL, c.token, app.Token)
	switch {
	case errors.Is(err, auth.ErrRejected):
		return authResult{err: err, reason: "rejected", message: msgTokenInvalid}
	case errors.Is(err, auth.ErrMalformedResponse):
		return authResult{err: err, reason: "malformed_response", message: msgInvalidResponse}
	case err != nil:
		return authResult{err: err, reason: "callback_error", message: msgAuthServerError}
	}

	if err := ctx.Err(); err != nil {
		return authResult{err: err, reason: "cancelled", message: msgAuthServerError}
	}
	if userID != c.userID {
		c.log.Info("auth server vouched for a different user", zap.String("auth_user_id", userID))
	}

	c.gw.registry.Register(c.id, c)
	metrics.ActiveConnections.Inc()
	c.auth.registered = true
	c.auth.userID = userID

	c.auth.attaching = true
	if _, err := c.gw.directory.Attach(ctx, c.appID, userID, c.location(), c.gw.registry.Exists); err != nil {
		return authResult{err: err, reason: "directory", message: msgSessionUnavailable}
	}
	return authResult{userID: userID}
}

func (c *Conn) location() directory.NodeLocation {
	return directory.NodeLocation{IP: c.gw.selfIP, Port: c.gw.selfPort, ConnectionID: c.id}
}

// readPump reads frames until the socket fails and turns them into events
func (c *Conn) readPump() {
	c.ws.SetReadLimit(c.maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			outcome := "read_error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				outcome, err = "client_closed", nil
			}
			c.emit(shutdown{outcome: outcome, err: err})
			return
		}
		if messageType != websocket.TextMessage {
			c.emit(shutdown{code: websocket.CloseUnsupportedData, outcome: "unsupported_frame"})
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
		if !c.emit(clientFrame{data: data}) {
			return
		}
	}
}

// emit hands ev to the loop unless the connection has already stopped
func (c *Conn) emit(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) writeText(text string) bool {
	if err := c.write(websocket.TextMessage, []byte(text)); err != nil {
		c.outcome, c.closeErr = "write_error", err
		return false
	}
	c.bytesOut += int64(len(text))
	return true
}

func (c *Conn) sendFailure(message string) {
	frame, _ := json.Marshal(controlMessage{Code: intPtr(401), Message: message})
	c.writeText(string(frame))
}

func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
}

// stop releases everything the connection holds. Directory failures are
// logged and otherwise ignored.
func (c *Conn) stop() {
	c.setState(stateClosing)
	close(c.done)
	c.cancel()
	if c.authDone != nil {
		<-c.authDone
	}

	if c.auth.registered {
		c.gw.registry.Unregister(c.id)
		metrics.ActiveConnections.Dec()
	}
	if c.auth.attaching {
		ctx, cancel := context.WithTimeout(context.Background(), c.gw.cfg.Current().Directory.DetachTimeout)
		if err := c.gw.directory.Detach(ctx, c.appID, c.auth.userID, c.location()); err != nil {
			c.log.Warn("failed to detach session", zap.Error(err))
		}
		cancel()
	}

	_ = c.ws.Close()
	c.setState(stateStopped)

	entry := &middleware.AccessLogEntry{
		Kind:       "ws",
		RemoteAddr: c.remoteAddr,
		ConnID:     c.id,
		AppID:      c.appID,
		UserID:     c.userID,
		DurationMs: time.Since(c.opened).Milliseconds(),
		BytesOut:   c.bytesOut,
		Outcome:    c.outcome,
	}
	if c.closeErr != nil {
		entry.Error = c.closeErr.Error()
	}
	middleware.LogAccess(context.Background(), entry)
}

func intPtr(v int) *int {
	return &v
}
