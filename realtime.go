package taskroom

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnState represents the realtime connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateErrored      ConnState = "errored"
)

// ErrNotConnected is returned by room operations that require a live
// connection.
var ErrNotConnected = errors.New("not connected")

// ErrRealtimeClosed is returned when operating on a torn-down client.
var ErrRealtimeClosed = errors.New("realtime client closed")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a realtime client.
type RealtimeConfig struct {
	Token string

	// MaxReconnectAttempts bounds automatic reconnection. Default 5.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed delay between attempts. Default 2s.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds connection establishment. Exceeding it is a
	// connection error, not a fatal failure. Default 20s.
	HandshakeTimeout time.Duration

	DisableReconnect bool
	// DisableFallback skips the SSE transport when the WebSocket dial fails.
	DisableFallback bool

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
}

// RoomMembership is the at-most-one project room a connection belongs to.
// It is populated only from the server's join confirmation.
type RoomMembership struct {
	ProjectID   int
	ProjectName string
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	delay       time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// nextDelay consumes one attempt from the budget. A connection that stayed
// up for a minute resets the budget.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.attempt++
	return r.delay
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// ============================================================================
// Transports
// ============================================================================

// transport is a message-based bidirectional channel. The WebSocket
// transport is primary; the SSE transport is the fallback, reading the
// event stream and sending commands over plain HTTP.
type transport interface {
	name() string
	read(ctx context.Context) ([]byte, error)
	send(ctx context.Context, data []byte) error
	close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) name() string { return "websocket" }

func (t *wsTransport) read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client teardown")
}

type sseTransport struct {
	resp    *http.Response
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	sendURL string
	token   string
	sendHC  *http.Client
}

func (t *sseTransport) name() string { return "sse" }

func (t *sseTransport) read(ctx context.Context) ([]byte, error) {
	for t.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := t.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue // separator or heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: ")), nil
		}
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// send posts the command to the companion send endpoint; the SSE stream
// itself is server-push only.
func (t *sseTransport) send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", t.sendURL, strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.sendHC.Do(req)
	if err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send command: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (t *sseTransport) close() error {
	t.cancel()
	return t.resp.Body.Close()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns exactly one live transport connection for a
// credential token and tracks the current project-room membership.
//
// All transport failures are converted to observable state (State,
// LastError) rather than raised to the caller; reconnection runs
// automatically up to the configured budget with a fixed delay.
type RealtimeClient struct {
	api        *Client
	config     *RealtimeConfig
	logger     *zap.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu           sync.Mutex
	state        ConnState
	lastError    string
	tr           transport
	room         *RoomMembership
	closed       bool
	reconnecting bool
	gen          int // connection generation; stale read loops are ignored
	cancelFn     context.CancelFunc

	metaMu         sync.RWMutex
	onConnect      func()
	onDisconnect   func(reason string)
	onConnectError func(message string)
}

func newRealtimeClient(api *Client, config *RealtimeConfig) *RealtimeClient {
	return &RealtimeClient{
		api:        api,
		config:     config,
		logger:     config.Logger,
		dispatcher: newEventDispatcher(config.Logger),
		recon:      newReconnector(config),
		state:      StateDisconnected,
	}
}

// On registers the handler for a server-pushed event kind, replacing any
// previously registered one. A nil handler unregisters.
func (rt *RealtimeClient) On(eventKind string, h EventHandler) {
	rt.dispatcher.setHandler(eventKind, h)
}

// OnConnect registers the single connected meta-callback.
func (rt *RealtimeClient) OnConnect(h func()) {
	rt.metaMu.Lock()
	rt.onConnect = h
	rt.metaMu.Unlock()
}

// OnDisconnect registers the single disconnected meta-callback.
func (rt *RealtimeClient) OnDisconnect(h func(reason string)) {
	rt.metaMu.Lock()
	rt.onDisconnect = h
	rt.metaMu.Unlock()
}

// OnConnectError registers the single connect-error meta-callback.
func (rt *RealtimeClient) OnConnectError(h func(message string)) {
	rt.metaMu.Lock()
	rt.onConnectError = h
	rt.metaMu.Unlock()
}

func (rt *RealtimeClient) emitConnect() {
	rt.metaMu.RLock()
	h := rt.onConnect
	rt.metaMu.RUnlock()
	if h != nil {
		h()
	}
}

func (rt *RealtimeClient) emitDisconnect(reason string) {
	rt.metaMu.RLock()
	h := rt.onDisconnect
	rt.metaMu.RUnlock()
	if h != nil {
		h(reason)
	}
}

func (rt *RealtimeClient) emitConnectError(message string) {
	rt.metaMu.RLock()
	h := rt.onConnectError
	rt.metaMu.RUnlock()
	if h != nil {
		h(message)
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// LastError returns the most recent transport or protocol error message.
// Cleared on successful (re)connect.
func (rt *RealtimeClient) LastError() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastError
}

// CurrentRoom returns a copy of the active room membership, or nil when no
// room is joined.
func (rt *RealtimeClient) CurrentRoom() *RoomMembership {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.room == nil {
		return nil
	}
	room := *rt.room
	return &room
}

// Connect establishes the transport connection. An empty token is a silent
// no-op: no connection is attempted. Transport failures do not propagate;
// they are recorded as LastError and drive reconnection up to the budget.
// The ctx bounds only the handshake — the connection outlives it and is
// released by Close.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	if rt.config.Token == "" {
		return nil
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return ErrRealtimeClosed
	}
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.mu.Unlock()

	// A token with a lapsed exp claim is refused locally: the server would
	// reject the handshake anyway, and the failure reads better as state.
	if info, err := ParseToken(rt.config.Token); err == nil && info.Expired() {
		rt.recordConnectError("token expired")
		return nil
	}

	if err := rt.connectOnce(ctx); err != nil {
		rt.recordConnectError(err.Error())
		rt.maybeReconnect()
	}
	return nil
}

// Close tears the connection down on every exit path: the transport is
// released, room membership is cleared, and in-flight events are discarded.
// Idempotent.
func (rt *RealtimeClient) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.gen++ // invalidate in-flight reads
	tr := rt.tr
	rt.tr = nil
	rt.room = nil
	rt.state = StateDisconnected
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	rt.mu.Unlock()

	rt.logger.Debug("realtime client closed")
	if tr != nil {
		return tr.close()
	}
	return nil
}

// JoinProject requests membership in the project's room. Only effective
// when Connected. Joining while in a different room is permitted: the
// server evicts the old membership before confirming the new one, and the
// client mirrors the confirmation. A non-positive id is dropped locally.
func (rt *RealtimeClient) JoinProject(ctx context.Context, projectID int) error {
	if projectID <= 0 {
		return nil
	}
	rt.mu.Lock()
	if rt.state != StateConnected || rt.tr == nil {
		rt.mu.Unlock()
		return ErrNotConnected
	}
	tr := rt.tr
	rt.mu.Unlock()

	return rt.sendCommand(ctx, tr, Command{
		Type:    CommandJoinProject,
		Payload: map[string]int{"projectId": projectID},
	})
}

// JoinProjectID coerces a string project id and joins. Non-numeric input
// is a silent no-op — a local guard, not a server round trip.
func (rt *RealtimeClient) JoinProjectID(ctx context.Context, projectID string) error {
	id, err := strconv.Atoi(strings.TrimSpace(projectID))
	if err != nil {
		return nil
	}
	return rt.JoinProject(ctx, id)
}

// LeaveProject vacates the current room. A no-op when no room is joined.
func (rt *RealtimeClient) LeaveProject(ctx context.Context) error {
	rt.mu.Lock()
	if rt.room == nil {
		rt.mu.Unlock()
		return nil
	}
	if rt.state != StateConnected || rt.tr == nil {
		rt.mu.Unlock()
		return ErrNotConnected
	}
	tr := rt.tr
	rt.mu.Unlock()

	return rt.sendCommand(ctx, tr, Command{Type: CommandLeaveProject})
}

func (rt *RealtimeClient) sendCommand(ctx context.Context, tr transport, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return tr.send(ctx, data)
}

// ============================================================================
// Connection lifecycle internals
// ============================================================================

func (rt *RealtimeClient) connectOnce(ctx context.Context) error {
	tr, err := rt.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		cancel()
		tr.close()
		return ErrRealtimeClosed
	}
	rt.gen++
	gen := rt.gen
	rt.tr = tr
	rt.state = StateConnected
	rt.lastError = ""
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.recon.markConnected()
	rt.logger.Info("realtime connected", zap.String("transport", tr.name()))
	rt.emitConnect()

	go rt.readLoop(loopCtx, gen, tr)
	return nil
}

func (rt *RealtimeClient) dial(ctx context.Context) (transport, error) {
	hctx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()

	wsURL := rt.api.WSURL(rt.config.Token)
	conn, _, err := websocket.Dial(hctx, wsURL, &websocket.DialOptions{
		HTTPClient: rt.config.HTTPClient,
	})
	if err == nil {
		return &wsTransport{conn: conn}, nil
	}
	if rt.config.DisableFallback {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	rt.logger.Warn("websocket dial failed, trying sse fallback", zap.Error(err))
	tr, sseErr := rt.dialSSE(hctx)
	if sseErr != nil {
		return nil, fmt.Errorf("websocket dial: %v; sse fallback: %w", err, sseErr)
	}
	return tr, nil
}

// dialSSE opens the fallback stream. The request context must outlive the
// handshake (the stream is long-lived), so the handshake timeout is raced
// against the dial instead of being attached to the request.
func (rt *RealtimeClient) dialSSE(hctx context.Context) (transport, error) {
	streamHC := *rt.config.HTTPClient
	streamHC.Timeout = 0 // a client timeout would sever the stream mid-read

	reqCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, "GET", rt.api.SSEURL(rt.config.Token), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type dialResult struct {
		resp *http.Response
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		resp, err := streamHC.Do(req)
		ch <- dialResult{resp, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, fmt.Errorf("sse connect: %w", r.err)
		}
		if r.resp.StatusCode != http.StatusOK {
			r.resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("sse connect: HTTP %d", r.resp.StatusCode)
		}
		return &sseTransport{
			resp:    r.resp,
			scanner: bufio.NewScanner(r.resp.Body),
			cancel:  cancel,
			sendURL: rt.api.BaseURL() + "/api/realtime/send",
			token:   rt.config.Token,
			sendHC:  rt.config.HTTPClient,
		}, nil
	case <-hctx.Done():
		cancel()
		return nil, fmt.Errorf("sse handshake: %w", hctx.Err())
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, gen int, tr transport) {
	for {
		data, err := tr.read(ctx)
		if err != nil {
			rt.handleDrop(gen, err)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		if !rt.handleEnvelope(gen, env) {
			return
		}
	}
}

// handleEnvelope processes one inbound event in arrival order. It reports
// false when the connection was torn down or replaced, so events already
// in flight at teardown are discarded instead of dispatched.
func (rt *RealtimeClient) handleEnvelope(gen int, env Envelope) bool {
	rt.mu.Lock()
	if rt.closed || rt.gen != gen {
		rt.mu.Unlock()
		return false
	}
	switch env.Type {
	case EventJoinedProject:
		var p JoinedProjectPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rt.room = &RoomMembership{ProjectID: p.ProjectID, ProjectName: p.ProjectName}
		}
	case EventLeftProject:
		rt.room = nil
	case EventError:
		// Protocol errors are recorded for visibility only; room and task
		// state are untouched and the connection stays up.
		var p ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rt.lastError = p.Message
		}
	}
	rt.mu.Unlock()

	if env.Type == EventError {
		rt.logger.Warn("server error event", zap.ByteString("payload", env.Payload))
	}
	rt.dispatcher.dispatch(env)
	return true
}

func (rt *RealtimeClient) handleDrop(gen int, cause error) {
	rt.mu.Lock()
	if rt.closed || rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	reason := cause.Error()
	rt.state = StateDisconnected
	rt.lastError = reason
	rt.room = nil // room context does not survive a transport drop
	if rt.tr != nil {
		rt.tr.close()
		rt.tr = nil
	}
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	rt.mu.Unlock()

	rt.logger.Warn("realtime disconnected", zap.String("reason", reason))
	rt.emitDisconnect(reason)
	rt.maybeReconnect()
}

func (rt *RealtimeClient) recordConnectError(message string) {
	rt.mu.Lock()
	rt.state = StateErrored
	rt.lastError = message
	rt.mu.Unlock()

	rt.logger.Warn("realtime connect failed", zap.String("error", message))
	rt.emitConnectError(message)
}

func (rt *RealtimeClient) maybeReconnect() {
	if rt.config.DisableReconnect || !rt.recon.shouldReconnect() {
		return
	}
	rt.mu.Lock()
	if rt.closed || rt.reconnecting {
		rt.mu.Unlock()
		return
	}
	rt.reconnecting = true
	rt.mu.Unlock()

	go rt.reconnectLoop()
}

func (rt *RealtimeClient) reconnectLoop() {
	defer func() {
		rt.mu.Lock()
		rt.reconnecting = false
		rt.mu.Unlock()
	}()

	for {
		delay := rt.recon.nextDelay()
		rt.logger.Info("scheduling reconnect",
			zap.Int("attempt", rt.recon.attempts()),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		rt.mu.Lock()
		if rt.closed || rt.state == StateConnected || rt.state == StateConnecting {
			rt.mu.Unlock()
			return
		}
		rt.state = StateConnecting
		rt.mu.Unlock()

		if err := rt.connectOnce(context.Background()); err == nil {
			return
		} else if errors.Is(err, ErrRealtimeClosed) {
			return
		} else {
			rt.recordConnectError(err.Error())
		}

		if !rt.recon.shouldReconnect() {
			rt.logger.Warn("reconnect budget exhausted")
			return
		}
	}
}
