// Package observer is the transient side of the bridge: a websocket client
// that issues commands to the core and receives its notifications, and a
// Mirror that folds those notifications into a local view.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tiroq/recbridge/internal/diaglog"
	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
)

// ErrNotConnected is returned by requests issued while no session with the
// core is established.
var ErrNotConnected = errors.New("observer: not connected")

const (
	defaultRequestTimeout    = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 60 * time.Second
)

// Options configures a Client.
type Options struct {
	Password string
	// Subscribe asks the core to push notifications to this client.
	Subscribe         bool
	Reconnect         bool
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            zerolog.Logger
	Diag              *diaglog.Logger
}

// Client talks to one core over its websocket endpoint.
type Client struct {
	url  string
	opts Options
	log  zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	hello     wire.Hello

	writeMu   sync.Mutex
	requestID atomic.Uint64

	respMu    sync.Mutex
	responses map[string]chan wire.Response

	handlerMu      sync.RWMutex
	onNotification func(wire.Notification)
	onDisconnected func()
	onReconnected  func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a client for the core at url (ws://host:port/ws).
func NewClient(url string, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if opts.Diag == nil {
		opts.Diag = diaglog.NewNoOp()
	}
	return &Client{
		url:       url,
		opts:      opts,
		log:       opts.Logger,
		responses: make(map[string]chan wire.Response),
		stopCh:    make(chan struct{}),
	}
}

// Connect dials the core and completes the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	if c.connected {
		c.mu.RUnlock()
		return errors.New("observer: already connected")
	}
	c.mu.RUnlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.url, err)
	}
	hello, err := c.identify(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.connected = true
	c.hello = hello
	c.mu.Unlock()

	c.log.Debug().Str("url", c.url).Str("epoch", hello.Epoch).Msg("connected to core")
	c.trace(diaglog.EventWSConnect, map[string]interface{}{"url": c.url, "core_version": hello.Version})

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// identify runs the Hello/Identify/Identified exchange on a fresh conn.
func (c *Client) identify(conn *websocket.Conn) (wire.Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var msg wire.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return wire.Hello{}, fmt.Errorf("waiting for hello: %w", err)
	}
	if msg.Op != wire.OpHello {
		return wire.Hello{}, fmt.Errorf("expected hello, got op %d", msg.Op)
	}
	var hello wire.Hello
	if err := wire.Decode(msg, &hello); err != nil {
		return wire.Hello{}, err
	}

	id := wire.Identify{RPCVersion: wire.RPCVersion, Subscribe: c.opts.Subscribe}
	if hello.Authentication != nil {
		id.Authentication = wire.AuthResponse(c.opts.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	out, err := wire.Encode(wire.OpIdentify, id)
	if err != nil {
		return wire.Hello{}, err
	}
	if err := conn.WriteJSON(out); err != nil {
		return wire.Hello{}, fmt.Errorf("send identify: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == wire.CloseAuthFailed {
			return wire.Hello{}, errors.New("observer: authentication failed")
		}
		return wire.Hello{}, fmt.Errorf("waiting for identified: %w", err)
	}
	if msg.Op != wire.OpIdentified {
		return wire.Hello{}, fmt.Errorf("expected identified, got op %d", msg.Op)
	}
	return hello, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.lost(conn, err)
			return
		}
		switch msg.Op {
		case wire.OpEvent:
			var ev wire.Event
			if err := wire.Decode(msg, &ev); err != nil {
				c.log.Warn().Err(err).Msg("malformed event")
				continue
			}
			n, err := wire.DecodeEvent(ev)
			if err != nil {
				c.log.Warn().Err(err).Msg("malformed notification")
				continue
			}
			c.handlerMu.RLock()
			h := c.onNotification
			c.handlerMu.RUnlock()
			if h != nil {
				h(n)
			}
		case wire.OpRequestResponse:
			var resp wire.Response
			if err := wire.Decode(msg, &resp); err != nil {
				c.log.Warn().Err(err).Msg("malformed response")
				continue
			}
			c.respMu.Lock()
			ch, ok := c.responses[resp.RequestID]
			delete(c.responses, resp.RequestID)
			c.respMu.Unlock()
			if ok {
				ch <- resp
			}
		}
	}
}

// lost tears down conn after a read failure and starts reconnecting when
// enabled.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	_ = conn.Close()
	if !current {
		return
	}

	c.failPending()
	c.log.Debug().Err(err).Msg("connection to core lost")
	c.trace(diaglog.EventWSDisconnect, map[string]interface{}{"url": c.url})

	c.handlerMu.RLock()
	h := c.onDisconnected
	c.handlerMu.RUnlock()
	if h != nil {
		h()
	}

	if c.opts.Reconnect && !c.stopped() {
		c.wg.Add(1)
		go c.reconnect()
	}
}

func (c *Client) failPending() {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	for id, ch := range c.responses {
		close(ch)
		delete(c.responses, id)
	}
}

// reconnect retries Connect with exponential backoff and jitter. It never
// issues commands on its own: a reconnected subscriber is brought up to date
// by the core's attach push.
func (c *Client) reconnect() {
	defer c.wg.Done()
	delay := c.opts.ReconnectDelay
	for attempt := 1; ; attempt++ {
		t := time.NewTimer(delay)
		select {
		case <-c.stopCh:
			t.Stop()
			return
		case <-t.C:
		}

		c.trace(diaglog.EventWSReconnect, map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()})
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.log.Info().Int("attempt", attempt).Msg("reconnected to core")
			c.handlerMu.RLock()
			h := c.onReconnected
			c.handlerMu.RUnlock()
			if h != nil {
				h()
			}
			return
		}
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")

		delay = nextDelay(delay, c.opts.ReconnectDelay, c.opts.MaxReconnectDelay)
	}
}

// nextDelay doubles d up to ceil and adds ±10% jitter, never going below floor.
func nextDelay(d, floor, ceil time.Duration) time.Duration {
	d *= 2
	if d > ceil {
		d = ceil
	}
	jitter := time.Duration(float64(d) * 0.2 * (rand.Float64() - 0.5))
	d += jitter
	if d < floor {
		d = floor
	}
	return d
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Disconnect closes the connection, stops reconnecting and waits for the
// client's goroutines to exit.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
}

// IsConnected reports whether the handshake with the core is complete.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Epoch returns the core process epoch announced in the last Hello.
func (c *Client) Epoch() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello.Epoch
}

// OnNotification registers the handler for pushed notifications. It runs
// on the read goroutine and must not block.
func (c *Client) OnNotification(h func(wire.Notification)) {
	c.handlerMu.Lock()
	c.onNotification = h
	c.handlerMu.Unlock()
}

// OnDisconnected registers a callback for a lost connection.
func (c *Client) OnDisconnected(h func()) {
	c.handlerMu.Lock()
	c.onDisconnected = h
	c.handlerMu.Unlock()
}

// OnReconnected registers a callback for a successful automatic reconnect.
func (c *Client) OnReconnected(h func()) {
	c.handlerMu.Lock()
	c.onReconnected = h
	c.handlerMu.Unlock()
}

func (c *Client) trace(event string, payload map[string]interface{}) {
	c.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentObserver,
		Event:     event,
		Payload:   payload,
	})
}

// send issues one request and waits for its response. A failed request is
// turned back into the core's error so errors.Is works on it.
func (c *Client) send(ctx context.Context, requestType string, data interface{}) (wire.Response, error) {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return wire.Response{}, ErrNotConnected
	}

	req := wire.Request{
		RequestType: requestType,
		RequestID:   strconv.FormatUint(c.requestID.Add(1), 10),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return wire.Response{}, err
		}
		req.RequestData = raw
	}
	msg, err := wire.Encode(wire.OpRequest, req)
	if err != nil {
		return wire.Response{}, err
	}

	ch := make(chan wire.Response, 1)
	c.respMu.Lock()
	c.responses[req.RequestID] = ch
	c.respMu.Unlock()
	defer func() {
		c.respMu.Lock()
		delete(c.responses, req.RequestID)
		c.respMu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return wire.Response{}, fmt.Errorf("send %s: %w", requestType, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, ErrNotConnected
		}
		if !resp.RequestStatus.Result {
			return resp, session.FromCode(resp.RequestStatus.Code, resp.RequestStatus.Comment)
		}
		return resp, nil
	case <-timer.C:
		return wire.Response{}, fmt.Errorf("request %s timed out after %s", requestType, c.opts.RequestTimeout)
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

// Start begins a recording, seeding elapsed with elapsedBeforeMs.
func (c *Client) Start(ctx context.Context, elapsedBeforeMs int64) error {
	_, err := c.send(ctx, wire.RequestStart, wire.StartData{ElapsedBeforePauseMs: elapsedBeforeMs})
	return err
}

// Pause pauses the current recording.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.send(ctx, wire.RequestPause, nil)
	return err
}

// Resume resumes a paused recording.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.send(ctx, wire.RequestResume, nil)
	return err
}

// Stop asks the core to finish the recording. The outcome arrives later as
// a completion or error notification.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.send(ctx, wire.RequestStop, nil)
	return err
}

// ForceStop resets the core session to idle.
func (c *Client) ForceStop(ctx context.Context) error {
	_, err := c.send(ctx, wire.RequestForceStop, nil)
	return err
}

// GetStatus fetches the authoritative snapshot.
func (c *Client) GetStatus(ctx context.Context) (session.Snapshot, error) {
	resp, err := c.send(ctx, wire.RequestGetStatus, nil)
	if err != nil {
		return session.Snapshot{}, err
	}
	var s session.Snapshot
	if err := json.Unmarshal(resp.ResponseData, &s); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// GetOutputFilePath returns the canonical URI of the verified artifact, or
// "" when none exists.
func (c *Client) GetOutputFilePath(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, wire.RequestGetOutputFilePath, nil)
	if err != nil {
		return "", err
	}
	var data wire.OutputFileData
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return "", fmt.Errorf("decode output path: %w", err)
	}
	if data.OutputFile == nil {
		return "", nil
	}
	return *data.OutputFile, nil
}
