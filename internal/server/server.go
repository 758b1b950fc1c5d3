// Package server exposes the core to observers: a websocket channel carrying
// commands and pushed notifications, plus plain HTTP views of the status and
// the metrics registry.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tiroq/recbridge/internal/bridge"
	"github.com/tiroq/recbridge/internal/diaglog"
	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	shutdownGrace           = 5 * time.Second
)

// Bridge is what the server needs from the synchronization bridge.
type Bridge interface {
	OnAttach(o bridge.Observer)
	OnDetach(o bridge.Observer)

	Start(ctx context.Context, elapsedBefore int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	ForceStop(ctx context.Context) error
	GetStatus() session.Snapshot
	GetOutputFilePath() string
}

// Options configures a Server.
type Options struct {
	Password         string
	Version          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	Logger           zerolog.Logger
	Diag             *diaglog.Logger
}

// Server serves the observer websocket and the HTTP status views.
type Server struct {
	bridge   Bridge
	opts     Options
	log      zerolog.Logger
	router   *chi.Mux
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// New builds a server relaying to b.
func New(b Bridge, opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Diag == nil {
		opts.Diag = diaglog.NewNoOp()
	}
	s := &Server{
		bridge: b,
		opts:   opts,
		log:    opts.Logger,
		conns:  make(map[*conn]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Get("/status", s.handleStatus)
	r.Get("/output", s.handleOutput)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// observer connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		<-errCh
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close drops every observer connection and waits for the handlers to exit.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "core shutting down")
	}
	s.wg.Wait()
}

// Connections returns the number of open observer connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.bridge.GetStatus())
}

func (s *Server) handleOutput(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, outputData(s.bridge.GetOutputFilePath()))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func outputData(uri string) wire.OutputFileData {
	if uri == "" {
		return wire.OutputFileData{}
	}
	return wire.OutputFileData{OutputFile: &uri}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{ws: ws, writeTimeout: s.opts.WriteTimeout, remote: r.RemoteAddr}

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(c)
	defer s.untrack(c)
	defer func() { _ = ws.Close() }()

	subscribe, err := s.handshake(c)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", c.remote).Msg("handshake failed")
		return
	}

	s.log.Info().Str("remote", c.remote).Bool("subscribe", subscribe).Msg("observer connected")
	s.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentServer,
		Event:     diaglog.EventWSConnect,
		Payload:   map[string]interface{}{"remote": c.remote, "subscribe": subscribe},
	})

	if subscribe {
		s.bridge.OnAttach(c)
		defer s.bridge.OnDetach(c)
	}

	err = s.serveRequests(r.Context(), c)

	s.log.Info().Err(err).Str("remote", c.remote).Msg("observer disconnected")
	s.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentServer,
		Event:     diaglog.EventWSDisconnect,
		Payload:   map[string]interface{}{"remote": c.remote},
	})
}

// handshake sends Hello, waits for Identify and answers Identified. It
// reports whether the connection asked for notifications.
func (s *Server) handshake(c *conn) (bool, error) {
	hello := wire.Hello{
		Version:    s.opts.Version,
		RPCVersion: wire.RPCVersion,
		Epoch:      s.bridge.GetStatus().Epoch,
	}
	if s.opts.Password != "" {
		hello.Authentication = &wire.Auth{Challenge: randomToken(), Salt: randomToken()}
	}
	msg, err := wire.Encode(wire.OpHello, hello)
	if err != nil {
		return false, err
	}
	if err := c.write(msg); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}

	if err := c.ws.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout)); err != nil {
		return false, err
	}
	var in wire.Message
	if err := c.ws.ReadJSON(&in); err != nil {
		return false, fmt.Errorf("read identify: %w", err)
	}
	if in.Op != wire.OpIdentify {
		return false, fmt.Errorf("expected identify, got op %d", in.Op)
	}
	var id wire.Identify
	if err := wire.Decode(in, &id); err != nil {
		return false, err
	}

	if id.RPCVersion != wire.RPCVersion {
		c.close(wire.CloseUnsupportedRPC, "unsupported rpc version")
		return false, fmt.Errorf("unsupported rpc version %d", id.RPCVersion)
	}
	if auth := hello.Authentication; auth != nil {
		if id.Authentication != wire.AuthResponse(s.opts.Password, auth.Salt, auth.Challenge) {
			c.close(wire.CloseAuthFailed, "authentication failed")
			return false, errors.New("authentication failed")
		}
	}
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return false, err
	}

	msg, err = wire.Encode(wire.OpIdentified, wire.Identified{NegotiatedRPCVersion: wire.RPCVersion})
	if err != nil {
		return false, err
	}
	if err := c.write(msg); err != nil {
		return false, fmt.Errorf("send identified: %w", err)
	}
	return id.Subscribe, nil
}

func (s *Server) serveRequests(ctx context.Context, c *conn) error {
	for {
		var msg wire.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if msg.Op != wire.OpRequest {
			s.log.Debug().Int("op", msg.Op).Msg("ignoring message")
			continue
		}
		var req wire.Request
		if err := wire.Decode(msg, &req); err != nil {
			s.log.Warn().Err(err).Msg("malformed request")
			continue
		}

		resp := s.dispatch(ctx, req)
		out, err := wire.Encode(wire.OpRequestResponse, resp)
		if err != nil {
			return err
		}
		if err := c.write(out); err != nil {
			return fmt.Errorf("send response: %w", err)
		}
	}
}

// dispatch runs one request against the bridge. Commands are answered once
// the core has accepted or rejected them.
func (s *Server) dispatch(ctx context.Context, req wire.Request) wire.Response {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	resp := wire.Response{RequestType: req.RequestType, RequestID: req.RequestID}
	var (
		data interface{}
		err  error
	)
	switch req.RequestType {
	case wire.RequestStart:
		var sd wire.StartData
		if len(req.RequestData) > 0 {
			if jerr := json.Unmarshal(req.RequestData, &sd); jerr != nil {
				resp.RequestStatus = wire.RequestStatus{Code: wire.CodeInvalidRequest, Comment: jerr.Error()}
				return resp
			}
		}
		err = s.bridge.Start(ctx, sd.ElapsedBeforePauseMs)
	case wire.RequestPause:
		err = s.bridge.Pause(ctx)
	case wire.RequestResume:
		err = s.bridge.Resume(ctx)
	case wire.RequestStop:
		err = s.bridge.Stop(ctx)
	case wire.RequestForceStop:
		err = s.bridge.ForceStop(ctx)
	case wire.RequestGetStatus:
		data = s.bridge.GetStatus()
	case wire.RequestGetOutputFilePath:
		data = outputData(s.bridge.GetOutputFilePath())
	default:
		resp.RequestStatus = wire.RequestStatus{
			Code:    wire.CodeUnknownRequest,
			Comment: "unknown request type " + req.RequestType,
		}
		return resp
	}

	if err != nil {
		resp.RequestStatus = wire.RequestStatus{Code: session.Code(err), Comment: err.Error()}
		return resp
	}
	resp.RequestStatus = wire.RequestStatus{Result: true, Code: session.CodeOK}
	if data != nil {
		raw, jerr := json.Marshal(data)
		if jerr != nil {
			resp.RequestStatus = wire.RequestStatus{Code: session.CodeInternal, Comment: jerr.Error()}
			return resp
		}
		resp.ResponseData = raw
	}
	return resp
}

func randomToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// conn is one observer websocket. It implements bridge.Observer.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	remote       string

	writeMu sync.Mutex
}

// Notify pushes n as an event frame.
func (c *conn) Notify(n wire.Notification) error {
	msg, err := wire.EncodeEvent(n)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *conn) write(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *conn) close(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}
