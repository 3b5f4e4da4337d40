package rpc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/ratelimit"
)

const (
	// MaxRequestSize is the maximum size of a request in bytes (1MB).
	MaxRequestSize = 1024 * 1024

	// ReadTimeout is how long an idle connection waits for the next request.
	ReadTimeout = 10 * time.Second

	// WriteTimeout is the timeout for writing responses.
	WriteTimeout = 10 * time.Second

	// HandlerTimeout bounds a single handler call.
	HandlerTimeout = 30 * time.Second

	// DefaultMaxConnections is used when ServerConfig.MaxConnections is zero.
	DefaultMaxConnections = 100
)

// Networks the server listens on.
const (
	networkUnix = "unix"
	networkTCP  = "tcp"
)

// Handler is a function that handles an RPC request.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// Server serves the hopguard RPC methods on a Unix socket and/or TCP.
// Unix socket clients are trusted; TCP clients must call "auth" first when
// an auth token is configured.
type Server struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners map[string]net.Listener
	token     []byte
	maxConns  int
	limiter   *ratelimit.KeyedLimiter
	connSeq   atomic.Uint64
	cancel    context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// UnixSocketPath is the path to the Unix socket.
	UnixSocketPath string
	// TCPAddress is the TCP address to listen on (optional).
	TCPAddress string
	// AuthFile is the path to the auth token file.
	AuthFile string
	// MaxConnections is the maximum concurrent connections (0 = default of 100).
	MaxConnections int
	// RateLimit is the sustained requests per second allowed per client,
	// 0 disables rate limiting. TCP clients are keyed by host, Unix socket
	// clients by connection.
	RateLimit float64
	// RateBurst is the request burst allowed per client (0 = 1).
	RateBurst int
}

// NewServer creates a new RPC server. The auth token is loaded from
// cfg.AuthFile, or generated there if the file does not exist yet.
func NewServer(cfg ServerConfig) (*Server, error) {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	s := &Server{
		handlers:  make(map[string]Handler),
		listeners: make(map[string]net.Listener),
		maxConns:  maxConns,
	}
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewKeyed(cfg.RateLimit, cfg.RateBurst, 0)
	}
	if cfg.AuthFile != "" {
		token, err := loadOrCreateToken(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		s.token = token
	}
	return s, nil
}

// RegisterHandler registers a handler for an RPC method.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterHandlers registers multiple handlers at once.
func (s *Server) RegisterHandlers(handlers map[string]Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for method, handler := range handlers {
		s.handlers[method] = handler
	}
}

// Start binds the configured listeners and serves connections until ctx is
// done or Stop is called. At least one of cfg.UnixSocketPath and
// cfg.TCPAddress must be set; only those two fields of cfg are used.
func (s *Server) Start(ctx context.Context, cfg ServerConfig) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("rpc server already running: %w", apperrors.ErrInvalidState)
	}
	if cfg.UnixSocketPath == "" && cfg.TCPAddress == "" {
		s.mu.Unlock()
		return fmt.Errorf("rpc: no listeners configured: %w", apperrors.ErrConfiguration)
	}
	s.running = true
	s.mu.Unlock()

	bound := make(map[string]net.Listener, 2)
	for network, address := range map[string]string{networkUnix: cfg.UnixSocketPath, networkTCP: cfg.TCPAddress} {
		if address == "" {
			continue
		}
		ln, err := listen(network, address)
		if err != nil {
			for _, l := range bound {
				l.Close()
			}
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return err
		}
		bound[network] = netutil.LimitListener(ln, s.maxConns)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listeners = bound
	s.cancel = cancel
	s.mu.Unlock()

	for network, ln := range bound {
		log.WithField("network", network).WithField("address", ln.Addr().String()).Info("RPC server listening")
		s.wg.Add(1)
		go s.serve(ctx, ln, network)
	}
	return nil
}

// listen binds one listener. A stale Unix socket is removed first and the
// new one is restricted to the owner.
func listen(network, address string) (net.Listener, error) {
	if network != networkUnix {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", network, err)
		}
		return ln, nil
	}

	os.Remove(address)
	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	ln, err := net.Listen(networkUnix, address)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(address, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// serve accepts connections until the listener is closed. The limit
// listener keeps at most maxConns connections open.
func (s *Server) serve(ctx context.Context, ln net.Listener, network string) {
	defer s.wg.Done()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).WithField("network", network).Error("accept error")
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, network)
		}()
	}
}

// session is the server side of one client connection.
type session struct {
	conn    net.Conn
	reader  *bufio.Reader
	network string
	// client keys the rate limit bucket
	client        string
	authenticated bool
}

func (s *Server) newSession(conn net.Conn, network string) *session {
	ss := &session{
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, 64*1024),
		network:       network,
		authenticated: s.token == nil,
	}
	if network == networkTCP {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			ss.client = networkTCP + ":" + host
		}
	}
	if ss.client == "" {
		ss.client = network + ":" + strconv.FormatUint(s.connSeq.Add(1), 10)
	}
	return ss
}

// trusted reports whether the session may call methods other than "auth".
func (ss *session) trusted() bool {
	return ss.authenticated || ss.network != networkTCP
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, network string) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	ss := s.newSession(conn, network)
	if s.limiter != nil && network == networkUnix {
		defer s.limiter.Forget(ss.client)
	}
	log.WithField("client", ss.client).WithField("remote", conn.RemoteAddr().String()).Debug("new connection")

	for ctx.Err() == nil {
		req, err := ss.read()
		if err != nil {
			return
		}
		if req == nil {
			continue
		}
		ss.write(s.respond(ctx, ss, req))
	}
}

// read returns the next request. Malformed requests are answered here and
// reported as a nil request; a non-nil error ends the session.
func (ss *session) read() (*Request, error) {
	if err := ss.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		log.WithError(err).WithField("client", ss.client).Warn("failed to set read deadline")
	}

	line, err := ss.reader.ReadBytes('\n')
	if err != nil {
		if err != io.EOF && !errors.Is(err, net.ErrClosed) {
			log.WithError(err).WithField("client", ss.client).Debug("read error")
		}
		return nil, err
	}
	if len(line) > MaxRequestSize {
		ss.write(NewErrorResponse(nil, NewError(ErrCodeInvalidRequest, "invalid request", "request too large")))
		return nil, fmt.Errorf("rpc: request of %d bytes from %s: %w", len(line), ss.client, apperrors.ErrInvalidInput)
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		ss.write(NewErrorResponse(nil, NewError(ErrCodeParse, "parse error", err.Error())))
		return nil, nil
	}
	if err := ValidateRequest(&req); err != nil {
		ss.write(NewErrorResponse(req.ID, NewError(ErrCodeInvalidRequest, "invalid request", err.Error())))
		return nil, nil
	}
	return &req, nil
}

func (ss *session) write(resp *Response) {
	if err := ss.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		log.WithError(err).WithField("client", ss.client).Warn("failed to set write deadline")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("marshal response")
		return
	}
	if _, err := ss.conn.Write(append(data, '\n')); err != nil {
		log.WithError(err).WithField("client", ss.client).Debug("write error")
	}
}

// respond applies rate limiting and authentication, then dispatches.
func (s *Server) respond(ctx context.Context, ss *session, req *Request) *Response {
	if s.limiter != nil && !s.limiter.Allow(ss.client) {
		log.WithField("client", ss.client).WithField("method", req.Method).Debug("rate limited")
		return NewErrorResponse(req.ID, ErrRateLimited())
	}
	if req.Method == "auth" {
		return s.handleAuth(ss, req)
	}
	if !ss.trusted() {
		return NewErrorResponse(req.ID, ErrAuthRequired())
	}
	return s.dispatch(ctx, req)
}

// handleAuth handles the "auth" method.
func (s *Server) handleAuth(ss *session, req *Request) *Response {
	if s.token == nil {
		ss.authenticated = true
		return NewSuccessResponse(req.ID, map[string]string{"message": "authentication not required"})
	}

	var params AuthParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Token == "" {
		return NewErrorResponse(req.ID, ErrInvalidParams("token required"))
	}
	ok, err := tokenMatches(s.token, params.Token)
	if err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("invalid token format"))
	}
	if !ok {
		log.WithField("client", ss.client).Warn("rejected auth token")
		return NewErrorResponse(req.ID, ErrPermissionDenied("invalid token"))
	}

	ss.authenticated = true
	return NewSuccessResponse(req.ID, map[string]string{"message": "authenticated"})
}

// dispatch calls the handler registered for the request method.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}

	handlerCtx, cancel := context.WithTimeout(ctx, HandlerTimeout)
	defer cancel()

	result, err := handler(handlerCtx, req.Params)
	if err != nil {
		log.WithField("method", req.Method).WithField("code", err.Code).Debug("rpc call failed")
		return NewErrorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, result)
}

// Stop closes the listeners and waits for open connections to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, listeners := s.cancel, s.listeners
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	s.wg.Wait()

	log.Info("RPC server stopped")
	return nil
}

// StopWithContext stops the server, giving up on waiting for in-flight
// handlers when ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("rpc server stop: %w", ctx.Err())
	}
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AuthToken returns the hex auth token TCP clients must present.
func (s *Server) AuthToken() string {
	if s.token == nil {
		return ""
	}
	return hex.EncodeToString(s.token)
}

func (s *Server) addr(network string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ln, ok := s.listeners[network]; ok {
		return ln.Addr().String()
	}
	return ""
}

// UnixSocketPath returns the Unix socket path if listening.
func (s *Server) UnixSocketPath() string {
	return s.addr(networkUnix)
}

// TCPAddress returns the TCP address if listening.
func (s *Server) TCPAddress() string {
	return s.addr(networkTCP)
}

// MaxConnections returns the maximum number of concurrent connections.
func (s *Server) MaxConnections() int {
	return s.maxConns
}
