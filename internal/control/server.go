package control

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/alsd/internal/protocol"
)

// ErrSocketInUse is returned by Start when another live process is
// listening on the Unix socket path.
var ErrSocketInUse = errors.New("socket already in use")

// Routing selects which connections receive a response.
type Routing string

const (
	// RoutingOrigin writes a response only to the connection that sent
	// the command.
	RoutingOrigin Routing = "origin"
	// RoutingBroadcast writes every response to every connected client.
	RoutingBroadcast Routing = "broadcast"
)

const (
	defaultWriteTimeout = 2 * time.Second
	maxLineSize         = 64 * 1024
)

// TCPConfig configures the TCP listener.
type TCPConfig struct {
	Enabled bool
	Address string
	Port    int
}

// UnixConfig configures the Unix socket listener.
type UnixConfig struct {
	Enabled bool
	Path    string
	// Permissions is an octal mode string such as "0660".
	Permissions string
	Owner       string
	Group       string
}

// Config configures a Server.
type Config struct {
	TCP          TCPConfig
	Unix         UnixConfig
	Routing      Routing
	WriteTimeout time.Duration
}

type client struct {
	id     string
	conn   net.Conn
	source string

	writeMu sync.Mutex
}

// Server accepts control connections and turns each request line into a
// queued Command. It never touches daemon state: the control loop drains
// the queue and answers through Respond.
type Server struct {
	cfg    Config
	queue  *Queue
	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	quiesced  bool
	listeners []net.Listener
	clients   map[string]*client
	tcpAddr   net.Addr
	unixPath  string

	wg         sync.WaitGroup
	acceptWarn rate.Sometimes
}

// NewServer creates a server that pushes commands onto queue.
func NewServer(cfg Config, queue *Queue, logger zerolog.Logger) *Server {
	if cfg.Routing == "" {
		cfg.Routing = RoutingOrigin
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		cfg:        cfg,
		queue:      queue,
		logger:     logger,
		clients:    make(map[string]*client),
		acceptWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Queue returns the command queue.
func (s *Server) Queue() *Queue {
	return s.queue
}

// Start opens the enabled listeners and begins accepting connections. Any
// failure closes what was already opened.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("control server already running")
	}
	s.running = true
	s.quiesced = false
	s.mu.Unlock()

	if s.cfg.TCP.Enabled {
		addr := net.JoinHostPort(s.cfg.TCP.Address, strconv.Itoa(s.cfg.TCP.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
		}
		s.mu.Lock()
		s.tcpAddr = ln.Addr()
		s.mu.Unlock()
		s.serve(ln, "tcp")
		s.logger.Info().Str("address", ln.Addr().String()).Msg("TCP control listener started")
	}

	if s.cfg.Unix.Enabled {
		ln, err := s.listenUnix()
		if err != nil {
			s.Stop()
			return err
		}
		s.serve(ln, "unix")
		s.logger.Info().Str("path", s.cfg.Unix.Path).Msg("Unix control listener started")
	}

	return nil
}

func (s *Server) listenUnix() (net.Listener, error) {
	path := s.cfg.Unix.Path
	if err := clearStaleSocket(path, s.logger); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix %s: %w", path, err)
	}
	s.mu.Lock()
	s.unixPath = path
	s.mu.Unlock()

	if perm := s.cfg.Unix.Permissions; perm != "" {
		mode, err := strconv.ParseUint(perm, 8, 32)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("invalid socket permissions %q: %w", perm, err)
		}
		if err := os.Chmod(path, os.FileMode(mode)); err != nil {
			ln.Close()
			return nil, fmt.Errorf("failed to chmod socket: %w", err)
		}
	}

	if s.cfg.Unix.Owner != "" || s.cfg.Unix.Group != "" {
		if err := chownSocket(path, s.cfg.Unix.Owner, s.cfg.Unix.Group); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to set socket ownership")
		}
	}
	return ln, nil
}

// clearStaleSocket removes a socket file left behind by a crashed instance.
// A live listener at path yields ErrSocketInUse.
func clearStaleSocket(path string, logger zerolog.Logger) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket path: %w", err)
	}

	if fi.Mode()&os.ModeSocket != 0 {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		logger.Info().Str("path", path).Msg("Removing stale socket")
	} else {
		logger.Warn().Str("path", path).Msg("Removing non-socket file at socket path")
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

func chownSocket(path, owner, group string) error {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return fmt.Errorf("unknown owner %q: %w", owner, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return fmt.Errorf("invalid uid for %q: %w", owner, err)
		}
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("unknown group %q: %w", group, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return fmt.Errorf("invalid gid for %q: %w", group, err)
		}
	}
	return os.Chown(path, uid, gid)
}

func (s *Server) serve(ln net.Listener, source string) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln, source)
}

func (s *Server) acceptLoop(ln net.Listener, source string) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.acceptWarn.Do(func() {
				s.logger.Warn().Err(err).Str("listener", source).Msg("Accept failed")
			})
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := &client{id: uuid.NewString(), conn: conn, source: source}

		s.mu.Lock()
		if !s.running || s.quiesced {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[c.id] = c
		n := len(s.clients)
		s.mu.Unlock()

		s.logger.Debug().
			Str("conn_id", c.id).
			Str("listener", source).
			Int("clients", n).
			Msg("Client connected")

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer func() {
		// Quiesced connections stay open for late responses until Stop.
		if s.isRunning() {
			s.removeClient(c)
		}
	}()

	reader := bufio.NewReaderSize(c.conn, maxLineSize)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// Skip the rest of the oversized line; the connection stays usable.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = reader.ReadSlice('\n')
			}
			if err == nil {
				s.queue.Push(Command{
					ConnID:   c.id,
					Err:      fmt.Errorf("%w: request exceeds %d bytes", protocol.ErrParse, maxLineSize),
					Received: time.Now(),
				})
				continue
			}
		} else if len(line) > 0 {
			s.handleLine(c, line)
		}
		if err != nil {
			if err != io.EOF && s.isRunning() && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Client read failed")
			}
			return
		}
	}
}

func (s *Server) handleLine(c *client, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	cmd := Command{ConnID: c.id, Received: time.Now()}
	req, err := protocol.ParseRequest(line)
	if err != nil {
		cmd.Err = err
	} else {
		cmd.Request = req
	}
	s.queue.Push(cmd)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()

	c.conn.Close()
	if ok {
		s.logger.Debug().Str("conn_id", c.id).Int("clients", n).Msg("Client disconnected")
	}
}

// Respond delivers resp according to the routing policy. With origin
// routing a response for a connection that has gone away is dropped.
func (s *Server) Respond(connID string, resp protocol.Response) {
	line, err := resp.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		return
	}

	var targets []*client
	s.mu.Lock()
	if s.cfg.Routing == RoutingBroadcast {
		targets = make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			targets = append(targets, c)
		}
	} else if c, ok := s.clients[connID]; ok {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		s.logger.Debug().Str("conn_id", connID).Msg("No client to receive response")
		return
	}

	for _, c := range targets {
		if err := s.write(c, line); err != nil {
			s.logger.Warn().Err(err).Str("conn_id", c.id).Msg("Failed to send response, dropping client")
			c.conn.Close()
		}
	}
}

func (s *Server) write(c *client, line []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(line)
	return err
}

// TCPAddr returns the bound TCP address, or nil when TCP is disabled.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpAddr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// isRunning reports whether the server still accepts connections and reads
// requests.
func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.quiesced
}

// Quiesce closes the listeners and stops reading requests, so nothing more
// is pushed onto the queue. Open connections stay writable and Respond keeps
// working until Stop closes them.
func (s *Server) Quiesce() {
	s.mu.Lock()
	if !s.running || s.quiesced {
		s.mu.Unlock()
		return
	}
	s.quiesced = true
	listeners := s.listeners
	s.listeners = nil
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	// Unblock pending reads without closing the connection.
	now := time.Now()
	for _, c := range clients {
		c.conn.SetReadDeadline(now)
	}
	s.wg.Wait()
	s.logger.Debug().Int("clients", len(clients)).Msg("Control server quiesced")
}

// Stop closes the listeners and all client connections, waits for every
// accept and reader goroutine to exit and removes the socket file.
func (s *Server) Stop() {
	s.Quiesce()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	unixPath := s.unixPath
	s.unixPath = ""
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}

	if unixPath != "" {
		if err := os.Remove(unixPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", unixPath).Msg("Failed to remove socket file")
		}
	}
	s.logger.Info().Msg("Control server stopped")
}
