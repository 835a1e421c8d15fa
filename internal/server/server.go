// Package server exposes the engine over a newline-delimited TCP protocol.
// Each connection gets its own session; commands are one line each and every
// command gets exactly one reply.
package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anirudhdahiya9/keyval-db/internal/command"
	"github.com/anirudhdahiya9/keyval-db/internal/engine"
	"github.com/anirudhdahiya9/keyval-db/internal/protocol"
)

// Options configures the TCP server.
type Options struct {
	Addr       string
	MaxClients int
	Logger     *slog.Logger
}

// Server accepts client connections and runs their command loops.
type Server struct {
	opts   Options
	engine *engine.Engine
	logger *slog.Logger

	listener net.Listener
	sem      chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a Server for the given engine.
func New(e *engine.Engine, opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		engine: e,
		logger: opts.Logger,
		sem:    make(chan struct{}, opts.MaxClients),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			fmt.Fprintf(conn, "(error) ERR max clients (%d) reached\n", s.opts.MaxClients)
			conn.Close()
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.untrack(conn)
		conn.Close()
		<-s.sem
		s.wg.Done()
	}()

	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String())
	session := s.engine.NewSession()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()

		tokens, err := protocol.SplitTokens(line)
		if err != nil {
			reply := command.Err(command.Errorf(command.ErrArgument, "%v", err))
			fmt.Fprintln(conn, protocol.Render(reply))
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		reply := session.Execute(tokens)
		if _, err := fmt.Fprintln(conn, protocol.Render(reply)); err != nil {
			return
		}

		if strings.EqualFold(tokens[0], "EXIT") && !reply.IsError() {
			return
		}
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops accepting, closes every live connection and waits for the
// handlers to drain.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
