package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleychat/parley/pkg/credstore"
	"github.com/parleychat/parley/pkg/directory"
	"github.com/parleychat/parley/pkg/protocol"
)

// Package-level loggers: errors always visible, debug behind a toggle.
var (
	errorLog = log.New(log.Writer(), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the messaging server: main acceptor, session registry, user
// directory, routing engine and private-channel broker.
type Server struct {
	dir      *directory.Directory
	registry *Registry
	broker   *Broker
	config   ServerConfig
	metrics  *Metrics

	listener   net.Listener
	httpServer *http.Server
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a new server instance. The credential file is loaded
// eagerly so a bad path fails at startup, not at first registration.
func NewServer(config ServerConfig) (*Server, error) {
	credPath, err := config.GetCredentialsPath()
	if err != nil {
		return nil, err
	}

	store := credstore.New(credPath)
	dir, err := directory.New(store, config.BlockDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to build user directory: %w", err)
	}

	s := &Server{
		dir:      dir,
		config:   config,
		shutdown: make(chan struct{}),
	}
	s.registry = NewRegistry(nil)
	s.broker = NewBroker(nil)
	return s, nil
}

// SetMetrics attaches Prometheus metrics to the server and its components.
// Call before Start; tests skip this to avoid default-registry collisions.
func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
	s.registry.metrics = m
	s.broker.metrics = m
}

// EnableDebugLogging routes debug output to the standard logger
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(log.Writer(), "DEBUG: ", log.LstdFlags)
}

// Start starts the main acceptor, the private-channel broker and, when
// configured, the HTTP listener carrying WebSocket sessions and metrics.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.broker.Start(s.config.PrivatePort); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start private-channel broker: %w", err)
	}
	log.Printf("Private-channel broker listening on port %d", s.broker.Port())

	if s.config.HTTPPort > 0 {
		if err := s.startHTTP(); err != nil {
			s.broker.Stop()
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTP serves /ws (WebSocket transport) and /metrics
func (s *Server) startHTTP() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Handler: mux}
	log.Printf("HTTP server listening on %s (/ws, /metrics)", httpListener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.httpServer != nil {
		s.httpServer.Close()
		s.httpServer = nil
	}
	s.broker.Stop()

	s.wg.Wait()
	s.registry.CloseAll()
	return nil
}

// acceptLoop accepts incoming main-protocol connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs one session from accept to disconnect
func (s *Server) handleConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.registry.Add(conn)
	debugLog.Printf("Session %d: new connection from %s", sess.ID, conn.RemoteAddr())

	s.sessionLoop(sess)

	// An abrupt disconnect (or exit without logout) must not leave the
	// account stuck ONLINE.
	if username := sess.Username(); username != "" {
		s.dir.Logout(username)
		s.registry.Remove(sess)
		s.broadcastPresence(username, "offline")
	} else {
		s.registry.Remove(sess)
	}

	debugLog.Printf("Session %d: closed", sess.ID)
}

// sessionLoop reads envelopes one at a time and drives the per-session state
// machine. Once authenticated, each read is bounded by the idle timeout; the
// bound is lifted again while the session is unauthenticated so idle guests
// don't error out.
func (s *Server) sessionLoop(sess *Session) {
	for {
		if sess.Username() != "" && s.config.IdleTimeout > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		} else {
			sess.Conn.SetReadDeadline(time.Time{})
		}

		env, err := sess.Conn.ReadEnvelope()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && sess.Username() != "" {
				s.forceLogout(sess)
				continue
			}
			if err == io.EOF {
				debugLog.Printf("Session %d: disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		s.metrics.RecordEnvelopeReceived(protocol.TypeName(env.Type))

		done, err := s.handleEnvelope(sess, env)
		if err != nil {
			// Handler errors are write failures: fatal to this session only
			debugLog.Printf("Session %d: handle error: %v", sess.ID, err)
			return
		}
		if done {
			return
		}
	}
}

// forceLogout handles an expired idle session: back to OFFLINE, presence
// notification, and a timeout envelope so the client knows why.
func (s *Server) forceLogout(sess *Session) {
	username := sess.Username()
	if username == "" {
		return
	}

	debugLog.Printf("Session %d: idle timeout, logging out %s", sess.ID, username)
	s.dir.Logout(username)
	s.registry.Unbind(sess)
	s.broadcastPresence(username, "offline")

	s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeTimeout,
		Sender: protocol.SenderServer,
		Body:   "you have logged out due to inactivity.",
	})
}

// send writes an envelope to a session, recording metrics. Write failures
// are returned so the caller can tear the session down.
func (s *Server) send(sess *Session, env *protocol.Envelope) error {
	s.metrics.RecordEnvelopeSent(protocol.TypeName(env.Type))
	return sess.Conn.WriteEnvelope(env)
}
