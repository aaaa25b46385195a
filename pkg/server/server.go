// Package server runs the TCP listener that accepts client connections,
// framing requests and replies with pkg/resp and handing each parsed
// request to a Dispatcher. Grounded on the teacher's cmd/server/main.go
// and pkg/rpc.Server (net.Listen, Start/Stop, per-connection handling,
// structured logging on accept/serve errors), adapted from gRPC framing
// to the line protocol and generalised to use zerolog instead of the
// teacher's *log.Logger, matching the rest of this module's ambient
// stack.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gbitzes/quarkdb-go/pkg/dispatcher"
	"github.com/gbitzes/quarkdb-go/pkg/metrics"
	"github.com/gbitzes/quarkdb-go/pkg/resp"
)

// Dispatcher is the subset of dispatcher.Dispatcher the server needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *dispatcher.Conn, request [][]byte) resp.Reply
	UnsubscribeAll(conn *dispatcher.Conn)
}

// Server owns the client-facing TCP listener and, optionally, a
// separate HTTP listener serving /metrics.
type Server struct {
	addr       string
	tlsConfig  *tls.Config
	dispatcher Dispatcher
	log        zerolog.Logger

	metricsAddr string

	mu       sync.Mutex
	listener net.Listener
	metricsSrv *http.Server
	wg       sync.WaitGroup
	closing  bool
}

// New constructs a Server. metricsAddr may be empty to disable the
// metrics HTTP endpoint.
func New(addr string, dispatcher Dispatcher, log zerolog.Logger, tlsConfig *tls.Config, metricsAddr string) *Server {
	return &Server{
		addr:        addr,
		tlsConfig:   tlsConfig,
		dispatcher:  dispatcher,
		log:         log,
		metricsAddr: metricsAddr,
	}
}

// Start opens the listener(s) and begins accepting connections in the
// background. It returns once the listener is bound, not once it's
// closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tlsConfig != nil).Msg("server: listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if s.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: s.metricsAddr, Handler: mux}
		s.mu.Lock()
		s.metricsSrv = srv
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Info().Str("addr", s.metricsAddr).Msg("server: metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("server: metrics endpoint failed")
			}
		}()
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.log.Warn().Err(err).Msg("server: accept failed")
			continue
		}
		metrics.ConnectedClients.Inc()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

var connCounter int64

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	defer metrics.ConnectedClients.Dec()
	defer netConn.Close()

	connID := strconv.FormatInt(atomic.AddInt64(&connCounter, 1), 10)
	dconn := dispatcher.NewConn(connID)
	defer s.dispatcher.UnsubscribeAll(dconn)

	reader := resp.NewReader(netConn)
	writer := resp.NewWriter(netConn)
	ctx := context.Background()

	var writeMu sync.Mutex
	writeReply := func(r resp.Reply) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writer.WriteReply(r); err != nil {
			return err
		}
		return writer.Flush()
	}

	stopPush := make(chan struct{})
	defer close(stopPush)
	go func() {
		for {
			select {
			case msg := <-dconn.Outbound():
				push := []resp.Reply{"message", msg.Channel, msg.Payload}
				if writeReply(push) != nil {
					return
				}
			case <-stopPush:
				return
			}
		}
	}()

	for {
		request, err := reader.ReadRequest()
		if err != nil {
			break
		}
		reply := s.dispatcher.Dispatch(ctx, dconn, request)
		if writeReply(reply) != nil {
			break
		}
	}
}

// Stop closes the listener(s), causing Accept to unblock, then waits for
// in-flight connection handlers to finish or timeout to elapse.
func (s *Server) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	metricsSrv := s.metricsSrv
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn().Msg("server: shutdown timed out waiting for connections to drain")
	}
}
