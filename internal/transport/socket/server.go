// Package socket is a chat gateway over length-prefixed protobuf frames.
// Clients send messages and receive synchronous replies on the same
// connection; fanout deliveries are pushed to whichever connection most
// recently spoke for a party.
package socket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"coalesce/internal/domain"
	"coalesce/internal/transport"

	"github.com/rs/zerolog"
)

type Config struct {
	Network        string
	Address        string
	UnixSocketPath string
	AuthToken      string
	MaxInflight    int
	WriteQueue     int
}

type Server struct {
	cfg     Config
	handler transport.InboundHandler
	logger  zerolog.Logger

	ln     net.Listener
	addr   atomic.Value
	closed atomic.Bool
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	c        net.Conn
	writerQ  chan *ServerFrame
	inflight chan struct{}
}

func NewServer(cfg Config, handler transport.InboundHandler, logger zerolog.Logger) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = 256
	}
	return &Server{cfg: cfg, handler: handler, logger: logger, sessions: make(map[string]*session)}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		_ = sess.c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Deliver implements transport.Deliverer. Parties without a live session are
// logged and skipped; retry policy belongs to the transport's clients.
func (s *Server) Deliver(_ context.Context, partyIDs []string, payload string) {
	for _, party := range partyIDs {
		s.mu.Lock()
		sess := s.sessions[party]
		s.mu.Unlock()
		if sess == nil {
			s.logger.Warn().Str("party", party).Msg("no live session for delivery")
			continue
		}
		frame := &ServerFrame{Push: &PushFrame{PartyId: party, Payload: payload}}
		select {
		case sess.writerQ <- frame:
		default:
			s.logger.Warn().Str("party", party).Msg("write queue full, delivery dropped")
		}
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	sess := &session{
		c:        raw,
		writerQ:  make(chan *ServerFrame, s.cfg.WriteQueue),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
	}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(sess) }()
	go func() {
		defer s.wg.Done()
		defer raw.Close()
		defer close(sess.writerQ)
		defer s.unregister(sess)
		s.readLoop(ctx, sess)
	}()
}

func (s *Server) writeLoop(sess *session) {
	w := bufio.NewWriter(sess.c)
	for frame := range sess.writerQ {
		payload, err := MarshalMessage(frame)
		if err != nil {
			continue
		}
		// An all-zero frame marshals to nothing; drop it rather than trip the
		// codec's empty-frame guard and lose the session's pushes.
		if len(payload) == 0 {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	r := bufio.NewReader(sess.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		frame, err := UnmarshalClientFrame(payload)
		if err != nil {
			s.send(sess, &ServerFrame{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateClientFrame(frame); err != nil {
			s.send(sess, &ServerFrame{RequestId: frame.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && frame.AuthToken != s.cfg.AuthToken {
			s.send(sess, &ServerFrame{RequestId: frame.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		s.register(frame.PartyId, sess)

		select {
		case sess.inflight <- struct{}{}:
		default:
			s.send(sess, &ServerFrame{RequestId: frame.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		s.wg.Add(1)
		go func(frame *ClientFrame) {
			defer s.wg.Done()
			defer func() { <-sess.inflight }()
			reply := s.handler(ctx, domain.ChatMessage{PartyID: frame.PartyId, Text: frame.Text})
			s.send(sess, &ServerFrame{RequestId: frame.RequestId, ErrorCode: int32(ErrorCodeOK), Reply: reply})
		}(frame)
	}
}

func (s *Server) send(sess *session, frame *ServerFrame) {
	defer func() {
		// The write queue closes when the read loop exits; a racing reply
		// frame is dropped with the connection.
		_ = recover()
	}()
	select {
	case sess.writerQ <- frame:
	default:
	}
}

func (s *Server) register(party string, sess *session) {
	s.mu.Lock()
	s.sessions[party] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	for party, cur := range s.sessions {
		if cur == sess {
			delete(s.sessions, party)
		}
	}
	s.mu.Unlock()
}
