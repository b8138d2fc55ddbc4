package zmqrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/IvanBrykalov/workercache/cache"
	"github.com/IvanBrykalov/workercache/internal/util"
)

// ErrServerClosed is returned by Listen after Close.
var ErrServerClosed = errors.New("zmqrpc: server closed")

// Handler turns request frames into reply frames against a cache Sender.
// It is independent of the socket so it can be tested without a network.
type Handler struct {
	Sender cache.Sender[string, []byte]
	// Timeout bounds each request (0 = wait for the cache indefinitely).
	Timeout time.Duration
}

// Handle serves one frame. It always returns a frame to send back.
func (h *Handler) Handle(ctx context.Context, in []byte) []byte {
	var f Frame
	if err := json.Unmarshal(in, &f); err != nil {
		return mustMarshal(failure(0, "", fmt.Errorf("%w: %w", ErrMalformed, err)))
	}
	return mustMarshal(h.serve(ctx, f))
}

func (h *Handler) serve(ctx context.Context, f Frame) ReplyFrame {
	req, err := f.Request()
	if err != nil {
		return failure(f.ID, f.Op, err)
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	if req.Op == cache.OpEvict {
		// fire-and-forget: acknowledge once queued
		if err := h.Sender.Send(ctx, req); err != nil {
			return failure(f.ID, f.Op, err)
		}
		return ReplyFrame{ID: f.ID, Op: f.Op, Status: cache.StatusSuccess.String()}
	}

	replies := make(chan cache.Reply[string, []byte], 1)
	req.ReplyTo = replies
	if err := h.Sender.Send(ctx, req); err != nil {
		return failure(f.ID, f.Op, err)
	}
	select {
	case r := <-replies:
		return replyFrame(r)
	case <-ctx.Done():
		return failure(f.ID, f.Op, ctx.Err())
	}
}

func mustMarshal(rf ReplyFrame) []byte {
	b, err := json.Marshal(rf)
	if err != nil {
		// ReplyFrame holds only strings, bytes, bools and integers.
		panic(err)
	}
	return b
}

// Server answers REQ clients on a REP socket, one request at a time.
type Server struct {
	h   *Handler
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sock   zmq4.Socket
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server for h. logger may be nil.
func NewServer(h *Handler, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{h: h, log: util.LoggerOr(logger), ctx: ctx, cancel: cancel}
}

// Listen binds addr (e.g. "tcp://127.0.0.1:5555") and starts serving.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.sock != nil {
		return errors.New("zmqrpc: server already listening")
	}

	sock := zmq4.NewRep(s.ctx)
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return fmt.Errorf("zmqrpc: listen %s: %w", addr, err)
	}
	s.sock = sock

	s.wg.Add(1)
	go s.serve(sock)
	s.log.Info("zmq frontend listening", "addr", addr)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock == nil {
		return nil
	}
	return s.sock.Addr()
}

const (
	minRecvBackoff = 5 * time.Millisecond
	maxRecvBackoff = time.Second
)

func (s *Server) serve(sock zmq4.Socket) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		msg, err := sock.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if socketGone(err) {
				s.log.Warn("zmq socket closed, stopping", "err", err)
				return
			}
			backoff = nextBackoff(backoff)
			s.log.Debug("zmq recv failed", "err", err, "retry_in", backoff)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		out := s.h.Handle(s.ctx, msg.Bytes())
		if err := sock.Send(zmq4.NewMsg(out)); err != nil {
			s.log.Debug("zmq send failed", "err", err)
		}
	}
}

// Close stops serving and releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sock := s.sock
	s.mu.Unlock()

	s.cancel()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	s.wg.Wait()
	return err
}

// socketGone reports whether a Recv error means the socket will not recover.
func socketGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}

// nextBackoff doubles d, keeping it within [minRecvBackoff, maxRecvBackoff].
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d < minRecvBackoff {
		return minRecvBackoff
	}
	if d > maxRecvBackoff {
		return maxRecvBackoff
	}
	return d
}
