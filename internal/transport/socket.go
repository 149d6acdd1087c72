package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Socket is the channel a Service reads requests from and writes replies
// to. Every delivery is a list of frames; for a ROUTER socket the first
// frame is the routing token of the sending peer.
type Socket interface {
	Listen(endpoint string) error
	// Recv blocks until a delivery arrives, ctx is done or the socket is
	// closed.
	Recv(ctx context.Context) ([][]byte, error)
	Send(frames [][]byte) error
	Close() error
}

type recvResult struct {
	frames [][]byte
	err    error
}

// routerSocket adapts a zmq4 ROUTER socket. zmq4 has no per-call
// cancellation on Recv, so a reader goroutine feeds deliveries to Recv
// callers one at a time.
type routerSocket struct {
	sck    zmq4.Socket
	cancel context.CancelFunc

	msgs      chan recvResult
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewRouterSocket returns an unbound ZeroMQ ROUTER socket.
func NewRouterSocket() Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &routerSocket{
		sck:    zmq4.NewRouter(ctx),
		cancel: cancel,
		msgs:   make(chan recvResult),
		done:   make(chan struct{}),
	}
}

func (s *routerSocket) Listen(endpoint string) error {
	if err := s.sck.Listen(endpoint); err != nil {
		return err
	}
	go s.read()
	return nil
}

func (s *routerSocket) read() {
	for {
		msg, err := s.sck.Recv()
		select {
		case s.msgs <- recvResult{frames: msg.Frames, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Keep a failing socket from spinning.
			select {
			case <-time.After(100 * time.Millisecond):
			case <-s.done:
				return
			}
		}
	}
}

func (s *routerSocket) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSocketClosed
	case r := <-s.msgs:
		return r.frames, r.err
	}
}

func (s *routerSocket) Send(frames [][]byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	return s.sck.Send(zmq4.NewMsgFrom(frames...))
}

func (s *routerSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.closeErr = s.sck.Close()
	})
	return s.closeErr
}
