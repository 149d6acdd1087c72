// Package transport implements a request/reply service over a ROUTER
// socket. Each delivery carries the routing token of the requesting peer;
// the reply is sent back with the same token so the channel can route it.
package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
)

// Processor holds the business logic of a Service. The value it returns is
// encoded as the reply; a returned error or a panic becomes an error reply.
type Processor interface {
	Process(ctx context.Context, msg codec.Message) (any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg codec.Message) (any, error)

func (f ProcessorFunc) Process(ctx context.Context, msg codec.Message) (any, error) {
	return f(ctx, msg)
}

// Unimplemented is the processor of a Service built without one.
type Unimplemented struct{}

func (Unimplemented) Process(context.Context, codec.Message) (any, error) {
	return nil, ErrNotImplemented
}

// Request is one decoded delivery.
type Request struct {
	Token   []byte
	Message codec.Message
}

type Option func(*Service)

// WithSocket replaces the default ZeroMQ ROUTER socket.
func WithSocket(sock Socket) Option {
	return func(s *Service) { s.socket = sock }
}

// WithCollector sets the metrics collector; the global one is used otherwise.
func WithCollector(c *telemetry.Collector) Option {
	return func(s *Service) { s.collector = c }
}

// Service receives requests, hands them to its Processor one at a time and
// replies to the originating peer.
type Service struct {
	endpoint  string
	processor Processor
	socket    Socket
	collector *telemetry.Collector
	logger    zerolog.Logger

	mu          sync.Mutex
	bound       bool
	destroyOnce sync.Once
	destroyErr  error
}

func NewService(endpoint string, processor Processor, opts ...Option) *Service {
	s := &Service{
		endpoint:  endpoint,
		processor: processor,
		logger:    log.With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.processor == nil {
		s.processor = Unimplemented{}
	}
	if s.socket == nil {
		s.socket = NewRouterSocket()
	}
	if s.collector == nil {
		s.collector = telemetry.GetGlobal()
	}
	return s
}

// Endpoint returns the address the service binds to.
func (s *Service) Endpoint() string { return s.endpoint }

// Bind binds the socket. Calls after the first successful one do nothing.
func (s *Service) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return nil
	}
	if err := s.socket.Listen(s.endpoint); err != nil {
		return fmt.Errorf("bind %s: %w", s.endpoint, err)
	}
	s.bound = true
	s.logger.Info().Str("endpoint", s.endpoint).Msg("Bound")
	return nil
}

// Bound reports whether Bind succeeded.
func (s *Service) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Receive waits for one delivery. It returns a nil Request without error
// when the delivery was malformed: frame-count errors are dropped, decode
// errors are answered with an error reply.
func (s *Service) Receive(ctx context.Context) (*Request, error) {
	frames, err := s.socket.Recv(ctx)
	if err != nil {
		return nil, err
	}

	if len(frames) != 3 {
		s.logger.Error().Err(&FrameError{Frames: len(frames)}).Msg("Dropping request from wrong socket type")
		s.collector.Counter("gaxx_rpc_dropped_frames", 1, nil)
		return nil, nil
	}

	token, payload := frames[0], frames[2]
	msg, err := codec.Decode(payload)
	if err != nil {
		s.collector.Counter("gaxx_rpc_decode_errors", 1, nil)
		var text string
		var decodeErr *codec.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.Kind == codec.KindType {
			text = fmt.Sprintf("Received unpacked, non-map type: %v", decodeErr.Err)
		} else {
			text = fmt.Sprintf("Received invalid request: %v", err)
		}
		if sendErr := s.SendError(token, text); sendErr != nil {
			s.logger.Error().Err(sendErr).Str("peer", hex.EncodeToString(token)).Msg("Failed to send decode error")
		}
		return nil, nil
	}
	return &Request{Token: token, Message: msg}, nil
}

// Send encodes reply and delivers it to the peer identified by token.
func (s *Service) Send(token []byte, reply any) error {
	payload, err := codec.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return s.sendPayload(token, payload)
}

// SendError replies {error: true, message}.
func (s *Service) SendError(token []byte, message string) error {
	s.logger.Error().Str("peer", hex.EncodeToString(token)).Msg(message)
	return s.Send(token, ErrorReply(message))
}

func (s *Service) sendPayload(token, payload []byte) error {
	if err := s.socket.Send([][]byte{token, {}, payload}); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// Start binds if needed and serves requests until ctx is done, then
// releases the socket. A request already being processed when ctx ends is
// finished and answered first.
func (s *Service) Start(ctx context.Context) error {
	defer s.Destroy()
	if err := s.Bind(); err != nil {
		return err
	}

	for {
		req, err := s.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSocketClosed) {
				s.logger.Info().Msg("Request loop stopped")
				return nil
			}
			s.logger.Error().Err(err).Msg("Receive failed")
			continue
		}
		if req == nil {
			continue
		}
		s.handle(context.WithoutCancel(ctx), req)
	}
}

func (s *Service) handle(ctx context.Context, req *Request) {
	start := time.Now()
	peer := hex.EncodeToString(req.Token)
	action, _ := req.Message.String("action")
	labels := map[string]string{"action": action}
	s.logger.Debug().Str("peer", peer).Str("action", action).Msg("Request")
	s.collector.Counter("gaxx_rpc_requests", 1, labels)
	defer func() {
		s.collector.Timer("gaxx_rpc_request_duration", time.Since(start), labels)
	}()

	reply, err := s.invoke(ctx, req.Message)
	var payload []byte
	if err == nil {
		payload, err = codec.Marshal(reply)
		if err != nil {
			err = fmt.Errorf("encode reply: %w", err)
		}
	}

	if err != nil {
		var replyErr ReplyError
		if errors.As(err, &replyErr) {
			s.logger.Warn().Err(err).Str("peer", peer).Str("action", action).Msg("Request rejected")
			if sendErr := s.Send(req.Token, ErrorReply(replyErr.ReplyMessage())); sendErr != nil {
				s.logger.Error().Err(sendErr).Str("peer", peer).Msg("Failed to send reply")
			}
			return
		}

		event := s.logger.Error().Err(err).Str("peer", peer).Str("action", action)
		var fault *HandlerFault
		if errors.As(err, &fault) {
			event = event.Str("stack", string(fault.Stack))
		}
		event.Msg("process raised an error and should not have")
		s.collector.Counter("gaxx_rpc_handler_faults", 1, labels)
		if sendErr := s.Send(req.Token, ErrorReply(ServerErrorMessage)); sendErr != nil {
			s.logger.Error().Err(sendErr).Str("peer", peer).Msg("Failed to send reply")
		}
		return
	}

	s.logger.Debug().Str("peer", peer).Dur("elapsed", time.Since(start)).Msg("Response")
	if err := s.sendPayload(req.Token, payload); err != nil {
		s.logger.Error().Err(err).Str("peer", peer).Msg("Failed to send reply")
	}
}

// invoke is the failure boundary around the processor.
func (s *Service) invoke(ctx context.Context, msg codec.Message) (reply any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerFault{Value: r, Stack: debug.Stack()}
		}
	}()
	return s.processor.Process(ctx, msg)
}

// Destroy releases the socket. It is safe to call more than once.
func (s *Service) Destroy() error {
	s.destroyOnce.Do(func() {
		s.destroyErr = s.socket.Close()
		s.logger.Debug().Msg("Socket released")
	})
	return s.destroyErr
}
