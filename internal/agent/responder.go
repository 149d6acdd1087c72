package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// Responder answers backend liveness probes on a REP socket.
type Responder struct {
	Endpoint string
}

// Serve binds the ping port and answers until ctx is done.
func (r *Responder) Serve(ctx context.Context) error {
	logger := log.With().Str("component", "responder").Logger()
	sck := zmq4.NewRep(ctx)
	closeSocket := sync.OnceFunc(func() { sck.Close() })
	defer closeSocket()
	if err := sck.Listen(r.Endpoint); err != nil {
		return fmt.Errorf("listen %s: %w", r.Endpoint, err)
	}
	logger.Info().Str("endpoint", r.Endpoint).Msg("Answering pings")

	stop := context.AfterFunc(ctx, closeSocket)
	defer stop()

	for {
		msg, err := sck.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("Receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		var payload []byte
		if len(msg.Frames) > 0 {
			payload = msg.Frames[len(msg.Frames)-1]
		}
		reply, err := Answer(payload)
		if err != nil {
			logger.Warn().Err(err).Msg("Malformed probe")
			telemetry.CounterGlobal("gaxx_agent_bad_pings", 1, nil)
		} else {
			telemetry.CounterGlobal("gaxx_agent_pings", 1, nil)
		}
		// A REP socket must answer before it can receive again.
		if err := sck.Send(zmq4.NewMsg(reply)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("Send failed")
		}
	}
}

// Answer builds the reply to a probe payload. A payload that is not a Ping
// still gets a reply, without a nonce, alongside the error.
func Answer(payload []byte) ([]byte, error) {
	var req api.Ping
	decodeErr := codec.Unmarshal(payload, &req)
	if decodeErr == nil && req.Message != api.PingMessage {
		decodeErr = fmt.Errorf("unexpected probe message %q", req.Message)
	}
	pong := api.Pong{Message: api.PongMessage}
	if decodeErr == nil {
		pong.Nonce = req.Nonce
	}
	reply, err := codec.Marshal(pong)
	if err != nil {
		return nil, err
	}
	return reply, decodeErr
}
