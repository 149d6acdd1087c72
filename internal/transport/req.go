package transport

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Call performs one request/reply exchange over a fresh REQ socket connected
// to endpoint. ctx bounds the whole exchange including the dial; a REQ
// socket is strictly lockstep, so one that timed out cannot be reused.
func Call(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sck := zmq4.NewReq(ctx)
	defer sck.Close()

	type result struct {
		frames [][]byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		if err := sck.Dial(endpoint); err != nil {
			done <- result{err: fmt.Errorf("dial %s: %w", endpoint, err)}
			return
		}
		if err := sck.Send(zmq4.NewMsg(payload)); err != nil {
			done <- result{err: fmt.Errorf("send to %s: %w", endpoint, err)}
			return
		}
		msg, err := sck.Recv()
		if err != nil {
			done <- result{err: fmt.Errorf("receive from %s: %w", endpoint, err)}
			return
		}
		done <- result{frames: msg.Frames}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("call %s: %w", endpoint, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.frames) != 1 {
			return nil, fmt.Errorf("reply from %s has %d frames, want 1", endpoint, len(r.frames))
		}
		return r.frames[0], nil
	}
}
