package ping

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/internal/transport"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// ZMQPinger probes an agent's ping port with a CBOR Ping over a REQ socket
// and expects a Pong carrying the same nonce.
type ZMQPinger struct{}

func (ZMQPinger) Ping(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nonce := uuid.NewString()
	payload, err := codec.Marshal(api.Ping{
		Message:   api.PingMessage,
		Nonce:     nonce,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if err != nil {
		return err
	}
	raw, err := transport.Call(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	return CheckPong(raw, nonce)
}

// CheckPong verifies that raw is a Pong answering nonce.
func CheckPong(raw []byte, nonce string) error {
	var pong api.Pong
	if err := codec.Unmarshal(raw, &pong); err != nil {
		return fmt.Errorf("decode pong: %w", err)
	}
	if pong.Message != api.PongMessage {
		return fmt.Errorf("unexpected probe reply %q", pong.Message)
	}
	if pong.Nonce != nonce {
		return fmt.Errorf("pong nonce %q does not match %q", pong.Nonce, nonce)
	}
	return nil
}
