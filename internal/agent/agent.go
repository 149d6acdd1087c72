// Package agent is the agent side of the RPC channel: a client that
// registers with the backend and reports task progress, and a responder
// that answers liveness probes on the ping port.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
	"github.com/3cpo-dev/gaxx-rpc/internal/transport"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// Client talks to the backend. Each call uses its own REQ socket, so a
// request that timed out does not wedge the next one.
type Client struct {
	Endpoint string
	Timeout  time.Duration
}

func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, Timeout: 10 * time.Second}
}

// Register announces the agent's identity record.
func (c *Client) Register(ctx context.Context, info api.ClientInfo) error {
	if info.Capabilities == nil {
		info.Capabilities = map[string]any{}
	}
	_, err := c.call(ctx, api.ActionRegister, api.RegisterRequest{Action: api.ActionRegister, ClientInfo: info})
	return err
}

// UpdateTask reports progress on a running task.
func (c *Client) UpdateTask(ctx context.Context, update api.TaskUpdate) error {
	_, err := c.call(ctx, api.ActionTaskUpdate, api.TaskUpdateRequest{Action: api.ActionTaskUpdate, UpdateData: update})
	return err
}

// ReturnTask reports the terminal state of a task.
func (c *Client) ReturnTask(ctx context.Context, report api.TaskReturn) error {
	_, err := c.call(ctx, api.ActionTaskReturn, api.TaskReturnRequest{Action: api.ActionTaskReturn, ReturnData: report})
	return err
}

func (c *Client) call(ctx context.Context, action string, req any) (codec.Message, error) {
	start := time.Now()
	labels := map[string]string{"component": "agent", "action": action}

	payload, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	raw, err := transport.Call(ctx, c.Endpoint, payload)
	if err != nil {
		telemetry.CounterGlobal("gaxx_agent_call_errors", 1, labels)
		return nil, err
	}
	reply, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", action, err)
	}
	telemetry.TimerGlobal("gaxx_agent_call_duration", time.Since(start), labels)
	return reply, checkReply(action, reply)
}
