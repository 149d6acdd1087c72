package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// memSocket is an in-memory ROUTER stand-in.
type memSocket struct {
	in        chan [][]byte
	out       chan [][]byte
	done      chan struct{}
	closeOnce sync.Once
	listens   atomic.Int32
	closes    atomic.Int32
	listenErr error
}

func newMemSocket() *memSocket {
	return &memSocket{
		in:   make(chan [][]byte, 16),
		out:  make(chan [][]byte, 16),
		done: make(chan struct{}),
	}
}

func (s *memSocket) Listen(string) error {
	s.listens.Add(1)
	return s.listenErr
}

func (s *memSocket) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSocketClosed
	case frames := <-s.in:
		return frames, nil
	}
}

func (s *memSocket) Send(frames [][]byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	s.out <- frames
	return nil
}

func (s *memSocket) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := codec.Marshal(v)
	require.NoError(t, err)
	return b
}

func startService(t *testing.T, proc Processor) (*memSocket, *telemetry.Collector) {
	t.Helper()
	sock := newMemSocket()
	collector := telemetry.NewCollector(true, "", time.Hour)
	svc := NewService("inproc://test", proc, WithSocket(sock), WithCollector(collector))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("service did not stop")
		}
		collector.Shutdown()
	})
	return sock, collector
}

func roundTrip(t *testing.T, sock *memSocket, token []byte, payload []byte) codec.Message {
	t.Helper()
	sock.in <- [][]byte{token, {}, payload}
	return awaitReply(t, sock, token)
}

func awaitReply(t *testing.T, sock *memSocket, token []byte) codec.Message {
	t.Helper()
	select {
	case frames := <-sock.out:
		require.Len(t, frames, 3)
		assert.Equal(t, token, frames[0])
		assert.Empty(t, frames[1])
		msg, err := codec.Decode(frames[2])
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func echo(_ context.Context, msg codec.Message) (any, error) {
	action, _ := msg.String("action")
	return SuccessReply("got " + action), nil
}

func TestServiceRepliesToSender(t *testing.T) {
	sock, collector := startService(t, ProcessorFunc(echo))

	reply := roundTrip(t, sock, []byte("peer-1"), encode(t, map[string]any{"action": "register"}))
	assert.Equal(t, false, reply["error"])
	assert.Equal(t, "got register", reply["message"])
	assert.Equal(t, 1.0, collector.Total("gaxx_rpc_requests"))
}

func TestWrongFrameCountIsDropped(t *testing.T) {
	sock, collector := startService(t, ProcessorFunc(echo))

	sock.in <- [][]byte{encode(t, map[string]any{"action": "register"})}
	sock.in <- [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}

	// The next reply on the wire belongs to the well-formed request.
	reply := roundTrip(t, sock, []byte("peer-2"), encode(t, map[string]any{"action": "task_update"}))
	assert.Equal(t, "got task_update", reply["message"])
	assert.Equal(t, 2.0, collector.Total("gaxx_rpc_dropped_frames"))
	assert.Empty(t, sock.out)
}

func TestNonMapPayload(t *testing.T) {
	sock, collector := startService(t, ProcessorFunc(echo))

	for _, v := range []any{"hello", 42, []any{1, 2}} {
		reply := roundTrip(t, sock, []byte("peer"), encode(t, v))
		assert.Equal(t, true, reply["error"])
		assert.Contains(t, reply["message"], "Received unpacked, non-map type")
	}
	assert.Equal(t, 3.0, collector.Total("gaxx_rpc_decode_errors"))
	assert.Zero(t, collector.Total("gaxx_rpc_requests"))
}

func TestCorruptPayload(t *testing.T) {
	sock, _ := startService(t, ProcessorFunc(echo))

	reply := roundTrip(t, sock, []byte("peer"), []byte{0xff})
	assert.Equal(t, true, reply["error"])
	assert.Contains(t, reply["message"], "Received invalid request")
}

func TestPanicIsIsolated(t *testing.T) {
	sock, collector := startService(t, ProcessorFunc(func(ctx context.Context, msg codec.Message) (any, error) {
		if action, _ := msg.String("action"); action == "boom" {
			panic("handler exploded")
		}
		return echo(ctx, msg)
	}))

	reply := roundTrip(t, sock, []byte("p1"), encode(t, map[string]any{"action": "boom"}))
	assert.Equal(t, true, reply["error"])
	assert.Equal(t, ServerErrorMessage, reply["message"])
	assert.Equal(t, 1.0, collector.Total("gaxx_rpc_handler_faults"))

	reply = roundTrip(t, sock, []byte("p2"), encode(t, map[string]any{"action": "register"}))
	assert.Equal(t, "got register", reply["message"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation",
			err:  &ValidationError{Section: "client_info", Fields: []string{"rpc_port"}},
			want: "Invalid request: missing required field(s): rpc_port",
		},
		{
			name: "validation reason",
			err:  &ValidationError{Section: "update_data", Reason: "progress out of range"},
			want: "Invalid request: progress out of range",
		},
		{
			name: "unknown action",
			err:  &UnknownActionError{Action: "frobnicate"},
			want: UnknownActionMessage,
		},
		{
			name: "internal",
			err:  errors.New("database is locked"),
			want: ServerErrorMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sock, _ := startService(t, ProcessorFunc(func(context.Context, codec.Message) (any, error) {
				return nil, tt.err
			}))
			reply := roundTrip(t, sock, []byte("peer"), encode(t, map[string]any{"action": "x"}))
			assert.Equal(t, true, reply["error"])
			assert.Equal(t, tt.want, reply["message"])
		})
	}
}

func TestUnencodableReply(t *testing.T) {
	sock, _ := startService(t, ProcessorFunc(func(context.Context, codec.Message) (any, error) {
		return make(chan int), nil
	}))

	reply := roundTrip(t, sock, []byte("peer"), encode(t, map[string]any{"action": "x"}))
	assert.Equal(t, ServerErrorMessage, reply["message"])
}

func TestDefaultProcessorIsUnimplemented(t *testing.T) {
	sock, _ := startService(t, nil)

	reply := roundTrip(t, sock, []byte("peer"), encode(t, map[string]any{"action": "register"}))
	assert.Equal(t, true, reply["error"])
	assert.Equal(t, ServerErrorMessage, reply["message"])
}

func TestTypedReplyEncoding(t *testing.T) {
	sock, _ := startService(t, ProcessorFunc(func(context.Context, codec.Message) (any, error) {
		return AcceptedReply(), nil
	}))

	reply := roundTrip(t, sock, []byte("peer"), encode(t, map[string]any{"action": "task_update"}))
	assert.Equal(t, codec.Message{"message": AcceptedMessage}, reply)

	var accepted api.Accepted
	require.NoError(t, codec.Convert(reply, &accepted))
	assert.Equal(t, AcceptedMessage, accepted.Message)
}

func TestBindIsIdempotent(t *testing.T) {
	sock := newMemSocket()
	svc := NewService("inproc://bind", nil, WithSocket(sock))

	require.NoError(t, svc.Bind())
	require.NoError(t, svc.Bind())
	assert.True(t, svc.Bound())
	assert.Equal(t, int32(1), sock.listens.Load())

	require.NoError(t, svc.Destroy())
	require.NoError(t, svc.Destroy())
	assert.Equal(t, int32(1), sock.closes.Load())
}

func TestStartStopsOnCancel(t *testing.T) {
	sock := newMemSocket()
	svc := NewService("inproc://stop", ProcessorFunc(echo), WithSocket(sock))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	reply := roundTrip(t, sock, []byte("peer"), encode(t, map[string]any{"action": "register"}))
	assert.Equal(t, "got register", reply["message"])

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, int32(1), sock.closes.Load())
}

func TestInFlightRequestFinishesOnCancel(t *testing.T) {
	sock := newMemSocket()
	entered := make(chan struct{})
	release := make(chan struct{})
	var procErr atomic.Value
	slow := func(ctx context.Context, msg codec.Message) (any, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			procErr.Store(err)
		}
		return SuccessReply("late"), nil
	}
	svc := NewService("inproc://inflight", ProcessorFunc(slow), WithSocket(sock))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	sock.in <- [][]byte{[]byte("peer"), {}, encode(t, map[string]any{"action": "task_return"})}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the processor")
	}

	cancel()
	select {
	case <-errCh:
		t.Fatal("Start returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	reply := awaitReply(t, sock, []byte("peer"))
	assert.Equal(t, false, reply["error"])
	assert.Equal(t, "late", reply["message"])
	assert.Nil(t, procErr.Load(), "processor context was cancelled")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, int32(1), sock.closes.Load())
}

func TestStartReleasesSocketWhenBindFails(t *testing.T) {
	sock := newMemSocket()
	sock.listenErr = errors.New("address already in use")
	svc := NewService("inproc://taken", ProcessorFunc(echo), WithSocket(sock))

	err := svc.Start(context.Background())
	require.ErrorIs(t, err, sock.listenErr)
	assert.False(t, svc.Bound())
	assert.Equal(t, int32(1), sock.closes.Load())
}
