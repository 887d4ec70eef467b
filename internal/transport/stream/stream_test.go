package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"brickctl/internal/protocol/bytecode"
	"brickctl/internal/protocol/packet"
	"brickctl/internal/transport"
	"brickctl/internal/transport/sim"
	logx "brickctl/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pipeDialer connects to serve over an in-memory pipe.
func pipeDialer(t *testing.T, serve func(ctx context.Context, conn net.Conn)) DialFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer close(done)
			serve(ctx, server)
		}()
		return client, nil
	}
}

func TestSendAgainstSimulator(t *testing.T) {
	brick := sim.NewBrick()
	tr := NewWithDialer(pipeDialer(t, func(ctx context.Context, c net.Conn) { _ = brick.ServeConn(ctx, c) }), logx.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	reply, err := tr.Send(context.Background(), packet.Encode(7, int(packet.DirectCommandReply), bytecode.ReadBatteryLevel()), transport.SendOptions{ExpectedCorrelationID: 7, Timeout: time.Second})
	require.NoError(t, err)
	f, err := packet.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), f.CorrelationID)
	assert.Len(t, f.Payload, 1)

	reply, err = tr.Send(context.Background(), packet.Encode(8, int(packet.DirectCommandNoReply), bytecode.StopAll(false)), transport.SendOptions{NoReply: true})
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestStaleRepliesAreDiscarded(t *testing.T) {
	tr := NewWithDialer(pipeDialer(t, func(ctx context.Context, c net.Conn) {
		defer c.Close()
		frame, err := packet.ReadFrame(c)
		if err != nil {
			return
		}
		req, _ := packet.Decode(frame)
		// A late answer to an abandoned request arrives first.
		_, _ = c.Write(packet.Encode(int(req.CorrelationID)-1, int(packet.DirectReply), []byte{0xEE}))
		_, _ = c.Write(packet.Encode(int(req.CorrelationID), int(packet.DirectReply), []byte{0x01}))
		<-ctx.Done()
	}), logx.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	reply, err := tr.Send(context.Background(), packet.Encode(5, int(packet.DirectCommandReply), nil), transport.SendOptions{ExpectedCorrelationID: 5, Timeout: time.Second})
	require.NoError(t, err)
	f, err := packet.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, f.Payload)
	assert.Equal(t, uint64(1), tr.StaleFrames())
}

func TestTimeoutDropsConnection(t *testing.T) {
	tr := NewWithDialer(pipeDialer(t, func(ctx context.Context, c net.Conn) {
		defer c.Close()
		_, _ = packet.ReadFrame(c)
		<-ctx.Done()
	}), logx.Nop())
	require.NoError(t, tr.Open(context.Background()))

	_, err := tr.Send(context.Background(), packet.Encode(1, int(packet.DirectCommandReply), nil), transport.SendOptions{ExpectedCorrelationID: 1, Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, transport.ErrNoReply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = tr.Send(context.Background(), packet.Encode(2, int(packet.DirectCommandReply), nil), transport.SendOptions{})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestContextCancelUnblocksRead(t *testing.T) {
	tr := NewWithDialer(pipeDialer(t, func(ctx context.Context, c net.Conn) {
		defer c.Close()
		_, _ = packet.ReadFrame(c)
		<-ctx.Done()
	}), logx.Nop())
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := tr.Send(ctx, packet.Encode(1, int(packet.DirectCommandReply), nil), transport.SendOptions{ExpectedCorrelationID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendWhenClosed(t *testing.T) {
	tr := New(Config{Addr: "127.0.0.1:1"}, logx.Nop())
	_, err := tr.Send(context.Background(), packet.Encode(1, 0, nil), transport.SendOptions{})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.NoError(t, tr.Close())
}
