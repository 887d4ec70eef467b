package transfer

import (
	"bytes"
	"context"
	"testing"

	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/syscmd"
	"brickctl/internal/transport/sim"
	logx "brickctl/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newClient(t *testing.T) (*client.Client, *sim.Brick) {
	t.Helper()
	brick := sim.NewBrick()
	c := client.New(sim.NewTransport(brick), client.Options{Log: logx.Nop()})
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, brick
}

func TestUpload(t *testing.T) {
	cases := []struct {
		name  string
		size  int
		chunk int
	}{
		{"empty", 0, 4},
		{"single chunk", 3, 4},
		{"exact multiple", 8, 4},
		{"remainder", 10, 4},
		{"default chunk", 2500, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, brick := newClient(t)
			data := bytes.Repeat([]byte{0xAB}, tc.size)
			path := "../prjs/demo/" + tc.name + ".rbf"

			res, err := Upload(context.Background(), c, path, data, Options{ChunkSize: tc.chunk})
			require.NoError(t, err)
			require.NotNil(t, res)

			got, ok := brick.File(path)
			require.True(t, ok)
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestUploadRejectedPath(t *testing.T) {
	c, _ := newClient(t)
	_, err := Upload(context.Background(), c, "", []byte{1}, Options{})
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	c, brick := newClient(t)
	ctx := context.Background()
	_, err := Upload(ctx, c, "/tmp/a.rsf", []byte("hello"), Options{})
	require.NoError(t, err)

	require.NoError(t, Delete(ctx, c, "/tmp/a.rsf", scheduler.LaneNormal))
	_, ok := brick.File("/tmp/a.rsf")
	assert.False(t, ok)

	err = Delete(ctx, c, "/tmp/a.rsf", scheduler.LaneNormal)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, syscmd.StatusIllegalPath, se.Status)
	assert.ErrorIs(t, err, ErrRejected)
}
