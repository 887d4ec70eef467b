package syscmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginDownloadRoundTrip(t *testing.T) {
	b := EncodeBeginDownload("../prjs/demo/demo.rbf", 300)
	assert.Equal(t, BeginDownload, b[0])
	assert.Equal(t, []byte{0x2C, 0x01, 0x00, 0x00}, b[1:5])
	assert.Equal(t, byte(0), b[len(b)-1])

	path, size, err := DecodeBeginDownload(b)
	require.NoError(t, err)
	assert.Equal(t, "../prjs/demo/demo.rbf", path)
	assert.Equal(t, uint32(300), size)

	_, _, err = DecodeBeginDownload([]byte{BeginDownload, 1, 0})
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestContinueDownload(t *testing.T) {
	assert.Equal(t, []byte{ContinueDownload, 3, 0xAA, 0xBB}, EncodeContinueDownload(3, []byte{0xAA, 0xBB}))
	assert.Equal(t, []byte{CloseFileHandle, 3}, EncodeCloseFileHandle(3))
	assert.Equal(t, []byte{DeleteFile, 'a', 0}, EncodeDeleteFile("a"))
}

func TestParseReply(t *testing.T) {
	r, err := ParseReply([]byte{BeginDownload, byte(StatusSuccess), 7})
	require.NoError(t, err)
	assert.Equal(t, byte(7), r.Handle)
	assert.True(t, r.Status.OK())

	r, err = ParseReply([]byte{ContinueDownload, byte(StatusEndOfFile)})
	require.NoError(t, err)
	assert.True(t, r.Status.OK())
	assert.Equal(t, "end_of_file", r.Status.String())

	_, err = ParseReply([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidReply)

	assert.False(t, StatusIllegalPath.OK())
	assert.Equal(t, "status(0x7f)", Status(0x7F).String())
}

func TestListFilesFrames(t *testing.T) {
	b := EncodeListFiles("/home/", 900)
	assert.Equal(t, []byte{ListFiles, 0x84, 0x03}, b[:3])
	dir, limit, err := DecodeListFiles(b)
	require.NoError(t, err)
	assert.Equal(t, "/home/", dir)
	assert.Equal(t, uint16(900), limit)

	h, limit, err := DecodeContinueListFiles(EncodeContinueListFiles(4, 512))
	require.NoError(t, err)
	assert.Equal(t, byte(4), h)
	assert.Equal(t, uint16(512), limit)

	r, err := ParseListReply([]byte{ListFiles, byte(StatusEndOfFile), 3, 0, 0, 0, 9, 'a', '/', '\n'})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), r.Size)
	assert.Equal(t, byte(9), r.Handle)
	assert.Equal(t, []byte("a/\n"), r.Data)

	r, err = ParseListReply([]byte{ListFiles, byte(StatusIllegalPath)})
	require.NoError(t, err)
	assert.Equal(t, StatusIllegalPath, r.Status)

	_, err = ParseListReply([]byte{ListFiles, byte(StatusSuccess), 1})
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestListing(t *testing.T) {
	in := []ListEntry{
		{Name: "prjs", Dir: true},
		{Name: "demo.rbf", Size: 300, MD5: "0123456789ABCDEF0123456789ABCDEF"},
	}
	var buf []byte
	for _, e := range in {
		buf = append(buf, e.Format()...)
	}
	assert.Equal(t, "prjs/\n0123456789ABCDEF0123456789ABCDEF 0000012C demo.rbf\n", string(buf))

	got, err := ParseListing(buf)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = ParseListing([]byte("garbage\n"))
	assert.ErrorIs(t, err, ErrInvalidReply)
}
