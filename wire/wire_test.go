package wire

import (
	"bytes"
	"io"
	"net"
	"os"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "no payload",
			frame: Frame{Tag: 1, Kind: KindExited, Value: 0},
		},
		{
			name:  "negative value",
			frame: Frame{Tag: 7, Kind: KindSpawnError, Value: -2, Payload: []byte("exec: no such file")},
		},
		{
			name:  "payload with NUL bytes",
			frame: Frame{Tag: 0xFFFFFFFF, Kind: KindOutput, Value: StreamStderr, Payload: []byte("a\x00b\x00c")},
		},
		{
			name:  "helper self-report",
			frame: Frame{Tag: HelperTag, Kind: KindMalformed, Payload: []byte("bad request")},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, c.frame))
			require.Equal(t, HeaderLen+len(c.frame.Payload), buf.Len())

			// One byte at a time: the reader must assemble the header and
			// then exactly the announced payload regardless of how the
			// stream is chunked.
			got, err := Decode(iotest.OneByteReader(&buf))
			require.NoError(t, err)
			assert.Equal(t, c.frame.Tag, got.Tag)
			assert.Equal(t, c.frame.Kind, got.Kind)
			assert.Equal(t, c.frame.Value, got.Value)
			assert.Equal(t, c.frame.Payload, got.Payload)
		})
	}
}

func TestDecodeBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	first := Frame{Tag: 1, Kind: KindOutput, Value: StreamStdout, Payload: []byte("hi\n")}
	second := Frame{Tag: 1, Kind: KindExited}
	require.NoError(t, Encode(&buf, first))
	require.NoError(t, Encode(&buf, second))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, first.Payload, got.Payload)

	got, err = Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindExited, got.Kind)
	assert.Nil(t, got.Payload)

	_, err = Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncated(t *testing.T) {
	full := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, Frame{Tag: 3, Kind: KindOutput, Value: StreamStdout, Payload: []byte("chunk")}))
		return buf.Bytes()
	}()

	t.Run("empty stream is clean EOF", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})
	t.Run("cut header", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(full[:HeaderLen-3]))
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	})
	t.Run("cut payload", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(full[:len(full)-2]))
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	})
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	var hdr [HeaderLen]byte
	byteOrder.PutUint32(hdr[0:4], 1)
	byteOrder.PutUint32(hdr[4:8], uint32(KindOutput))
	byteOrder.PutUint32(hdr[12:16], MaxPayload+1)
	_, err := Decode(bytes.NewReader(hdr[:]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestKindTerminal(t *testing.T) {
	assert.True(t, KindSpawnError.Terminal())
	assert.True(t, KindExited.Terminal())
	assert.True(t, KindSignaled.Terminal())
	assert.True(t, KindHelperLost.Terminal())
	assert.False(t, KindOutput.Terminal())
	assert.False(t, KindStarted.Terminal())
	assert.False(t, KindEndOfStatus.Terminal())
}

func TestSpawnRequestRoundTrip(t *testing.T) {
	req := SpawnRequest{
		Exe:        "/bin/sh",
		Argv:       []string{"sh", "-c", "echo hi"},
		Env:        []string{"FOO=bar"},
		InheritEnv: true,
		Dir:        "/tmp",
		Stdout:     DispDefault,
		Stderr:     2,
	}
	f, err := EncodeSpawn(9, req, 1)
	require.NoError(t, err)
	assert.Equal(t, KindRequestSpawn, f.Kind)
	assert.Equal(t, int32(1), f.Value)

	got, err := DecodeSpawn(f)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestEncodeSpawnRejectsBadRequests(t *testing.T) {
	_, err := EncodeSpawn(HelperTag, SpawnRequest{Exe: "true"}, 0)
	require.Error(t, err)

	_, err = EncodeSpawn(1, SpawnRequest{}, 0)
	require.Error(t, err)

	_, err = DecodeSpawn(Frame{Kind: KindOutput})
	require.Error(t, err)
}

func socketpairConns(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	wrap := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "test-socketpair")
		defer f.Close()
		c, err := net.FileConn(f)
		require.NoError(t, err)
		return c.(*net.UnixConn)
	}
	a, b := wrap(fds[0]), wrap(fds[1])
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestFrameUnixCarriesDescriptors(t *testing.T) {
	a, b := socketpairConns(t)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	sent := Frame{Tag: 5, Kind: KindRequestSpawn, Value: 1, Payload: []byte(`{"Exe":"cat"}`)}
	require.NoError(t, WriteFrameUnix(a, sent, []int{int(pw.Fd())}))

	got, fds, err := ReadFrameUnix(b)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Equal(t, sent.Tag, got.Tag)
	assert.Equal(t, sent.Payload, got.Payload)

	// The received descriptor must refer to the same pipe.
	recvd := os.NewFile(uintptr(fds[0]), "received")
	defer recvd.Close()
	_, err = recvd.WriteString("through the rights")
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := pr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "through the rights", string(buf[:n]))
}

func TestReadFrameUnixEOF(t *testing.T) {
	a, b := socketpairConns(t)
	require.NoError(t, a.CloseWrite())
	_, _, err := ReadFrameUnix(b)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameUnixTruncatedStream(t *testing.T) {
	t.Run("mid-header", func(t *testing.T) {
		a, b := socketpairConns(t)
		_, err := a.Write([]byte{1, 0, 0, 0, 3, 0, 0, 0})
		require.NoError(t, err)
		require.NoError(t, a.CloseWrite())

		// Half a header is a protocol error, not a clean end-of-stream.
		_, _, err = ReadFrameUnix(b)
		assert.NotErrorIs(t, err, io.EOF)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("mid-payload", func(t *testing.T) {
		a, b := socketpairConns(t)
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, Frame{Tag: 1, Kind: KindOutput, Payload: []byte("truncated")}))
		_, err := a.Write(buf.Bytes()[:buf.Len()-4])
		require.NoError(t, err)
		require.NoError(t, a.CloseWrite())

		_, _, err = ReadFrameUnix(b)
		assert.NotErrorIs(t, err, io.EOF)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestReadFrameUnixWithoutRights(t *testing.T) {
	a, b := socketpairConns(t)
	sent := Frame{Tag: 2, Kind: KindRequestSignal, Value: 15}
	require.NoError(t, WriteFrameUnix(a, sent, nil))
	got, fds, err := ReadFrameUnix(b)
	require.NoError(t, err)
	assert.Empty(t, fds)
	assert.Equal(t, sent.Tag, got.Tag)
	assert.Equal(t, sent.Value, got.Value)
}
