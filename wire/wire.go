package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// ProtocolVersion identifies the frame and kind vocabulary described in this
// package. Both ends of a control channel must agree on it.
const ProtocolVersion = 1

const (
	// HeaderLen is the fixed size of a frame header on the wire.
	HeaderLen = 16

	// MaxPayload is the largest payload a frame may carry. Frames claiming
	// more are treated as protocol errors rather than read.
	MaxPayload = 1 << 20

	// maxFrameFDs is the most descriptors that can ride along with a single
	// frame as SCM_RIGHTS data: one per standard stream.
	maxFrameFDs = 3
)

// HelperTag is reserved for messages describing the helper's own failures and
// is never assigned to a supervised process.
const HelperTag uint32 = 0

// Kind discriminates frames on the control channel. Status kinds flow
// helper->supervisor; request kinds flow supervisor->helper and occupy a
// disjoint range so a misdirected frame is always recognizable.
type Kind uint32

const (
	// KindMalformed reports an ill-formed control message. Sent with
	// HelperTag when no request tag could be recovered.
	KindMalformed Kind = 0
	// KindSpawnError reports a failure before or during exec. Value is the
	// OS error code and the payload is a human-readable description.
	KindSpawnError Kind = 1
	// KindStarted reports a successful spawn. Value is the OS pid.
	KindStarted Kind = 2
	// KindOutput carries one chunk of captured output. Value is the stream
	// id and the payload is the chunk, unmodified.
	KindOutput Kind = 3
	// KindOutputClosed reports that a captured stream reached EOF. Value is
	// the stream id.
	KindOutputClosed Kind = 4
	// KindExited reports normal termination. Value is the exit code.
	KindExited Kind = 5
	// KindSignaled reports termination by signal. Value is the signal number.
	KindSignaled Kind = 6
	// KindEndOfStatus is the sentinel after which no further messages for
	// the tag will ever arrive.
	KindEndOfStatus Kind = 7
	// KindHelperLost is synthesized by the supervisor when the control
	// channel fails while a process is still live. It is never encoded on
	// the wire.
	KindHelperLost Kind = 8

	// KindRequestSpawn asks the helper to create a process. Value is the
	// number of descriptors attached as SCM_RIGHTS data and the payload is
	// a JSON-encoded SpawnRequest.
	KindRequestSpawn Kind = 32
	// KindRequestSignal forwards a signal to the tagged process. Value is
	// the signal number.
	KindRequestSignal Kind = 33
)

// Terminal reports whether k ends a process's status stream. Exactly one
// terminal message is delivered per tag, always followed by KindEndOfStatus.
func (k Kind) Terminal() bool {
	switch k {
	case KindSpawnError, KindExited, KindSignaled, KindHelperLost:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindSpawnError:
		return "spawn-error"
	case KindStarted:
		return "started"
	case KindOutput:
		return "output"
	case KindOutputClosed:
		return "output-closed"
	case KindExited:
		return "exited"
	case KindSignaled:
		return "signaled"
	case KindEndOfStatus:
		return "end-of-status"
	case KindHelperLost:
		return "helper-lost"
	case KindRequestSpawn:
		return "request-spawn"
	case KindRequestSignal:
		return "request-signal"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Stream ids carried in the value field of KindOutput and KindOutputClosed.
const (
	StreamStdout int32 = 1
	StreamStderr int32 = 2
)

// Frame is one self-describing unit on the control channel: a fixed
// little-endian header {tag u32, kind u32, value i32, payload_len u32}
// followed by exactly payload_len bytes.
type Frame struct {
	Tag     uint32
	Kind    Kind
	Value   int32
	Payload []byte
}

var byteOrder = binary.LittleEndian

// Encode writes f to w as a single contiguous write.
func Encode(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("frame payload %d bytes exceeds limit %d", len(f.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf, f, len(f.Payload))
	copy(buf[HeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func putHeader(buf []byte, f Frame, payloadLen int) {
	byteOrder.PutUint32(buf[0:4], f.Tag)
	byteOrder.PutUint32(buf[4:8], uint32(f.Kind))
	byteOrder.PutUint32(buf[8:12], uint32(f.Value))
	byteOrder.PutUint32(buf[12:16], uint32(payloadLen))
}

func parseHeader(hdr []byte) (Frame, int, error) {
	f := Frame{
		Tag:   byteOrder.Uint32(hdr[0:4]),
		Kind:  Kind(byteOrder.Uint32(hdr[4:8])),
		Value: int32(byteOrder.Uint32(hdr[8:12])),
	}
	n := byteOrder.Uint32(hdr[12:16])
	if n > MaxPayload {
		return Frame{}, 0, fmt.Errorf("frame payload length %d exceeds limit %d", n, MaxPayload)
	}
	return f, int(n), nil
}

// Decode reads exactly one frame from r: the fixed header first, then exactly
// the announced payload. A clean end-of-stream before the first header byte
// returns io.EOF; a stream that ends mid-frame is an error.
func Decode(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("truncated frame header: %w", err)
		}
		return Frame{}, err
	}
	f, n, err := parseHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, fmt.Errorf("truncated frame payload: %w", err)
		}
	}
	return f, nil
}

// WriteFrameUnix sends f over conn, attaching fds as SCM_RIGHTS ancillary
// data on the same message so the receiver picks them up with the header.
func WriteFrameUnix(conn *net.UnixConn, f Frame, fds []int) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("frame payload %d bytes exceeds limit %d", len(f.Payload), MaxPayload)
	}
	if len(fds) > maxFrameFDs {
		return fmt.Errorf("%d descriptors attached to one frame, limit is %d", len(fds), maxFrameFDs)
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf, f, len(f.Payload))
	copy(buf[HeaderLen:], f.Payload)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err := conn.WriteMsgUnix(buf, oob, nil)
	return err
}

// ReadFrameUnix reads one frame from conn along with any descriptors passed
// as SCM_RIGHTS data. The caller owns the returned descriptors and must close
// them. A clean end-of-stream returns io.EOF.
func ReadFrameUnix(conn *net.UnixConn) (Frame, []int, error) {
	var hdr [HeaderLen]byte
	oob, err := readFullMsg(conn, hdr[:], true)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, nil, io.EOF
		}
		return Frame{}, nil, fmt.Errorf("reading frame header: %w", err)
	}
	f, n, err := parseHeader(hdr[:])
	if err != nil {
		closeRights(oob)
		return Frame{}, nil, err
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := readFullMsg(conn, f.Payload, false); err != nil {
			closeRights(oob)
			return Frame{}, nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	fds, err := parseRights(oob)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("parsing descriptor rights: %w", err)
	}
	return f, fds, nil
}

// readFullMsg fills buf from conn via recvmsg, accumulating any ancillary
// data seen along the way. Ancillary data is only expected (and only
// collected) on the header read; the sender attaches rights to the first
// byte of a frame. A clean io.EOF is reported only at a frame boundary;
// end-of-stream anywhere inside a frame is io.ErrUnexpectedEOF.
func readFullMsg(conn *net.UnixConn, buf []byte, wantOOB bool) ([]byte, error) {
	var oob []byte
	var oobBuf []byte
	if wantOOB {
		oobBuf = make([]byte, unix.CmsgSpace(maxFrameFDs*4))
	}
	atBoundary := func(off int) bool {
		return wantOOB && off == 0 && len(oob) == 0
	}
	for off := 0; off < len(buf); {
		n, oobn, flags, _, err := conn.ReadMsgUnix(buf[off:], oobBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if atBoundary(off) {
					return nil, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return oob, err
		}
		if flags&unix.MSG_CTRUNC != 0 {
			return oob, errors.New("ancillary data truncated")
		}
		if oobn > 0 {
			oob = append(oob, oobBuf[:oobn]...)
		}
		if n == 0 && oobn == 0 {
			if atBoundary(off) {
				return nil, io.EOF
			}
			return oob, io.ErrUnexpectedEOF
		}
		off += n
	}
	return oob, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return nil, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// closeRights closes descriptors from ancillary data that is being discarded
// because the surrounding frame was rejected. Best effort.
func closeRights(oob []byte) {
	fds, err := parseRights(oob)
	if err != nil {
		return
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
}
