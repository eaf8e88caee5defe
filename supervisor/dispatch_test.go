package supervisor

import (
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procwire/procwire/wire"
)

// startDispatcher runs a dispatcher over an in-memory pipe so frames can be
// injected without a helper.
func startDispatcher(tbl *table) (*io.PipeWriter, chan struct{}) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	d := &dispatcher{
		log:   logger.Sugar().Named("dispatch-test"),
		r:     pr,
		table: tbl,
		done:  done,
	}
	go d.run()
	return pw, done
}

func registerProc(tbl *table) (*Proc, *Queue) {
	q := NewQueue()
	p := &Proc{sink: q, queue: q}
	tbl.add(p)
	return p, q
}

func write(t *testing.T, w io.Writer, f wire.Frame) {
	t.Helper()
	require.NoError(t, wire.Encode(w, f))
}

func collect(t *testing.T, q *Queue) []Status {
	t.Helper()
	var got []Status
	for {
		select {
		case st, ok := <-q.Messages():
			if !ok {
				return got
			}
			got = append(got, st)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out collecting statuses")
		}
	}
}

func TestDispatchRoutesInOrder(t *testing.T) {
	tbl := newTable()
	p, q := registerProc(tbl)
	pw, done := startDispatcher(tbl)

	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindStarted, Value: 1234})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindOutput, Value: wire.StreamStdout, Payload: []byte("a")})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindOutput, Value: wire.StreamStderr, Payload: []byte("b")})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindOutputClosed, Value: wire.StreamStdout})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindOutputClosed, Value: wire.StreamStderr})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindExited, Value: 0})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindEndOfStatus})
	pw.Close()
	<-done

	got := collect(t, q)
	require.Len(t, got, 6, "started is consumed by the dispatcher")
	kinds := make([]wire.Kind, len(got))
	for i, st := range got {
		kinds[i] = st.Kind
	}
	assert.Equal(t, []wire.Kind{
		wire.KindOutput, wire.KindOutput,
		wire.KindOutputClosed, wire.KindOutputClosed,
		wire.KindExited, wire.KindEndOfStatus,
	}, kinds)
	assert.Equal(t, "a", string(got[0].Payload))
	assert.Equal(t, "b", string(got[1].Payload))

	pid, ok := p.PID()
	assert.True(t, ok)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, StateTerminated, p.State())

	_, live := tbl.lookup(p.tag)
	assert.False(t, live, "tag retired after end-of-status")
}

func TestDispatchDropsUnknownTags(t *testing.T) {
	tbl := newTable()
	p, q := registerProc(tbl)
	pw, done := startDispatcher(tbl)

	// Neither an unknown tag nor a helper self-report may reach the sink or
	// kill the loop.
	write(t, pw, wire.Frame{Tag: p.tag + 100, Kind: wire.KindOutput, Value: wire.StreamStdout, Payload: []byte("stray")})
	write(t, pw, wire.Frame{Tag: wire.HelperTag, Kind: wire.KindMalformed, Payload: []byte("oops")})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindExited, Value: 7})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindEndOfStatus})
	pw.Close()
	<-done

	got := collect(t, q)
	require.Len(t, got, 2)
	assert.Equal(t, wire.KindExited, got[0].Kind)
	assert.Equal(t, int32(7), got[0].Value)
}

func TestDispatchSynthesizesHelperLost(t *testing.T) {
	tbl := newTable()
	p, q := registerProc(tbl)
	pw, done := startDispatcher(tbl)

	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindStarted, Value: 99})
	// Channel dies with the process still live.
	pw.Close()
	<-done

	got := collect(t, q)
	require.Len(t, got, 2)
	assert.Equal(t, wire.KindHelperLost, got[0].Kind)
	assert.True(t, got[0].Terminal())
	assert.NotEmpty(t, got[0].Payload)
	assert.Equal(t, wire.KindEndOfStatus, got[1].Kind)
	assert.Equal(t, StateTerminated, p.State())

	_, live := tbl.lookup(p.tag)
	assert.False(t, live)
}

func TestDispatchMalformedForLiveTag(t *testing.T) {
	tbl := newTable()
	p, q := registerProc(tbl)
	pw, done := startDispatcher(tbl)

	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindMalformed, Payload: []byte("bad spawn request")})
	write(t, pw, wire.Frame{Tag: p.tag, Kind: wire.KindEndOfStatus})
	pw.Close()
	<-done

	got := collect(t, q)
	require.Len(t, got, 2)
	assert.Equal(t, wire.KindSpawnError, got[0].Kind)
	assert.Equal(t, int32(syscall.EINVAL), got[0].Value)
	assert.Equal(t, []byte("bad spawn request"), got[0].Payload)
}

func TestTableNeverReusesLiveTags(t *testing.T) {
	tbl := newTable()
	first := tbl.add(&Proc{})
	second := tbl.add(&Proc{})
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, wire.HelperTag, first)
	assert.NotEqual(t, wire.HelperTag, second)

	tbl.retire(first)
	for i := 0; i < 1000; i++ {
		tag := tbl.add(&Proc{})
		assert.NotEqual(t, second, tag)
	}
}
