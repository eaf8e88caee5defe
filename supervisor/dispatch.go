package supervisor

import (
	"errors"
	"io"
	"syscall"

	"go.uber.org/zap"

	"github.com/procwire/procwire/wire"
)

// dispatcher is the single reader that decodes frames off the control
// channel and routes them to per-process sinks. Exactly one goroutine runs
// it per Manager session, which is what provides the ordering guarantee: the
// relative order of events on the wire is the order they reach each sink,
// and a process's terminal message is dispatched only after every data
// message that precedes it.
type dispatcher struct {
	log   *zap.SugaredLogger
	r     io.Reader
	table *table
	done  chan struct{}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		f, err := wire.Decode(d.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.log.Warnf("control channel read failed: %s", err)
			}
			break
		}
		d.handle(f)
	}
	d.failLive()
}

func (d *dispatcher) handle(f wire.Frame) {
	if f.Tag == wire.HelperTag {
		d.log.Warnf("helper self-report: %s value=%d: %s", f.Kind, f.Value, f.Payload)
		return
	}
	p, ok := d.table.lookup(f.Tag)
	if !ok {
		d.log.Warnf("dropping frame for unknown or retired tag %d (%s)", f.Tag, f.Kind)
		return
	}
	switch f.Kind {
	case wire.KindStarted:
		p.setStarted(int(f.Value))
	case wire.KindMalformed:
		// The helper rejected something about this process's request;
		// surface it as the spawn failure it is.
		p.deliver(Status{Tag: f.Tag, Kind: wire.KindSpawnError, Value: int32(syscall.EINVAL), Payload: f.Payload})
	case wire.KindEndOfStatus:
		p.deliver(Status{Tag: f.Tag, Kind: f.Kind})
		d.table.retire(f.Tag)
	default:
		p.deliver(Status{Tag: f.Tag, Kind: f.Kind, Value: f.Value, Payload: f.Payload})
	}
}

// failLive force-terminates every handle still registered when the channel
// reaches end-of-stream: no further legitimate status can ever arrive for
// them, so each gets a synthetic helper-lost terminal and is retired.
func (d *dispatcher) failLive() {
	for _, p := range d.table.snapshot() {
		d.log.Warnf("control channel closed with tag %d still live, failing it", p.tag)
		p.deliver(Status{
			Tag:     p.tag,
			Kind:    wire.KindHelperLost,
			Value:   int32(syscall.SIGKILL),
			Payload: []byte("control channel closed before terminal status arrived"),
		})
		p.deliver(Status{Tag: p.tag, Kind: wire.KindEndOfStatus})
		d.table.retire(p.tag)
	}
}
