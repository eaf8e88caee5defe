package supervisor

import (
	"sync"

	"github.com/procwire/procwire/wire"
)

// table maps live correlation tags to process handles. Inserts happen on
// spawn, lookups on dispatch, and a tag is retired only after its
// end-of-status has been delivered, so a tag is never reused while its
// handle still has undelivered terminal status.
type table struct {
	mu    sync.Mutex
	procs map[uint32]*Proc
	next  uint32
}

func newTable() *table {
	return &table{procs: make(map[uint32]*Proc)}
}

// add registers p under a fresh nonzero tag and returns it.
func (t *table) add(p *Proc) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.next++
		if t.next == wire.HelperTag {
			continue
		}
		if _, used := t.procs[t.next]; !used {
			break
		}
	}
	p.tag = t.next
	t.procs[p.tag] = p
	return p.tag
}

func (t *table) lookup(tag uint32) (*Proc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[tag]
	return p, ok
}

func (t *table) retire(tag uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, tag)
}

func (t *table) snapshot() []*Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	procs := make([]*Proc, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	return procs
}
