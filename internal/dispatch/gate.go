package dispatch

import (
	"sync"

	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// gate is the exclusive guard around the engine. Tasks are admitted one at
// a time in ticket order, so engine calls and event publication follow the
// order in which segments were submitted. Swapping the engine takes the same
// lock and lands between two tasks.
type gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64 // next ticket to issue
	serving uint64 // ticket currently admitted or next to be admitted
	inside  bool

	engine stt.Engine
	name   string
}

func newGate(engine stt.Engine, name string) *gate {
	g := &gate{engine: engine, name: name}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// ticket issues the next ticket. Every ticket must eventually be passed to
// enter and leave (or skip), otherwise later tickets wait forever.
func (g *gate) ticket() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.next
	g.next++
	return t
}

// enter blocks until ticket is admitted and returns the current engine.
func (g *gate) enter(ticket uint64) (stt.Engine, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.serving != ticket || g.inside {
		g.cond.Wait()
	}
	g.inside = true
	return g.engine, g.name
}

// leave releases the gate and admits the next ticket.
func (g *gate) leave() {
	g.mu.Lock()
	g.inside = false
	g.serving++
	g.mu.Unlock()
	g.cond.Broadcast()
}

// swap replaces the engine once no task is inside and returns the previous
// one.
func (g *gate) swap(engine stt.Engine, name string) stt.Engine {
	g.mu.Lock()
	for g.inside {
		g.cond.Wait()
	}
	old := g.engine
	g.engine, g.name = engine, name
	g.mu.Unlock()
	g.cond.Broadcast()
	return old
}

// current returns the engine and its name without entering.
func (g *gate) current() (stt.Engine, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engine, g.name
}
