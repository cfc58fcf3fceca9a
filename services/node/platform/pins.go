package platform

import (
	"sync"

	"nodemanager-go/services/node/hwcore"
)

// ----------------------------- GPIO (host) -----------------------------------

// FakePin implements hwcore.GPIOPin and hwcore.IRQPin for host runs and tests.
type FakePin struct {
	mu      sync.RWMutex
	number  int
	level   bool
	modeOut bool
	pull    hwcore.Pull
	irqEdge hwcore.Edge
	irqFunc func()
	writes  int
	history []bool
}

func (p *FakePin) Number() int { return p.number }

func (p *FakePin) ConfigureInput(pull hwcore.Pull) error {
	p.mu.Lock()
	p.modeOut = false
	p.pull = pull
	// An idle pulled-up input reads high.
	if pull == hwcore.PullUp && p.writes == 0 {
		p.level = true
	}
	p.mu.Unlock()
	return nil
}

func (p *FakePin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.modeOut = true
	p.mu.Unlock()
	p.Set(initial)
	return nil
}

// Set drives the pin. Input pins accept Set too so tests can model external
// signals; a matching edge fires the installed IRQ handler.
func (p *FakePin) Set(level bool) {
	p.mu.Lock()
	old := p.level
	p.level = level
	p.writes++
	p.history = append(p.history, level)
	fire := irqWanted(p.irqEdge, old, level)
	irq := p.irqFunc
	p.mu.Unlock()
	if fire && irq != nil {
		irq()
	}
}

func (p *FakePin) Get() bool {
	p.mu.RLock()
	v := p.level
	p.mu.RUnlock()
	return v
}

func (p *FakePin) Toggle() { p.Set(!p.Get()) }

// IsOutput reports the configured direction.
func (p *FakePin) IsOutput() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modeOut
}

// Pull reports the configured input pull.
func (p *FakePin) Pull() hwcore.Pull {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pull
}

// History returns every level written, oldest first.
func (p *FakePin) History() []bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]bool(nil), p.history...)
}

func (p *FakePin) SetIRQ(edge hwcore.Edge, handler func()) error {
	p.mu.Lock()
	p.irqEdge = edge
	p.irqFunc = handler
	p.mu.Unlock()
	return nil
}

func (p *FakePin) ClearIRQ() error {
	p.mu.Lock()
	p.irqEdge = hwcore.EdgeNone
	p.irqFunc = nil
	p.mu.Unlock()
	return nil
}

// IRQEdge reports the armed edge (EdgeNone when disarmed).
func (p *FakePin) IRQEdge() hwcore.Edge {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.irqEdge
}

func irqWanted(cfg hwcore.Edge, old, new bool) bool {
	switch cfg {
	case hwcore.EdgeRising:
		return !old && new
	case hwcore.EdgeFalling:
		return old && !new
	case hwcore.EdgeChange:
		return old != new
	case hwcore.EdgeLow:
		return !new
	default:
		return false
	}
}

// ----------------------------- Analog (host) ---------------------------------

// FakeAnalog returns queued readings, then repeats the last one.
type FakeAnalog struct {
	mu     sync.Mutex
	number int
	queue  []uint16
	last   uint16
	ref    hwcore.Reference
	reads  int
}

func (a *FakeAnalog) Number() int { return a.number }

func (a *FakeAnalog) Read() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	if len(a.queue) > 0 {
		a.last = a.queue[0]
		a.queue = a.queue[1:]
	}
	return a.last
}

func (a *FakeAnalog) SetReference(ref hwcore.Reference) error {
	a.mu.Lock()
	a.ref = ref
	a.mu.Unlock()
	return nil
}

// Push queues readings returned by subsequent Read calls.
func (a *FakeAnalog) Push(v ...uint16) {
	a.mu.Lock()
	a.queue = append(a.queue, v...)
	a.mu.Unlock()
}

// Reference reports the last configured reference.
func (a *FakeAnalog) Reference() hwcore.Reference {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ref
}

// Reads reports how many conversions were taken.
func (a *FakeAnalog) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}
