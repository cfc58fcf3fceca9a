package platform

import (
	"context"
	"sync"
	"time"

	"nodemanager-go/services/node/hwcore"

	"github.com/benbjohnson/clock"
)

// ----------------------------- Hosted timing ---------------------------------

// ClockDelayer blocks on a clock.
type ClockDelayer struct{ Clock clock.Clock }

func (d ClockDelayer) Delay(dur time.Duration) {
	if dur > 0 {
		d.Clock.Sleep(dur)
	}
}

// ClockSuspender suspends for real: a clock timer races the wake channel.
// Wake events queued before the call are discarded.
type ClockSuspender struct{ Clock clock.Clock }

func (s ClockSuspender) Suspend(ctx context.Context, d time.Duration, _ bool, wake <-chan int) (hwcore.Wake, error) {
	drain(wake)
	start := s.Clock.Now()
	t := s.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return hwcore.Wake{Pin: -1, Elapsed: s.Clock.Since(start)}, nil
	case pin := <-wake:
		return hwcore.Wake{Pin: pin, Elapsed: s.Clock.Since(start)}, nil
	case <-ctx.Done():
		return hwcore.Wake{Pin: -1, Elapsed: s.Clock.Since(start)}, ctx.Err()
	}
}

func drain(ch <-chan int) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// ----------------------------- Simulation ------------------------------------

// SimDelayer advances a mock clock instead of blocking and records each delay.
type SimDelayer struct {
	Mock *clock.Mock

	mu     sync.Mutex
	delays []time.Duration
}

func NewSimDelayer(m *clock.Mock) *SimDelayer { return &SimDelayer{Mock: m} }

func (d *SimDelayer) Delay(dur time.Duration) {
	d.mu.Lock()
	d.delays = append(d.delays, dur)
	d.mu.Unlock()
	if dur > 0 {
		d.Mock.Add(dur)
	}
}

// Delays returns every requested delay, oldest first.
func (d *SimDelayer) Delays() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

// Total is the sum of all delays.
func (d *SimDelayer) Total() time.Duration {
	var sum time.Duration
	for _, x := range d.Delays() {
		sum += x
	}
	return sum
}

// Suspension records one completed Suspend call.
type Suspension struct {
	Requested time.Duration
	Deep      bool
	Wake      hwcore.Wake
}

type scheduledEdge struct {
	at    time.Time
	pin   int
	level bool
}

// SimSuspender is a fake-clock interrupt simulator. Scheduled edges are
// driven onto the board when simulated time reaches them; if the node armed
// an IRQ for that edge, the resulting wake ends the suspension early.
type SimSuspender struct {
	Mock  *clock.Mock
	Board *HostBoard

	mu          sync.Mutex
	pending     []scheduledEdge
	suspensions []Suspension
}

func NewSimSuspender(m *clock.Mock, b *HostBoard) *SimSuspender {
	return &SimSuspender{Mock: m, Board: b}
}

// ScheduleEdge drives pin to level after the given offset from now.
func (s *SimSuspender) ScheduleEdge(after time.Duration, pin int, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := scheduledEdge{at: s.Mock.Now().Add(after), pin: pin, level: level}
	i := len(s.pending)
	for i > 0 && s.pending[i-1].at.After(ev.at) {
		i--
	}
	s.pending = append(s.pending, scheduledEdge{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = ev
}

// ScheduleInterrupt schedules a falling-then-rising pulse, which triggers
// CHANGE, FALLING and LOW interrupts.
func (s *SimSuspender) ScheduleInterrupt(after time.Duration, pin int) {
	s.ScheduleEdge(after, pin, false)
	s.ScheduleEdge(after, pin, true)
}

func (s *SimSuspender) next(deadline time.Time) (scheduledEdge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || s.pending[0].at.After(deadline) {
		return scheduledEdge{}, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true
}

func (s *SimSuspender) Suspend(ctx context.Context, d time.Duration, deep bool, wake <-chan int) (hwcore.Wake, error) {
	if err := ctx.Err(); err != nil {
		return hwcore.Wake{Pin: -1}, err
	}
	drain(wake)
	start := s.Mock.Now()
	deadline := start.Add(d)
	w := hwcore.Wake{Pin: -1, Elapsed: d}

	for {
		ev, ok := s.next(deadline)
		if !ok {
			s.Mock.Set(deadline)
			break
		}
		if ev.at.After(s.Mock.Now()) {
			s.Mock.Set(ev.at)
		}
		if s.Board != nil {
			s.Board.Drive(ev.pin, ev.level)
		}
		if pin, woke := poll(wake); woke {
			w = hwcore.Wake{Pin: pin, Elapsed: s.Mock.Now().Sub(start)}
			break
		}
	}

	s.mu.Lock()
	s.suspensions = append(s.suspensions, Suspension{Requested: d, Deep: deep, Wake: w})
	s.mu.Unlock()
	return w, nil
}

func poll(ch <-chan int) (int, bool) {
	if ch == nil {
		return 0, false
	}
	select {
	case pin := <-ch:
		return pin, true
	default:
		return 0, false
	}
}

// Suspensions returns every completed suspension, oldest first.
func (s *SimSuspender) Suspensions() []Suspension {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Suspension(nil), s.suspensions...)
}

// ----------------------------- Env -------------------------------------------

// NewHostEnv wires a board to the wall clock.
func NewHostEnv(b hwcore.Board) hwcore.Env {
	c := clock.New()
	return hwcore.Env{Board: b, Clock: c, Delay: ClockDelayer{Clock: c}, Sleep: ClockSuspender{Clock: c}}
}

// Sim bundles a simulated environment and its observable parts.
type Sim struct {
	Env     hwcore.Env
	Board   *HostBoard
	Clock   *clock.Mock
	Delayer *SimDelayer
	Sleeper *SimSuspender
}

// NewSim returns a deterministic environment on a mock clock.
func NewSim(maxPin int) *Sim {
	m := clock.NewMock()
	b := NewHostBoard(maxPin)
	d := NewSimDelayer(m)
	s := NewSimSuspender(m, b)
	return &Sim{
		Env:     hwcore.Env{Board: b, Clock: m, Delay: d, Sleep: s},
		Board:   b,
		Clock:   m,
		Delayer: d,
		Sleeper: s,
	}
}
