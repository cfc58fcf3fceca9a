// Package lineport carries messages as serial gateway lines
// (node;child;cmd;ack;type;payload) over any byte stream: a serial device,
// a pipe or stdin/stdout.
package lineport

import (
	"bufio"
	"context"
	"io"
	"sync"

	"nodemanager-go/protocol"
	"nodemanager-go/services/transport"
	"nodemanager-go/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Port struct {
	w   io.Writer
	log *zap.Logger
	in  chan types.Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ transport.Transport = (*Port)(nil)

// New starts reading lines from r. Lines that do not decode are logged and
// skipped. Inbound closes when r reaches EOF or the port is closed.
func New(r io.Reader, w io.Writer, log *zap.Logger) *Port {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Port{w: w, log: log, in: make(chan types.Message, transport.DefaultQueue), done: make(chan struct{})}
	go p.read(r)
	return p
}

func (p *Port) read(r io.Reader) {
	defer close(p.in)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		m, err := protocol.DecodeLine(line)
		if err != nil {
			p.log.Warn("skipping line", zap.String("line", line), zap.Error(err))
			continue
		}
		select {
		case p.in <- m:
		case <-p.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		p.log.Warn("line reader stopped", zap.Error(err))
	}
}

// Send writes one line. Writes are serialised.
func (p *Port) Send(ctx context.Context, m types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("lineport: closed")
	}
	if _, err := io.WriteString(p.w, protocol.EncodeLine(m)+"\n"); err != nil {
		return errors.Wrap(err, "lineport: write")
	}
	return nil
}

func (p *Port) Inbound() <-chan types.Message { return p.in }

// Close stops delivery. A reader blocked in Read is not interrupted; close
// the underlying stream for that.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}
