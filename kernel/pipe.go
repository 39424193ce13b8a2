package kernel

import (
	"bytes"
	"context"
	"sync"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/pkg/waiter"
)

// PipeBufferSize is the capacity of a pipe, as Linux's default.
const PipeBufferSize = 64 << 10

var ErrBrokenPipe = abi.NewError(abi.EPIPE, "broken pipe")

type Pipe struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	readers int
	writers int

	queue waiter.Queue
}

// NewPipe returns the read and write ends of a new pipe.
func NewPipe(flags linux.OpenFlags) (*File, *File) {
	p := &Pipe{readers: 1, writers: 1}

	flags &= linux.O_NONBLOCK

	r := NewFile(nil, flags|linux.O_RDONLY, &pipeEnd{pipe: p, read: true})
	w := NewFile(nil, flags|linux.O_WRONLY, &pipeEnd{pipe: p})

	return r, w
}

// blocking returns a context that signals interrupt, when ctx carries a
// task.
func blocking(ctx context.Context) (context.Context, func()) {
	if t, ok := GetTask(ctx); ok {
		return t.Interruptible(ctx)
	}

	return context.WithCancel(ctx)
}

func (p *Pipe) wait(ctx context.Context, mask waiter.EventType, ready func() bool) error {
	ch := make(chan struct{}, 1)
	e := p.queue.RegisterChannel(mask, ch)
	defer p.queue.EventUnregister(e)

	ctx, done := blocking(ctx)
	defer done()

	for {
		if ready() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (p *Pipe) read(ctx context.Context, dst []byte, nonblock bool) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	for {
		p.mu.Lock()

		if p.buf.Len() > 0 {
			n, _ := p.buf.Read(dst)
			p.mu.Unlock()

			p.queue.Notify(waiter.EventOut)

			return n, nil
		}

		if p.writers == 0 {
			p.mu.Unlock()
			return 0, nil
		}

		p.mu.Unlock()

		if nonblock {
			return 0, ErrWouldBlock
		}

		err := p.wait(ctx, waiter.EventIn|waiter.EventHUp, func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()

			return p.buf.Len() > 0 || p.writers == 0
		})
		if err != nil {
			return 0, err
		}
	}
}

func (p *Pipe) write(ctx context.Context, src []byte, nonblock bool) (int, error) {
	var total int

	for len(src) > 0 {
		p.mu.Lock()

		if p.readers == 0 {
			p.mu.Unlock()

			if t, ok := GetTask(ctx); ok {
				t.SendSignal(linux.SIGPIPE)
			}

			if total > 0 {
				return total, nil
			}

			return 0, ErrBrokenPipe
		}

		space := PipeBufferSize - p.buf.Len()
		if space > 0 {
			n := len(src)
			if n > space {
				n = space
			}

			p.buf.Write(src[:n])
			p.mu.Unlock()

			p.queue.Notify(waiter.EventIn)

			total += n
			src = src[n:]

			continue
		}

		p.mu.Unlock()

		if nonblock {
			if total > 0 {
				return total, nil
			}

			return 0, ErrWouldBlock
		}

		err := p.wait(ctx, waiter.EventOut|waiter.EventErr, func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()

			return p.buf.Len() < PipeBufferSize || p.readers == 0
		})
		if err != nil {
			if total > 0 {
				return total, nil
			}

			return 0, err
		}
	}

	return total, nil
}

// closeWriter drops a writer without a file, for pipes fed from the host.
func (p *Pipe) closeWriter() {
	p.mu.Lock()
	p.writers--
	p.mu.Unlock()

	p.queue.Notify(waiter.EventIn | waiter.EventHUp)
}

type pipeEnd struct {
	pipe *Pipe
	read bool
}

func (e *pipeEnd) Read(ctx context.Context, f *File, dst []byte, off int64) (int, error) {
	if !e.read {
		return 0, ErrBadFD
	}

	return e.pipe.read(ctx, dst, f.NonBlocking())
}

func (e *pipeEnd) Write(ctx context.Context, f *File, src []byte, off int64) (int, error) {
	if e.read {
		return 0, ErrBadFD
	}

	return e.pipe.write(ctx, src, f.NonBlocking())
}

func (e *pipeEnd) Readiness(mask waiter.EventType) waiter.EventType {
	p := e.pipe

	p.mu.Lock()
	defer p.mu.Unlock()

	var ready waiter.EventType

	if e.read {
		if p.buf.Len() > 0 {
			ready |= waiter.EventIn
		}

		if p.writers == 0 {
			ready |= waiter.EventHUp
		}
	} else {
		if p.buf.Len() < PipeBufferSize {
			ready |= waiter.EventOut
		}

		if p.readers == 0 {
			ready |= waiter.EventErr
		}
	}

	return ready & (mask | waiter.EventHUp | waiter.EventErr)
}

func (e *pipeEnd) EventRegister(w *waiter.Entry) {
	e.pipe.queue.EventRegister(w)
}

func (e *pipeEnd) EventUnregister(w *waiter.Entry) {
	e.pipe.queue.EventUnregister(w)
}

func (e *pipeEnd) Stat() linux.Stat {
	return linux.Stat{
		Mode:    linux.S_IFIFO | 0600,
		Nlink:   1,
		Blksize: 4096,
	}
}

func (e *pipeEnd) Release() error {
	p := e.pipe

	p.mu.Lock()
	if e.read {
		p.readers--
	} else {
		p.writers--
	}
	p.mu.Unlock()

	log.L.Trace("pipe-end-closed", "read", e.read)

	p.queue.Notify(waiter.EventIn | waiter.EventOut | waiter.EventHUp | waiter.EventErr)

	return nil
}
