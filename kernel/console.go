package kernel

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/pkg/waiter"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// consoleRdev is /dev/console's device number.
var consoleRdev = uint64(linux.MakeDeviceID(5, 1))

// Console connects a task's standard descriptors to the host.
type Console struct {
	in  *Pipe
	out io.Writer
	tty *os.File

	mu sync.Mutex
}

// NewConsole starts feeding in to the console's input. A nil in gives
// an input that is always at end of file.
func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{
		in:  &Pipe{readers: 1, writers: 1},
		out: out,
	}

	for _, v := range []interface{}{out, in} {
		if f, ok := v.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			c.tty = f
			break
		}
	}

	if in == nil {
		c.in.closeWriter()
	} else {
		go c.feed(in)
	}

	return c
}

func (c *Console) feed(r io.Reader) {
	defer c.in.closeWriter()

	buf := make([]byte, 4096)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := c.in.write(context.Background(), buf[:n], false); werr != nil {
				return
			}
		}

		if err != nil {
			if err != io.EOF {
				log.L.Debug("console input ended", "error", err)
			}

			return
		}
	}
}

// Files returns new stdin, stdout and stderr files.
func (c *Console) Files() (stdin, stdout, stderr *File) {
	c.in.mu.Lock()
	c.in.readers++
	c.in.mu.Unlock()

	stdin = NewFile(nil, linux.O_RDONLY, &consoleFile{c: c, input: true})
	stdout = NewFile(nil, linux.O_WRONLY, &consoleFile{c: c})
	stderr = NewFile(nil, linux.O_WRONLY, &consoleFile{c: c})

	return stdin, stdout, stderr
}

// Install places the console on descriptors 0, 1 and 2 of fds.
func (c *Console) Install(fds *FDTable) error {
	in, out, errf := c.Files()

	for fd, f := range []*File{in, out, errf} {
		if err := fds.Replace(fd, f, false); err != nil {
			return err
		}
	}

	return nil
}

type consoleFile struct {
	c     *Console
	input bool
}

func (cf *consoleFile) Read(ctx context.Context, f *File, dst []byte, off int64) (int, error) {
	if !cf.input {
		return 0, ErrBadFD
	}

	return cf.c.in.read(ctx, dst, f.NonBlocking())
}

func (cf *consoleFile) Write(ctx context.Context, f *File, src []byte, off int64) (int, error) {
	if cf.input {
		return 0, ErrBadFD
	}

	cf.c.mu.Lock()
	defer cf.c.mu.Unlock()

	return cf.c.out.Write(src)
}

func (cf *consoleFile) Readiness(mask waiter.EventType) waiter.EventType {
	if !cf.input {
		return mask & waiter.EventOut
	}

	return (&pipeEnd{pipe: cf.c.in, read: true}).Readiness(mask)
}

func (cf *consoleFile) EventRegister(e *waiter.Entry) {
	if cf.input {
		cf.c.in.queue.EventRegister(e)
	}
}

func (cf *consoleFile) EventUnregister(e *waiter.Entry) {
	if cf.input {
		cf.c.in.queue.EventUnregister(e)
	}
}

func (cf *consoleFile) Stat() linux.Stat {
	return linux.Stat{
		Mode:    linux.S_IFCHR | 0620,
		Nlink:   1,
		Rdev:    consoleRdev,
		Blksize: 1024,
	}
}

func (cf *consoleFile) Ioctl(ctx context.Context, t *Task, cmd uint32, arg uint64) (int64, error) {
	tty := cf.c.tty

	switch cmd {
	case linux.TIOCGWINSZ:
		if tty == nil {
			return 0, ErrNotTTY
		}

		ws, err := unix.IoctlGetWinsize(int(tty.Fd()), unix.TIOCGWINSZ)
		if err != nil {
			return 0, ErrNotTTY
		}

		return 0, t.CopyOut(arg, linux.Winsize{
			Row:    ws.Row,
			Col:    ws.Col,
			Xpixel: ws.Xpixel,
			Ypixel: ws.Ypixel,
		})
	case linux.TCGETS:
		if tty == nil {
			return 0, ErrNotTTY
		}

		tios, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
		if err != nil {
			return 0, ErrNotTTY
		}

		return 0, t.CopyOut(arg, tios)
	case linux.TIOCGPGRP:
		if tty == nil {
			return 0, ErrNotTTY
		}

		// Job control is not modelled; init leads the only group.
		return 0, t.CopyOut(arg, int32(1))
	default:
		return 0, ErrNotTTY
	}
}

func (cf *consoleFile) Release() error {
	if cf.input {
		p := cf.c.in

		p.mu.Lock()
		p.readers--
		p.mu.Unlock()

		p.queue.Notify(waiter.EventOut | waiter.EventErr)
	}

	return nil
}
