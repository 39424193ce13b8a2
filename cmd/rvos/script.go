package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/memory"
	"github.com/evanphx/rvos/platform"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// A script is the user program model the boot command runs. Each line is
// one trap:
//
//	name arg...
//
// name is an operation name (case-insensitive) or a raw identifier.
// Arguments are integers, quoted strings (copied into user memory, NUL
// terminated), $? for the previous result, $N for argv[N] as a string,
// @N for N zeroed bytes, @name:N to allocate a named buffer and @name to
// reuse it. Everything after # is a comment.

var (
	ErrScriptSyntax = errors.New("script syntax error")
	ErrArenaFull    = errors.New("script arena exhausted")
)

// ScriptFault is the exit code of a task whose script can not continue.
const ScriptFault = 127

const arenaSize = 64 * 1024

type argKind int

const (
	argInt argKind = iota
	argString
	argLast
	argArgv
	argBuffer
	argNamed
)

type scriptArg struct {
	kind argKind
	val  uint64
	str  string
	size int
}

type scriptLine struct {
	num  int
	name string
	id   uint64
	args []scriptArg
}

// ParseScript reads a script. Syntax errors carry the line number.
func ParseScript(r io.Reader) ([]scriptLine, error) {
	var lines []scriptLine

	sc := bufio.NewScanner(r)

	num := 0
	for sc.Scan() {
		num++

		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}

		line, err := parseLine(num, text)
		if err != nil {
			return nil, err
		}

		lines = append(lines, line)
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

func tokenize(num int, text string) ([]string, error) {
	var toks []string

	for {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		if text == "" || text[0] == '#' {
			return toks, nil
		}

		if text[0] == '"' || text[0] == '`' {
			q, err := strconv.QuotedPrefix(text)
			if err != nil {
				return nil, errors.Wrapf(ErrScriptSyntax, "line %d: bad string", num)
			}

			toks = append(toks, q)
			text = text[len(q):]

			continue
		}

		end := strings.IndexFunc(text, unicode.IsSpace)
		if end < 0 {
			end = len(text)
		}

		toks = append(toks, text[:end])
		text = text[end:]
	}
}

func parseLine(num int, text string) (scriptLine, error) {
	toks, err := tokenize(num, text)
	if err != nil {
		return scriptLine{}, err
	}

	line := scriptLine{num: num, name: toks[0]}

	if id, err := strconv.ParseUint(toks[0], 0, 64); err == nil {
		line.id = id
	} else if s, ok := linux.LookupName(strings.ToUpper(toks[0])); ok {
		line.id = s.Number()
		line.name = s.String()
	} else {
		return scriptLine{}, errors.Wrapf(ErrScriptSyntax, "line %d: unknown operation %q", num, toks[0])
	}

	if len(toks)-1 > 6 {
		return scriptLine{}, errors.Wrapf(ErrScriptSyntax, "line %d: more than 6 arguments", num)
	}

	for _, tok := range toks[1:] {
		arg, err := parseArg(tok)
		if err != nil {
			return scriptLine{}, errors.Wrapf(ErrScriptSyntax, "line %d: %s", num, err)
		}

		line.args = append(line.args, arg)
	}

	return line, nil
}

func parseArg(tok string) (scriptArg, error) {
	switch {
	case tok[0] == '"' || tok[0] == '`':
		s, err := strconv.Unquote(tok)
		if err != nil {
			return scriptArg{}, err
		}

		return scriptArg{kind: argString, str: s}, nil
	case tok == "$?":
		return scriptArg{kind: argLast}, nil
	case tok[0] == '$':
		n, err := strconv.Atoi(tok[1:])
		if err != nil || n < 0 {
			return scriptArg{}, fmt.Errorf("bad argv reference %s", tok)
		}

		return scriptArg{kind: argArgv, val: uint64(n)}, nil
	case tok[0] == '@':
		return parseBuffer(tok[1:])
	}

	if v, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return scriptArg{kind: argInt, val: uint64(v)}, nil
	}

	v, err := strconv.ParseUint(tok, 0, 64)
	if err != nil {
		return scriptArg{}, fmt.Errorf("bad argument %s", tok)
	}

	return scriptArg{kind: argInt, val: v}, nil
}

func parseBuffer(ref string) (scriptArg, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n <= 0 || n > arenaSize {
			return scriptArg{}, fmt.Errorf("bad buffer size %d", n)
		}

		return scriptArg{kind: argBuffer, size: n}, nil
	}

	name, size, sized := strings.Cut(ref, ":")
	if name == "" {
		return scriptArg{}, fmt.Errorf("bad buffer @%s", ref)
	}

	arg := scriptArg{kind: argNamed, str: name}

	if sized {
		n, err := strconv.Atoi(size)
		if err != nil || n <= 0 || n > arenaSize {
			return scriptArg{}, fmt.Errorf("bad buffer size %s", size)
		}

		arg.size = n
	}

	return arg, nil
}

// Script runs parsed lines as a task's user program.
type Script struct {
	m     *platform.Machine
	lines []scriptLine
	argv  []string
	echo  io.Writer
	log   hclog.Logger

	pc   int
	last int64

	// Signal handlers are modeled as empty bodies: every entered
	// handler is returned from before the next line runs.
	frames int

	arena   uint64
	cursor  uint64
	buffers map[string]uint64
}

func NewScript(m *platform.Machine, lines []scriptLine, argv []string, echo io.Writer) *Script {
	return &Script{
		m:     m,
		lines: lines,
		argv:  argv,
		echo:  echo,
		log:   log.L.Named("script"),
	}
}

var _ kernel.SignalTarget = (*Script)(nil)

// Clone continues after the clone line with a result of 0. Named buffers
// stay valid in the child, which allocates anything new from its own
// arena.
func (s *Script) Clone(stack, tls uint64) kernel.UserContext {
	c := &Script{
		m:     s.m,
		lines: s.lines,
		argv:  s.argv,
		echo:  s.echo,
		log:   s.log,
		pc:    s.pc,
	}

	if len(s.buffers) > 0 {
		c.buffers = make(map[string]uint64, len(s.buffers))
		for k, v := range s.buffers {
			c.buffers[k] = v
		}
	}

	return c
}

func (s *Script) EnterHandler(ctx context.Context, t *kernel.Task, signo int, act linux.SigAction) error {
	s.log.Debug("entering handler", "tid", t.Tid, "signal", linux.SignalName(signo), "handler", act.Handler)
	s.frames++
	return nil
}

func (s *Script) Run(ctx context.Context, t *kernel.Task) {
	for s.pc < len(s.lines) {
		if t.ShouldStop(s) {
			return
		}

		line := s.lines[s.pc]
		s.pc++

		ret, err := s.step(ctx, t, line)
		if err != nil {
			s.log.Error("script fault", "tid", t.Tid, "line", line.num, "error", err)
			t.ExitGroup(ScriptFault)
			return
		}

		s.last = ret

		if s.echo != nil && !t.Exited() {
			fmt.Fprintf(s.echo, "[%d] %s = %d\n", t.Tid, line.name, ret)
		}
	}
}

// cpu spreads tasks over the online harts.
func (s *Script) cpu(t *kernel.Task) (*platform.CPU, error) {
	n := s.m.Config().SMP

	if cpu, ok := s.m.CPU(uint(t.Tid % n)); ok && cpu.Online() {
		return cpu, nil
	}

	cpu, ok := s.m.CPU(0)
	if !ok {
		return nil, platform.ErrNotBooted
	}

	return cpu, nil
}

func (s *Script) step(ctx context.Context, t *kernel.Task, line scriptLine) (int64, error) {
	var args [6]uint64

	for i, a := range line.args {
		v, err := s.resolve(t, a)
		if err != nil {
			return 0, err
		}

		args[i] = v
	}

	cpu, err := s.cpu(t)
	if err != nil {
		return 0, err
	}

	ret, err := cpu.Syscall(ctx, t, line.id, args)
	if err != nil {
		return 0, err
	}

	for s.frames > 0 && !t.Exited() {
		s.frames--

		ret, err = cpu.Syscall(ctx, t, linux.SIGRETURN.Number(), [6]uint64{})
		if err != nil {
			return 0, err
		}
	}

	return ret, nil
}

func (s *Script) resolve(t *kernel.Task, a scriptArg) (uint64, error) {
	switch a.kind {
	case argInt:
		return a.val, nil
	case argLast:
		return uint64(s.last), nil
	case argString:
		return s.place(t, append([]byte(a.str), 0))
	case argArgv:
		if a.val >= uint64(len(s.argv)) {
			return 0, nil
		}

		return s.place(t, append([]byte(s.argv[a.val]), 0))
	case argBuffer:
		return s.place(t, make([]byte, a.size))
	case argNamed:
		if addr, ok := s.buffers[a.str]; ok && a.size == 0 {
			return addr, nil
		}

		if a.size == 0 {
			return 0, errors.Errorf("buffer @%s used before it was sized", a.str)
		}

		addr, err := s.place(t, make([]byte, a.size))
		if err != nil {
			return 0, err
		}

		if s.buffers == nil {
			s.buffers = make(map[string]uint64)
		}

		s.buffers[a.str] = addr

		return addr, nil
	default:
		return 0, errors.Errorf("unknown argument kind %d", a.kind)
	}
}

// place copies b into the task's arena, mapping the arena on first use.
func (s *Script) place(t *kernel.Task, b []byte) (uint64, error) {
	if s.arena == 0 {
		addr, err := t.Memory().Map(memory.MapRequest{
			Length: arenaSize,
			Prot:   linux.PROT_READ | linux.PROT_WRITE,
			Flags:  linux.MAP_PRIVATE | linux.MAP_ANONYMOUS,
		})
		if err != nil {
			return 0, errors.Wrap(err, "mapping script arena")
		}

		s.arena = addr
		s.cursor = addr
	}

	size := (uint64(len(b)) + 7) &^ 7

	if s.cursor+size > s.arena+arenaSize {
		return 0, ErrArenaFull
	}

	addr := s.cursor

	if err := t.CopyOutBytes(addr, b); err != nil {
		return 0, err
	}

	s.cursor += size

	return addr, nil
}
