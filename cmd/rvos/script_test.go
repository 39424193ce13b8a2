package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/trace"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.Write(b)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.String()
}

func TestParseScript(t *testing.T) {
	n := neko.Modern(t)

	n.It("resolves names case-insensitively", func(t *testing.T) {
		lines, err := ParseScript(strings.NewReader("getpid\nExit_Group 3\n"))
		require.NoError(t, err)
		require.Len(t, lines, 2)

		require.Equal(t, linux.GETPID.Number(), lines[0].id)
		require.Equal(t, "GETPID", lines[0].name)
		require.Equal(t, linux.EXIT_GROUP.Number(), lines[1].id)
		require.Equal(t, uint64(3), lines[1].args[0].val)
	})

	n.It("accepts raw identifiers and numbers", func(t *testing.T) {
		lines, err := ParseScript(strings.NewReader("999 -1 0x10 18446744073709551615"))
		require.NoError(t, err)
		require.Len(t, lines, 1)

		l := lines[0]
		require.Equal(t, uint64(999), l.id)
		require.Equal(t, ^uint64(0), l.args[0].val)
		require.Equal(t, uint64(16), l.args[1].val)
		require.Equal(t, ^uint64(0), l.args[2].val)
	})

	n.It("parses strings and references", func(t *testing.T) {
		lines, err := ParseScript(strings.NewReader(`write 1 "a b\n" $? $2 @16 @buf:32 @buf`))
		require.NoError(t, err)

		args := lines[0].args
		require.Len(t, args, 6)

		require.Equal(t, argInt, args[0].kind)
		require.Equal(t, argString, args[1].kind)
		require.Equal(t, "a b\n", args[1].str)
		require.Equal(t, argLast, args[2].kind)
		require.Equal(t, argArgv, args[3].kind)
		require.Equal(t, uint64(2), args[3].val)
		require.Equal(t, argBuffer, args[4].kind)
		require.Equal(t, 16, args[4].size)
		require.Equal(t, argNamed, args[5].kind)
		require.Equal(t, "buf", args[5].str)
		require.Equal(t, 32, args[5].size)
	})

	n.It("skips comments and blank lines", func(t *testing.T) {
		src := "# header\n\n  getpid   # trailing\n\t\n"

		lines, err := ParseScript(strings.NewReader(src))
		require.NoError(t, err)
		require.Len(t, lines, 1)
		require.Equal(t, 3, lines[0].num)
		require.Empty(t, lines[0].args)
	})

	n.It("reports syntax errors with the line number", func(t *testing.T) {
		_, err := ParseScript(strings.NewReader("getpid\nfrobnicate 1\n"))
		require.Error(t, err)
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))
		require.Contains(t, err.Error(), "line 2")

		_, err = ParseScript(strings.NewReader(`write 1 "open`))
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))

		_, err = ParseScript(strings.NewReader("write 1 zz 3"))
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))

		_, err = ParseScript(strings.NewReader("write 1 @0"))
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))

		_, err = ParseScript(strings.NewReader("write 1 @:4"))
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))
	})

	n.It("rejects more than six arguments", func(t *testing.T) {
		_, err := ParseScript(strings.NewReader("getpid 1 2 3 4 5 6 7"))
		require.Error(t, err)
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))
	})

	n.Meow()
}

func TestBoot(t *testing.T) {
	n := neko.Modern(t)

	run := func(t *testing.T, opts bootOptions, script string) (int, string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var out syncBuffer

		code, err := boot(ctx, opts, strings.NewReader(script), strings.NewReader(""), &out)
		require.NoError(t, err)

		return code, out.String()
	}

	n.It("runs init and returns its exit code", func(t *testing.T) {
		code, out := run(t, bootOptions{SMP: 1, IRQ: true}, `
write 1 "hi\n" 3
exit_group 3
`)

		require.Equal(t, 3, code)
		require.Equal(t, "hi\n", out)
	})

	n.It("exits with 0 when the script runs off the end", func(t *testing.T) {
		code, _ := run(t, bootOptions{SMP: 1}, "getpid\n")
		require.Equal(t, 0, code)
	})

	n.It("passes argv to the script", func(t *testing.T) {
		code, out := run(t, bootOptions{SMP: 1, Argv: []string{"init", "hello"}}, `
write 1 $1 5
exit_group $?
`)

		require.Equal(t, 5, code)
		require.Equal(t, "hello", out)
	})

	n.It("reuses named buffers", func(t *testing.T) {
		code, out := run(t, bootOptions{SMP: 1}, `
pipe2 @fds:8 0
write 1 "ok" 2
getcwd @cwd:64 64
write 1 @cwd 1
exit_group 0
`)

		require.Equal(t, 0, code)
		require.Equal(t, "ok/", out)
	})

	n.It("echoes results", func(t *testing.T) {
		code, out := run(t, bootOptions{SMP: 1, Echo: true}, "getpid\nexit_group 0\n")

		require.Equal(t, 0, code)
		require.Equal(t, "[1] GETPID = 1\n", out)
	})

	n.It("forks a child and reaps it", func(t *testing.T) {
		// Both tasks continue after clone. The child finds nothing to
		// wait for; the parent exits with the reaped pid.
		code, _ := run(t, bootOptions{SMP: 1}, `
clone 17 0 0 0 0
wait4 -1 0 0 0
exit_group $?
`)

		require.Equal(t, 2, code)
	})

	n.It("runs tasks across several harts", func(t *testing.T) {
		code, _ := run(t, bootOptions{SMP: 2, IRQ: true}, `
clone 17 0 0 0 0
wait4 -1 0 0 0
exit_group $?
`)

		require.Equal(t, 2, code)
	})

	n.It("exits with 255 on an unknown operation", func(t *testing.T) {
		code, _ := run(t, bootOptions{SMP: 1}, "999\nexit_group 0\n")
		require.Equal(t, 255, code)
	})

	n.It("exits with a fault code when a line can not run", func(t *testing.T) {
		code, _ := run(t, bootOptions{SMP: 1}, "write 1 @never 3\nexit_group 0\n")
		require.Equal(t, ScriptFault, code)
	})

	n.It("executes script files written by the machine", func(t *testing.T) {
		code, _ := run(t, bootOptions{SMP: 1}, `
openat -100 "/prog" 0x41 0755
write $? "exit_group 9\n" 13
execve "/prog" 0 0
exit_group 1
`)

		require.Equal(t, 9, code)
	})

	n.It("records a trace database", func(t *testing.T) {
		db := filepath.Join(t.TempDir(), "trace.db")

		code, _ := run(t, bootOptions{SMP: 1, TraceDB: db}, "getpid\nexit_group 4\n")
		require.Equal(t, 4, code)

		store, err := trace.Open(db)
		require.NoError(t, err)
		defer store.Close()

		recs, err := store.Records(context.Background(), 1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(recs), 3)

		require.Equal(t, trace.Enter, recs[0].Phase)
		require.Equal(t, "GETPID", recs[0].Name)
		require.Equal(t, trace.Exit, recs[1].Phase)
		require.Equal(t, int64(1), recs[1].Result)
		require.Equal(t, "EXIT_GROUP", recs[2].Name)
	})

	n.It("fails on a bad script before booting", func(t *testing.T) {
		_, err := boot(context.Background(), bootOptions{SMP: 1}, strings.NewReader("nope"), strings.NewReader(""), &syncBuffer{})
		require.Equal(t, ErrScriptSyntax, errors.Cause(err))
	})

	n.Meow()
}
