package trace

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	var b Buffer

	b.Record(Record{Phase: Enter, Task: 1, Name: "GETPID"})
	b.Record(Record{Phase: Enter, Task: 2, Name: "READ"})
	b.Record(Record{Phase: Exit, Task: 1, Result: 1})

	require.Len(t, b.Records(), 3)

	one := b.ForTask(1)
	require.Len(t, one, 2)
	require.Equal(t, Enter, one[0].Phase)
	require.Equal(t, Exit, one[1].Phase)

	b.Reset()
	require.Empty(t, b.Records())
}

func TestMulti(t *testing.T) {
	var a, b Buffer

	Multi{&a, &b, Discard{}}.Record(Record{Task: 3})

	require.Len(t, a.Records(), 1)
	require.Len(t, b.Records(), 1)
}

func TestLogRecorder(t *testing.T) {
	var out bytes.Buffer

	l := hclog.New(&hclog.LoggerOptions{Output: &out, Level: hclog.Info})

	r := NewLogRecorder(l)
	r.Record(Record{Phase: Enter, CPU: 0, Task: 1, Sysno: 172, Name: "GETPID"})
	r.Record(Record{Phase: Exit, Task: 1, Sysno: 172, Result: 1})

	require.Contains(t, out.String(), "name=GETPID")
	require.Contains(t, out.String(), "result=1")
}

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()

	s.Record(Record{Phase: Enter, CPU: 1, Task: 7, Sysno: 63, Name: "READ", Time: now})
	s.Record(Record{Phase: Enter, CPU: 0, Task: 8, Sysno: 172, Name: "GETPID", Time: now})
	s.Record(Record{Phase: Exit, CPU: 1, Task: 7, Sysno: 63, Name: "READ", Result: -11, Time: now})

	recs, err := s.Records(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.Equal(t, Enter, recs[0].Phase)
	require.Equal(t, "READ", recs[0].Name)
	require.Equal(t, uint64(63), recs[0].Sysno)
	require.Equal(t, 1, recs[0].CPU)
	require.Equal(t, now.UnixNano(), recs[0].Time.UnixNano())

	require.Equal(t, Exit, recs[1].Phase)
	require.Equal(t, int64(-11), recs[1].Result)

	all, err := s.Records(context.Background(), -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
