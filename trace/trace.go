// Package trace records what the syscall dispatcher does: one record when a
// call is entered and one when it returns.
package trace

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type Phase int

const (
	Enter Phase = iota
	Exit
)

func (p Phase) String() string {
	switch p {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// Record is one trace event. Result is only meaningful on Exit.
type Record struct {
	Phase  Phase
	CPU    int
	Task   int
	Sysno  uint64
	Name   string
	Result int64
	Time   time.Time
}

type Recorder interface {
	Record(rec Record)
}

// LogRecorder writes records to an hclog logger at Info.
type LogRecorder struct {
	L hclog.Logger
}

func NewLogRecorder(l hclog.Logger) *LogRecorder {
	return &LogRecorder{L: l}
}

func (l *LogRecorder) Record(rec Record) {
	switch rec.Phase {
	case Enter:
		l.L.Info("syscall", "cpu", rec.CPU, "task", rec.Task, "id", rec.Sysno, "name", rec.Name)
	case Exit:
		l.L.Info("syscall-return", "task", rec.Task, "id", rec.Sysno, "result", rec.Result)
	}
}

// Buffer keeps records in memory.
type Buffer struct {
	mu      sync.Mutex
	records []Record
}

func (b *Buffer) Record(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = append(b.records, rec)
}

// Records returns a copy of everything recorded so far.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Record(nil), b.records...)
}

// ForTask returns the records of one task, in the order they were made.
func (b *Buffer) ForTask(task int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Record

	for _, rec := range b.records {
		if rec.Task == task {
			out = append(out, rec)
		}
	}

	return out
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records = nil
}

// Multi sends every record to each recorder in turn.
type Multi []Recorder

func (m Multi) Record(rec Record) {
	for _, r := range m {
		r.Record(rec)
	}
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(rec Record) {}
