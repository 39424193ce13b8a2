package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/evanphx/rvos/log"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trace_record (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	phase INTEGER NOT NULL,
	cpu INTEGER NOT NULL,
	task INTEGER NOT NULL,
	sysno INTEGER NOT NULL,
	name TEXT NOT NULL,
	result INTEGER NOT NULL,
	time INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trace_record_task ON trace_record(task, seq);
`

// Store persists records in a SQLite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	insert *sql.Stmt
}

// Open opens or creates the trace database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trace store %s", path)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing trace schema")
	}

	insert, err := db.Prepare(
		`INSERT INTO trace_record (phase, cpu, task, sysno, name, result, time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "preparing trace insert")
	}

	return &Store{db: db, insert: insert}, nil
}

// Record saves rec. Failures are logged; tracing never changes what a
// syscall returns.
func (s *Store) Record(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.insert.Exec(int(rec.Phase), rec.CPU, rec.Task, int64(rec.Sysno), rec.Name, rec.Result, rec.Time.UnixNano())
	if err != nil {
		log.L.Error("error writing trace record", "task", rec.Task, "name", rec.Name, "error", err)
	}
}

// Records returns the stored records of task in order, or every record
// when task is negative.
func (s *Store) Records(ctx context.Context, task int) ([]Record, error) {
	query := `SELECT phase, cpu, task, sysno, name, result, time FROM trace_record`

	var args []interface{}

	if task >= 0 {
		query += ` WHERE task = ?`
		args = append(args, task)
	}

	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying trace records")
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			rec   Record
			phase int
			sysno int64
			nanos int64
		)

		if err := rows.Scan(&phase, &rec.CPU, &rec.Task, &sysno, &rec.Name, &rec.Result, &nanos); err != nil {
			return nil, errors.Wrap(err, "reading trace record")
		}

		rec.Phase = Phase(phase)
		rec.Sysno = uint64(sysno)
		rec.Time = time.Unix(0, nanos)

		out = append(out, rec)
	}

	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insert.Close()

	return s.db.Close()
}
