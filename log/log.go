package log

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "rvos",
	})
	L.SetLevel(hclog.Info)

	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Setup replaces L with a logger writing to out at the named level. An
// unknown level name keeps Info. TRACE in the environment still wins.
func Setup(out io.Writer, level string, color bool) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}

	opts := &hclog.LoggerOptions{
		Name:   "rvos",
		Level:  lvl,
		Output: out,
	}

	if color {
		opts.Color = hclog.ForceColor
	}

	L = hclog.New(opts)

	EnableDebug()

	return L
}

// EnableDebug raises L to Trace when TRACE is set.
func EnableDebug() {
	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}
