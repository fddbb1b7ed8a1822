package pluginsys

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Diagnostics receives instrumentation events. Implementations must never
// affect build semantics; a call failing or blocking is a bug in the sink,
// not in the runtime.
type Diagnostics interface {
	Warn(msg string, kv ...any)
	Info(msg string, kv ...any)
}

// NoopDiagnostics discards everything; it is the default when no sink is
// configured.
type NoopDiagnostics struct{}

func (NoopDiagnostics) Warn(msg string, kv ...any) {}
func (NoopDiagnostics) Info(msg string, kv ...any) {}

// LogDiagnostics is a Diagnostics implementation that writes through the
// standard log package with timestamps. It is not installed by default;
// callers pass it in explicitly.
type LogDiagnostics struct {
	logger *log.Logger
}

// NewLogDiagnostics builds a LogDiagnostics writing to stderr with UTC
// timestamps.
func NewLogDiagnostics() *LogDiagnostics {
	return &LogDiagnostics{logger: log.New(os.Stderr, "", 0)}
}

func (d *LogDiagnostics) Warn(msg string, kv ...any) {
	d.log("WARN", msg, kv...)
}

func (d *LogDiagnostics) Info(msg string, kv ...any) {
	d.log("INFO", msg, kv...)
}

func (d *LogDiagnostics) log(level, msg string, kv ...any) {
	ts := time.Now().UTC().Format(time.RFC3339)
	line := ts + " [" + level + "] " + msg
	for i := 0; i+1 < len(kv); i += 2 {
		line += " " + toString(kv[i]) + "="
		line += toString(kv[i+1])
	}
	d.logger.Println(line)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(v)
	}
}

// PhaseThresholds configures the per-phase warning thresholds described in
// spec.md §9's Instrumentation note: hook execution, facet init, and
// dispose each get a configurable ceiling above which a Diagnostics.Warn
// fires. Diagnostics are advisory only and never alter the build outcome.
type PhaseThresholds struct {
	HookExecution time.Duration
	FacetInit     time.Duration
	Dispose       time.Duration
}

// DefaultPhaseThresholds mirrors conservative defaults: anything taking
// longer than 250ms in one of these phases is surfaced as a warning.
func DefaultPhaseThresholds() PhaseThresholds {
	return PhaseThresholds{
		HookExecution: 250 * time.Millisecond,
		FacetInit:     250 * time.Millisecond,
		Dispose:       250 * time.Millisecond,
	}
}

// timePhase runs fn, and if it runs longer than threshold, reports a warning
// through diag naming phase and kind. It never alters fn's return value.
func timePhase(diag Diagnostics, phase, kind string, threshold time.Duration, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if threshold > 0 && elapsed > threshold {
		diag.Warn("phase exceeded threshold", "phase", phase, "kind", kind, "elapsed", elapsed.String(), "threshold", threshold.String())
	}
	return err
}
