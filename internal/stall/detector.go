// Package stall detects non-productive sessions: agents stuck re-reading
// the same files, emitting the same output, or silently hung. Detection
// is heuristic; any single signal is enough to call the session stalled.
package stall

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Defaults mirror the tuned production thresholds.
const (
	// DefaultReadLoopThreshold is how many repeated reads without an
	// intervening write count as a loop.
	DefaultReadLoopThreshold = 12
	// DefaultReadOverlapRatio is the fraction of a read batch that must
	// hit files already read since the last write for the read to count
	// as a repeat.
	DefaultReadOverlapRatio = 0.8
	// DefaultInitialSilence is the tool-call silence allowed before the
	// first tool call of a session.
	DefaultInitialSilence = 5 * time.Minute
	// DefaultSilence is the tool-call silence allowed after the first
	// tool call.
	DefaultSilence = 10 * time.Minute
	// DefaultMaxSessionDuration is the per-session wall-clock ceiling.
	DefaultMaxSessionDuration = 60 * time.Minute

	// outputWindow is how many recent output snippets the repetition
	// heuristic looks at, and maxDistinct how many distinct normalized
	// forms still count as repetitive.
	outputWindow = 5
	maxDistinct  = 2
)

// Config tunes the detector thresholds. Zero values select defaults.
type Config struct {
	ReadLoopThreshold  int
	ReadOverlapRatio   float64
	InitialSilence     time.Duration
	Silence            time.Duration
	MaxSessionDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLoopThreshold <= 0 {
		c.ReadLoopThreshold = DefaultReadLoopThreshold
	}
	if c.ReadOverlapRatio <= 0 {
		c.ReadOverlapRatio = DefaultReadOverlapRatio
	}
	if c.InitialSilence <= 0 {
		c.InitialSilence = DefaultInitialSilence
	}
	if c.Silence <= 0 {
		c.Silence = DefaultSilence
	}
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = DefaultMaxSessionDuration
	}
	return c
}

// Detector watches one session for stall signals. State is per-session:
// create a fresh Detector (or call Start again) for each session so one
// session's behavior never taints the next. It is safe for concurrent use.
type Detector struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	started      time.Time
	lastToolCall time.Time
	sawToolCall  bool
	// seenReads accumulates every file read since the last write, so
	// repeats are judged against the session's read history rather than
	// only the immediately preceding batch. The executor reports one
	// file per tool event, and pairwise comparison would never see an
	// agent cycling reads across a small file set.
	seenReads     map[string]bool
	repeatedReads int
	outputs       []string
}

// New creates a Detector with the given config.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults(), now: time.Now}
}

// NewWithClock creates a Detector with an injectable clock for tests.
func NewWithClock(cfg Config, now func() time.Time) *Detector {
	return &Detector{cfg: cfg.withDefaults(), now: now}
}

// Start resets all state and marks the session start time.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.started = d.now()
	d.lastToolCall = time.Time{}
	d.sawToolCall = false
	d.seenReads = nil
	d.repeatedReads = 0
	d.outputs = nil
}

// RecordRead records a batch of file reads (one tool call touching one
// or more files). A read that mostly revisits files already read since
// the last write counts as a repeat; a read of mostly new files is
// exploration and resets the streak.
func (d *Detector) RecordRead(files ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.touch()
	if len(files) == 0 {
		return
	}

	if len(d.seenReads) > 0 {
		seen := 0
		for _, f := range files {
			if d.seenReads[f] {
				seen++
			}
		}
		if float64(seen)/float64(len(files)) > d.cfg.ReadOverlapRatio {
			d.repeatedReads++
		} else {
			d.repeatedReads = 0
		}
	}

	if d.seenReads == nil {
		d.seenReads = make(map[string]bool)
	}
	for _, f := range files {
		d.seenReads[f] = true
	}
}

// RecordWrite records a file write. Writes are progress: they reset the
// read-loop counter and the read history.
func (d *Detector) RecordWrite(files ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.touch()
	d.repeatedReads = 0
	d.seenReads = nil
}

// RecordOutput records an output snippet from the session.
func (d *Detector) RecordOutput(snippet string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.outputs = append(d.outputs, normalizeOutput(snippet))
	if len(d.outputs) > outputWindow {
		d.outputs = d.outputs[len(d.outputs)-outputWindow:]
	}
}

// touch marks tool-call activity. The caller must hold the mutex.
func (d *Detector) touch() {
	d.lastToolCall = d.now()
	d.sawToolCall = true
}

// Check evaluates every heuristic and reports whether the session is
// stalled, with a human-readable reason.
func (d *Detector) Check() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started.IsZero() {
		return false, ""
	}
	now := d.now()

	if elapsed := now.Sub(d.started); elapsed > d.cfg.MaxSessionDuration {
		return true, fmt.Sprintf("session exceeded %s ceiling (running %s)",
			d.cfg.MaxSessionDuration, elapsed.Round(time.Second))
	}

	if d.repeatedReads >= d.cfg.ReadLoopThreshold {
		return true, fmt.Sprintf("read loop: %d repeated reads over %d files with no writes",
			d.repeatedReads, len(d.seenReads))
	}

	if d.sawToolCall {
		if silence := now.Sub(d.lastToolCall); silence > d.cfg.Silence {
			return true, fmt.Sprintf("no tool calls for %s", silence.Round(time.Second))
		}
	} else {
		if silence := now.Sub(d.started); silence > d.cfg.InitialSilence {
			return true, fmt.Sprintf("no tool calls %s into session", silence.Round(time.Second))
		}
	}

	if len(d.outputs) == outputWindow {
		distinct := make(map[string]bool, outputWindow)
		for _, o := range d.outputs {
			distinct[o] = true
		}
		if len(distinct) <= maxDistinct {
			return true, fmt.Sprintf("repetitive output: last %d snippets collapse to %d patterns",
				outputWindow, len(distinct))
		}
	}

	return false, ""
}

var (
	numberRe     = regexp.MustCompile(`\d+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// normalizeOutput collapses incidental variation (counters, timestamps,
// spacing) so near-identical snippets compare equal.
func normalizeOutput(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = numberRe.ReplaceAllString(s, "N")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return s
}
