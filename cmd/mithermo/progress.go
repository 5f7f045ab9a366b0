package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// isTerminal reports whether w is an interactive terminal. Progress output is
// only written to terminals so piped output stays machine readable.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ProgressPrinter shows a countdown line while a scan is running.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(os.Stderr, "Waiting for a-b-c", 30*time.Second)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop is safe to call more than once.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration
	enabled  bool

	once     sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewCountdownProgressPrinter creates a progress printer that counts down
// from duration. It prints nothing unless w is a terminal.
func NewCountdownProgressPrinter(w io.Writer, prefix string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		enabled:  isTerminal(w),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.once.Do(func() {
		if !p.enabled {
			close(p.done)
			return
		}
		go p.loop(time.Now())
	})
}

func (p *ProgressPrinter) loop(start time.Time) {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	p.print(p.duration)
	for {
		select {
		case <-p.stopCh:
			fmt.Fprint(p.w, clearLineSequence)
			return
		case <-ticker.C:
			p.print(p.duration - time.Since(start))
		}
	}
}

func (p *ProgressPrinter) print(remaining time.Duration) {
	if p.duration <= 0 {
		fmt.Fprintf(p.w, "\r%s...   ", p.prefix)
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	// Round to the nearest second
	fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, int(remaining.Seconds()+0.5))
}

// Stop stops the progress display and clears the line.
func (p *ProgressPrinter) Stop() {
	// Never started: nothing to wait for.
	p.once.Do(func() { close(p.done) })
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
	})
}
